// Package id generates the opaque identifiers used across the
// coordination plane: nanoid-based tokens for invites and tickets,
// UUIDs for messages and tasks.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewToken returns a 32-character url- and token-safe nanoid, used for
// invite tokens and websocket tickets.
func NewToken() string {
	id, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewID returns a UUIDv4 string, used for message and task ids.
func NewID() string {
	return uuid.NewString()
}
