// Package testutil holds the polling assertions the replication tests
// share. Convergence across documents is asynchronous, so tests wait
// on a condition instead of sleeping.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Polling window generous enough for a full reconnect cycle.
const (
	waitTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

// AssertEventually polls condition until it holds or the shared
// timeout elapses.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}

// RequireEventually is AssertEventually but fatal on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}
