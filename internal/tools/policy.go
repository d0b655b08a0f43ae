package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/sweep"
)

// DelegationPolicy is the shared delegation guidance document.
type DelegationPolicy struct {
	PolicyMarkdown string               `json:"policyMarkdown"`
	Version        string               `json:"version"`
	Checksum       string               `json:"checksum"`
	UpdatedBy      string               `json:"updatedBy"`
	UpdatedAt      int64                `json:"updatedAt"`
	Acks           map[string]PolicyAck `json:"acks,omitempty"`
}

// PolicyAck records one agent's acknowledgement: which version and
// checksum it acked, and when. Stored under delegationAck:<agent>.
type PolicyAck struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	At       int64  `json:"at"`
}

// GetDelegationPolicy returns the current policy, or NotFound when
// none has been set.
func (s *Service) GetDelegationPolicy() (*DelegationPolicy, error) {
	rec, ok := s.doc.Get(state.Coordination, state.CoordDelegationPolicy)
	if !ok {
		return nil, fault.New(fault.NotFound, "no delegation policy is set")
	}
	p := &DelegationPolicy{
		PolicyMarkdown: state.AsString(rec["policyMarkdown"]),
		Version:        state.AsString(rec["version"]),
		Checksum:       state.AsString(rec["checksum"]),
		UpdatedBy:      state.AsString(rec["updatedBy"]),
		UpdatedAt:      state.AsInt64(rec["updatedAt"]),
		Acks:           map[string]PolicyAck{},
	}
	for _, key := range s.doc.Keys(state.Coordination) {
		agent, ok := strings.CutPrefix(key, state.CoordDelegationAckPrefix)
		if !ok || agent == "" {
			continue
		}
		ack, ok := s.doc.Get(state.Coordination, key)
		if !ok {
			continue
		}
		p.Acks[agent] = PolicyAck{
			Version:  state.AsString(ack["version"]),
			Checksum: state.AsString(ack["checksum"]),
			At:       state.AsInt64(ack["at"]),
		}
	}
	return p, nil
}

// SetDelegationPolicyParams carries the set_delegation_policy inputs.
type SetDelegationPolicyParams struct {
	PolicyMarkdown string   `json:"policyMarkdown"`
	Version        string   `json:"version"`
	Checksum       string   `json:"checksum,omitempty"`
	NotifyAgents   []string `json:"notifyAgents,omitempty"`
}

// SetDelegationPolicy replaces the policy document and clears all
// previous acknowledgements. Coordinator-only; the checksum defaults
// to sha-256 over the markdown.
func (s *Service) SetDelegationPolicy(p SetDelegationPolicyParams) error {
	coordinator := sweep.Coordinator(s.doc)
	if coordinator != s.self {
		return fault.Newf(fault.NotAuthorized,
			"set_delegation_policy is coordinator-only; current coordinator is %q", coordinator)
	}
	if p.PolicyMarkdown == "" || p.Version == "" {
		return fault.New(fault.InvalidParams, "policyMarkdown and version are required")
	}
	checksum := p.Checksum
	if checksum == "" {
		checksum = PolicyChecksum(p.PolicyMarkdown)
	}

	now := s.now().UnixMilli()
	s.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Coordination, state.CoordDelegationPolicy, map[string]any{
			"policyMarkdown": p.PolicyMarkdown,
			"version":        p.Version,
			"checksum":       checksum,
			"updatedBy":      s.self,
			"updatedAt":      now,
		})
		for _, key := range tx.Keys(state.Coordination) {
			if strings.HasPrefix(key, state.CoordDelegationAckPrefix) {
				tx.Delete(state.Coordination, key)
			}
		}
	})

	if len(p.NotifyAgents) > 0 {
		// Best effort announcement.
		_, _ = s.SendMessage(SendMessageParams{
			Content: "Delegation policy updated to version " + p.Version,
			To:      p.NotifyAgents,
		})
	}
	return nil
}

// AckDelegationPolicy records this node's acknowledgement under
// delegationAck:<self>, carrying the acked version and checksum. When
// a version or checksum is supplied it must match the current policy.
func (s *Service) AckDelegationPolicy(version, checksum string) error {
	rec, ok := s.doc.Get(state.Coordination, state.CoordDelegationPolicy)
	if !ok {
		return fault.New(fault.NotFound, "no delegation policy is set")
	}
	if version != "" && version != state.AsString(rec["version"]) {
		return fault.Newf(fault.InvalidState, "policy version is %q", state.AsString(rec["version"]))
	}
	if checksum != "" && checksum != state.AsString(rec["checksum"]) {
		return fault.New(fault.InvalidState, "checksum does not match the current policy")
	}

	now := s.now().UnixMilli()
	s.doc.Transact(func(tx *state.Txn) {
		cur, ok := tx.Get(state.Coordination, state.CoordDelegationPolicy)
		if !ok {
			return
		}
		tx.Set(state.Coordination, state.CoordDelegationAckPrefix+s.self, map[string]any{
			"version":  state.AsString(cur["version"]),
			"checksum": state.AsString(cur["checksum"]),
			"at":       now,
		})
	})
	return nil
}

// PolicyChecksum is the default checksum: hex sha-256 over the
// markdown body.
func PolicyChecksum(markdown string) string {
	sum := sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}
