package tools

import (
	"strings"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/state"
	"github.com/ansiblemesh/ansible/internal/sweep"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// Coordination is the get_coordination return shape.
type Coordination struct {
	Coordinator          string            `json:"coordinator,omitempty"`
	SweepEverySeconds    int64             `json:"sweepEverySeconds,omitempty"`
	RetentionDays        int64             `json:"closedTaskRetentionDays,omitempty"`
	PruneEveryHours      int64             `json:"pruneEveryHours,omitempty"`
	RetentionLastPruneAt int64             `json:"retentionLastPruneAt,omitempty"`
	SLASweepEnabled      bool              `json:"slaSweepEnabled"`
	SLASweepEverySeconds int64             `json:"slaSweepEverySeconds,omitempty"`
	SLASweepLastAt       int64             `json:"slaSweepLastAt,omitempty"`
	SLASweepRecordOnly   bool              `json:"slaSweepRecordOnly,omitempty"`
	SLASweepMaxMessages  int64             `json:"slaSweepMaxMessagesPerSweep,omitempty"`
	SLASweepFyiAgents    []string          `json:"slaSweepFyiAgents,omitempty"`
	Preferences          map[string]string `json:"preferences,omitempty"`
}

// GetCoordination reads the coordination map.
func (s *Service) GetCoordination() (*Coordination, error) {
	c := &Coordination{
		Coordinator: sweep.Coordinator(s.doc),
		Preferences: map[string]string{},
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSweepEverySeconds); ok {
		c.SweepEverySeconds = state.AsInt64(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordRetentionClosedTaskSeconds); ok {
		c.RetentionDays = state.AsInt64(v) / 86400
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordRetentionPruneEverySeconds); ok {
		c.PruneEveryHours = state.AsInt64(v) / 3600
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordRetentionLastPruneAt); ok {
		c.RetentionLastPruneAt = state.AsInt64(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepEnabled); ok {
		c.SLASweepEnabled = state.AsBool(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepEverySeconds); ok {
		c.SLASweepEverySeconds = state.AsInt64(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepLastAt); ok {
		c.SLASweepLastAt = state.AsInt64(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepRecordOnly); ok {
		c.SLASweepRecordOnly = state.AsBool(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepMaxMessagesPerSweep); ok {
		c.SLASweepMaxMessages = state.AsInt64(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepFyiAgents); ok {
		c.SLASweepFyiAgents = state.AsStringSlice(v)
	}
	for _, key := range s.doc.Keys(state.Coordination) {
		if node, ok := strings.CutPrefix(key, state.CoordPrefPrefix); ok && node != "" {
			v, _ := s.doc.GetValue(state.Coordination, key)
			c.Preferences[node] = state.AsString(v)
		}
	}
	return c, nil
}

// SetCoordinationParams carries the set_coordination inputs. Changing
// an already-set coordinator requires the last-resort confirmation.
// The slaSweep knobs are optional; nil/zero leaves the shared value
// untouched.
type SetCoordinationParams struct {
	Coordinator         string   `json:"coordinator"`
	SweepEverySeconds   int64    `json:"sweepEverySeconds,omitempty"`
	ConfirmLastResort   bool     `json:"confirmLastResort,omitempty"`
	SLASweepEnabled     *bool    `json:"slaSweepEnabled,omitempty"`
	SLASweepEverySec    int64    `json:"slaSweepEverySeconds,omitempty"`
	SLASweepRecordOnly  *bool    `json:"slaSweepRecordOnly,omitempty"`
	SLASweepMaxMessages int64    `json:"slaSweepMaxMessagesPerSweep,omitempty"`
	SLASweepFyiAgents   []string `json:"slaSweepFyiAgents,omitempty"`
}

// SetCoordination assigns the coordinator role and optionally tunes
// the shared sweep knobs.
func (s *Service) SetCoordination(p SetCoordinationParams) error {
	if err := validate.NodeID("coordinator", p.Coordinator); err != nil {
		return err
	}
	current := sweep.Coordinator(s.doc)
	if current != "" && current != p.Coordinator && !p.ConfirmLastResort {
		return fault.Newf(fault.InvalidState,
			"coordinator is already %q; changing it requires confirmLastResort", current)
	}
	if p.SweepEverySeconds != 0 && p.SweepEverySeconds < 30 {
		return fault.New(fault.InvalidParams, "sweepEverySeconds must be at least 30")
	}
	if p.SLASweepEverySec != 0 && p.SLASweepEverySec < 30 {
		return fault.New(fault.InvalidParams, "slaSweepEverySeconds must be at least 30")
	}
	if p.SLASweepMaxMessages < 0 {
		return fault.New(fault.InvalidParams, "slaSweepMaxMessagesPerSweep must be positive")
	}

	s.doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, state.CoordCoordinator, p.Coordinator)
		if p.SweepEverySeconds != 0 {
			tx.SetValue(state.Coordination, state.CoordSweepEverySeconds, p.SweepEverySeconds)
		}
		if p.SLASweepEnabled != nil {
			tx.SetValue(state.Coordination, state.CoordSLASweepEnabled, *p.SLASweepEnabled)
		}
		if p.SLASweepEverySec != 0 {
			tx.SetValue(state.Coordination, state.CoordSLASweepEverySeconds, p.SLASweepEverySec)
		}
		if p.SLASweepRecordOnly != nil {
			tx.SetValue(state.Coordination, state.CoordSLASweepRecordOnly, *p.SLASweepRecordOnly)
		}
		if p.SLASweepMaxMessages != 0 {
			tx.SetValue(state.Coordination, state.CoordSLASweepMaxMessagesPerSweep, p.SLASweepMaxMessages)
		}
		if len(p.SLASweepFyiAgents) > 0 {
			tx.SetValue(state.Coordination, state.CoordSLASweepFyiAgents, p.SLASweepFyiAgents)
		}
	})
	return nil
}

// SetCoordinationPreference records this node's preferred coordinator
// under pref:<node>. Preferences are advisory; they never move the
// role by themselves.
func (s *Service) SetCoordinationPreference(preferred string) error {
	if err := validate.NodeID("preferred", preferred); err != nil {
		return err
	}
	s.doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, state.CoordPrefPrefix+s.self, preferred)
	})
	return nil
}

// SetRetentionParams carries the set_retention inputs.
type SetRetentionParams struct {
	ClosedTaskRetentionDays int64 `json:"closedTaskRetentionDays"`
	PruneEveryHours         int64 `json:"pruneEveryHours"`
}

// SetRetention configures the retention prune window and cadence. Both
// are stored in seconds in the shared document.
func (s *Service) SetRetention(p SetRetentionParams) error {
	if p.ClosedTaskRetentionDays < 1 || p.ClosedTaskRetentionDays > 90 {
		return fault.New(fault.InvalidParams, "closedTaskRetentionDays must be between 1 and 90")
	}
	if p.PruneEveryHours < 1 || p.PruneEveryHours > 168 {
		return fault.New(fault.InvalidParams, "pruneEveryHours must be between 1 and 168")
	}
	s.doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, state.CoordRetentionClosedTaskSeconds, p.ClosedTaskRetentionDays*86400)
		tx.SetValue(state.Coordination, state.CoordRetentionPruneEverySeconds, p.PruneEveryHours*3600)
	})
	return nil
}
