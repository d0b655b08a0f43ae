package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ansiblemesh/ansible/internal/id"
	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/state"
)

// SLA sweep defaults.
const (
	DefaultSLAInterval         = 5 * time.Minute
	DefaultMaxMessagesPerSweep = 20
)

// Escalation outcome reasons.
const (
	ReasonRecordOnly      = "record_only"
	ReasonNoTargets       = "no_targets"
	ReasonBudgetExhausted = "message_budget_exhausted"
)

// SLAConfig controls the sweep. Zero values take the defaults.
type SLAConfig struct {
	Enabled             bool
	EverySeconds        int
	RecordOnly          bool
	MaxMessagesPerSweep int
	FyiAgents           []string
}

// Breach is one detected SLA violation.
type Breach struct {
	TaskID  string   `json:"taskId"`
	Type    string   `json:"type"` // accept, progress, complete
	Targets []string `json:"targets"`
	Reason  string   `json:"reason,omitempty"`
}

// SLAResult is the sweep's return shape for tooling.
type SLAResult struct {
	DryRun             bool     `json:"dryRun"`
	Scanned            int      `json:"scanned"`
	Breaches           []Breach `json:"breaches"`
	BreachCount        int      `json:"breachCount"`
	EscalationsWritten int      `json:"escalationsWritten"`
}

// SLA escalates tasks whose accept/progress/complete deadlines have
// passed. Coordinator-only; escalation marks are idempotent so a brief
// two-coordinator window is harmless.
type SLA struct {
	doc  *state.Doc
	self string
	cfg  SLAConfig
	now  func() time.Time
}

func NewSLA(doc *state.Doc, self string, cfg SLAConfig) *SLA {
	if cfg.MaxMessagesPerSweep <= 0 {
		cfg.MaxMessagesPerSweep = DefaultMaxMessagesPerSweep
	}
	return &SLA{doc: doc, self: self, cfg: cfg, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (s *SLA) SetNowFunc(fn func() time.Time) { s.now = fn }

// effective returns the sweep configuration with the shared slaSweep*
// coordination keys applied on top of the local config. Document values
// win, so the coordinator can tune the sweep for whichever node holds
// the role.
func (s *SLA) effective() SLAConfig {
	cfg := s.cfg
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepEnabled); ok {
		cfg.Enabled = state.AsBool(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepEverySeconds); ok {
		if secs := state.AsInt64(v); secs > 0 {
			cfg.EverySeconds = int(secs)
		}
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepRecordOnly); ok {
		cfg.RecordOnly = state.AsBool(v)
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepMaxMessagesPerSweep); ok {
		if n := state.AsInt64(v); n > 0 {
			cfg.MaxMessagesPerSweep = int(n)
		}
	}
	if v, ok := s.doc.GetValue(state.Coordination, state.CoordSLASweepFyiAgents); ok {
		if agents := state.AsStringSlice(v); len(agents) > 0 {
			cfg.FyiAgents = agents
		}
	}
	return cfg
}

// Run ticks the sweep until ctx is cancelled. The interval and the
// enabled flag are re-read each cycle so shared overrides take effect
// without a restart.
func (s *SLA) Run(ctx context.Context) {
	for {
		every := time.Duration(s.effective().EverySeconds) * time.Second
		if every <= 0 {
			every = DefaultSLAInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
		if !s.effective().Enabled || Coordinator(s.doc) != s.self {
			continue
		}
		res := s.Sweep(false)
		if res.BreachCount > 0 {
			slog.Warn("sla sweep", "breaches", res.BreachCount, "escalations", res.EscalationsWritten)
		}
	}
}

// Sweep scans all tasks once. With dryRun it only counts; otherwise
// every breach is marked escalated exactly once, and at most
// MaxMessagesPerSweep notification messages are emitted per sweep.
func (s *SLA) Sweep(dryRun bool) SLAResult {
	res := SLAResult{DryRun: dryRun, Breaches: []Breach{}}
	now := s.now().UnixMilli()
	cfg := s.effective()
	budget := cfg.MaxMessagesPerSweep

	taskIDs := s.doc.Keys(state.Tasks)
	sort.Strings(taskIDs)

	for _, taskID := range taskIDs {
		rec, ok := s.doc.Get(state.Tasks, taskID)
		if !ok {
			continue
		}
		res.Scanned++

		for _, btype := range breachTypes(rec, now) {
			breach := Breach{TaskID: taskID, Type: btype, Targets: s.targets(rec, cfg.FyiAgents)}

			if dryRun {
				res.Breaches = append(res.Breaches, breach)
				continue
			}

			switch {
			case cfg.RecordOnly:
				breach.Reason = ReasonRecordOnly
			case len(breach.Targets) == 0:
				breach.Reason = ReasonNoTargets
			case budget <= 0:
				breach.Reason = ReasonBudgetExhausted
			default:
				s.notify(taskID, rec, breach, now)
				budget--
				res.EscalationsWritten++
			}
			s.markEscalated(taskID, breach, now)
			metrics.SLAEscalationsTotal.WithLabelValues(breach.Type).Inc()
			res.Breaches = append(res.Breaches, breach)
		}
	}

	res.BreachCount = len(res.Breaches)
	if !dryRun {
		s.doc.Transact(func(tx *state.Txn) {
			tx.SetValue(state.Coordination, state.CoordSLASweepLastAt, now)
		})
		metrics.SweepRunsTotal.WithLabelValues("sla").Inc()
	}
	return res
}

// breachTypes returns the breach types currently open on a task. A
// breach is open when its deadline has passed and no escalation mark
// for it exists yet.
func breachTypes(rec map[string]any, now int64) []string {
	sla := state.AsRecord(state.AsRecord(state.AsRecord(rec["metadata"])["ansible"])["sla"])
	if len(sla) == 0 {
		return nil
	}
	escalations := state.AsRecord(sla["escalations"])
	status := state.AsString(rec["status"])

	var out []string
	if status == "pending" {
		if by := state.AsInt64(sla["acceptByAt"]); by > 0 && now > by && escalations["acceptAt"] == nil {
			out = append(out, "accept")
		}
	}
	if status == "claimed" || status == "in_progress" {
		if by := state.AsInt64(sla["progressByAt"]); by > 0 && now > by && escalations["progressAt"] == nil {
			out = append(out, "progress")
		}
		if by := state.AsInt64(sla["completeByAt"]); by > 0 && now > by && escalations["completeAt"] == nil {
			out = append(out, "complete")
		}
	}
	return out
}

// targets resolves who to notify: creator and claimer deduped, falling
// back to the FYI list.
func (s *SLA) targets(rec map[string]any, fyiAgents []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, agent := range []string{
		state.AsString(rec["createdBy_agent"]),
		state.AsString(rec["claimedBy_agent"]),
	} {
		if agent != "" && !seen[agent] {
			seen[agent] = true
			out = append(out, agent)
		}
	}
	if len(out) == 0 {
		for _, agent := range fyiAgents {
			if agent != "" && !seen[agent] {
				seen[agent] = true
				out = append(out, agent)
			}
		}
	}
	return out
}

// markEscalated stamps escalations.<type>At and the outcome record on
// the task metadata. The stamp is what prevents re-notification.
func (s *SLA) markEscalated(taskID string, breach Breach, now int64) {
	s.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.Tasks, taskID)
		if !ok {
			return
		}
		meta := deepCopyRecord(state.AsRecord(rec["metadata"]))
		ansible := ensureRecord(meta, "ansible")
		sla := ensureRecord(ansible, "sla")
		escalations := ensureRecord(sla, "escalations")
		escalations[breach.Type+"At"] = now
		if breach.Reason != "" {
			outcomes := ensureRecord(sla, "escalationOutcomes")
			outcomes[breach.Type] = map[string]any{"reason": breach.Reason, "at": now}
		}
		tx.SetField(state.Tasks, taskID, "metadata", meta)
	})
}

// notify writes one escalation message addressed to the breach targets.
func (s *SLA) notify(taskID string, rec map[string]any, breach Breach, now int64) {
	content := fmt.Sprintf("SLA breach on task %s (%s): %s deadline passed",
		taskID, state.AsString(rec["title"]), breach.Type)
	msgID := id.NewID()
	s.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, msgID, map[string]any{
			"id":            msgID,
			"from_agent":    s.self,
			"from_node":     s.self,
			"to_agents":     breach.Targets,
			"content":       content,
			"timestamp":     now,
			"updatedAt":     now,
			"readBy_agents": []string{s.self},
			"metadata": map[string]any{
				"ansible": map[string]any{
					"slaEscalation": map[string]any{"taskId": taskID, "breach": breach.Type},
				},
			},
		})
	})
}

func ensureRecord(parent map[string]any, key string) map[string]any {
	if rec, ok := parent[key].(map[string]any); ok {
		return rec
	}
	rec := map[string]any{}
	parent[key] = rec
	return rec
}

func deepCopyRecord(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if rec, ok := v.(map[string]any); ok {
			out[k] = deepCopyRecord(rec)
		} else {
			out[k] = v
		}
	}
	return out
}
