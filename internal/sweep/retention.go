// Package sweep holds the periodic jobs: coordinator-gated retention
// prune and SLA escalation, plus the per-host stale-lock reaper. Every
// coordinator-gated job re-reads the coordinator field at the start of
// each tick, so role transitions take effect on the next tick without
// any handoff protocol.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/state"
)

// Retention defaults.
const (
	RetentionCheckInterval     = 5 * time.Minute
	DefaultClosedTaskRetention = 7 * 24 * time.Hour
	DefaultPruneCadence        = 24 * time.Hour
)

// Coordinator returns the node currently holding the coordinator role,
// or "" when unset.
func Coordinator(doc *state.Doc) string {
	v, _ := doc.GetValue(state.Coordination, state.CoordCoordinator)
	return state.AsString(v)
}

// Retention deletes closed tasks older than the configured retention
// window. It only acts on the coordinator, and only when the local
// tier is backbone.
type Retention struct {
	doc  *state.Doc
	self string
	tier string
	now  func() time.Time
}

func NewRetention(doc *state.Doc, self, tier string) *Retention {
	return &Retention{doc: doc, self: self, tier: tier, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (r *Retention) SetNowFunc(fn func() time.Time) { r.now = fn }

// Run checks for due prunes every RetentionCheckInterval until ctx is
// cancelled.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(RetentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one retention check. It returns the number of tasks pruned
// and whether a prune actually ran.
func (r *Retention) Tick() (pruned int, ran bool) {
	if Coordinator(r.doc) != r.self || r.tier != "backbone" {
		return 0, false
	}

	now := r.now().UnixMilli()
	cadence := r.cadence()
	last, _ := r.doc.GetValue(state.Coordination, state.CoordRetentionLastPruneAt)
	if lastMs := state.AsInt64(last); lastMs > 0 && now-lastMs < cadence.Milliseconds() {
		return 0, false
	}

	cutoff := now - r.retention().Milliseconds()
	var victims []string
	for _, taskID := range r.doc.Keys(state.Tasks) {
		rec, ok := r.doc.Get(state.Tasks, taskID)
		if !ok {
			continue
		}
		switch state.AsString(rec["status"]) {
		case "completed", "failed":
		default:
			continue
		}
		if closedAt(rec) < cutoff {
			victims = append(victims, taskID)
		}
	}

	r.doc.Transact(func(tx *state.Txn) {
		for _, taskID := range victims {
			tx.Delete(state.Tasks, taskID)
		}
		tx.SetValue(state.Coordination, state.CoordRetentionLastPruneAt, now)
	})

	metrics.SweepRunsTotal.WithLabelValues("retention").Inc()
	metrics.TasksPruned.Add(float64(len(victims)))
	if len(victims) > 0 {
		slog.Info("retention prune", "pruned", len(victims))
	} else {
		slog.Debug("retention prune found nothing to delete")
	}
	return len(victims), true
}

// closedAt picks the best closed-at signal available on a task.
func closedAt(rec map[string]any) int64 {
	if v := state.AsInt64(rec["completedAt"]); v > 0 {
		return v
	}
	if v := state.AsInt64(rec["updatedAt"]); v > 0 {
		return v
	}
	return state.AsInt64(rec["createdAt"])
}

func (r *Retention) retention() time.Duration {
	v, _ := r.doc.GetValue(state.Coordination, state.CoordRetentionClosedTaskSeconds)
	if secs := state.AsInt64(v); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultClosedTaskRetention
}

func (r *Retention) cadence() time.Duration {
	v, _ := r.doc.GetValue(state.Coordination, state.CoordRetentionPruneEverySeconds)
	if secs := state.AsInt64(v); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultPruneCadence
}
