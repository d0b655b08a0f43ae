package sweep

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansiblemesh/ansible/internal/state"
)

func setCoordinator(doc *state.Doc, node string) {
	doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, "coordinator", node)
	})
}

func TestRetentionPrunesOldClosedTasks(t *testing.T) {
	doc := state.New("bb1")
	setCoordinator(doc, "bb1")
	r := NewRetention(doc, "bb1", "backbone")
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })

	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "t-old", map[string]any{
			"status":      "completed",
			"completedAt": now.Add(-10 * 24 * time.Hour).UnixMilli(),
		})
		tx.Set(state.Tasks, "t-recent", map[string]any{
			"status":      "completed",
			"completedAt": now.Add(-2 * 24 * time.Hour).UnixMilli(),
		})
		tx.Set(state.Tasks, "t-open", map[string]any{
			"status":    "pending",
			"createdAt": now.Add(-30 * 24 * time.Hour).UnixMilli(),
		})
		// No completedAt: falls back to updatedAt.
		tx.Set(state.Tasks, "t-old-updated", map[string]any{
			"status":    "failed",
			"updatedAt": now.Add(-8 * 24 * time.Hour).UnixMilli(),
		})
	})

	pruned, ran := r.Tick()
	require.True(t, ran)
	assert.Equal(t, 2, pruned)
	assert.False(t, doc.Has(state.Tasks, "t-old"))
	assert.False(t, doc.Has(state.Tasks, "t-old-updated"))
	assert.True(t, doc.Has(state.Tasks, "t-recent"))
	assert.True(t, doc.Has(state.Tasks, "t-open"))

	last, _ := doc.GetValue(state.Coordination, "retentionLastPruneAt")
	assert.Equal(t, now.UnixMilli(), state.AsInt64(last))
}

func TestRetentionRespectsCadence(t *testing.T) {
	doc := state.New("bb1")
	setCoordinator(doc, "bb1")
	r := NewRetention(doc, "bb1", "backbone")
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })

	_, ran := r.Tick()
	require.True(t, ran)

	// Immediately after a prune, the next check is not due.
	_, ran = r.Tick()
	assert.False(t, ran)

	// A day later it is.
	r.SetNowFunc(func() time.Time { return now.Add(25 * time.Hour) })
	_, ran = r.Tick()
	assert.True(t, ran)
}

func TestRetentionCadenceReadsSharedSeconds(t *testing.T) {
	doc := state.New("bb1")
	setCoordinator(doc, "bb1")
	r := NewRetention(doc, "bb1", "backbone")
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })

	_, ran := r.Tick()
	require.True(t, ran)

	// The shared cadence key is in seconds; one hour here.
	doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, "retentionPruneEverySeconds", int64(3600))
	})

	r.SetNowFunc(func() time.Time { return now.Add(90 * time.Minute) })
	_, ran = r.Tick()
	assert.True(t, ran, "due again after the shorter shared cadence")

	r.SetNowFunc(func() time.Time { return now.Add(110 * time.Minute) })
	_, ran = r.Tick()
	assert.False(t, ran, "twenty minutes after a prune is within the hour cadence")
}

func TestRetentionGatedByCoordinatorAndTier(t *testing.T) {
	doc := state.New("bb1")
	setCoordinator(doc, "e1")
	r := NewRetention(doc, "bb1", "backbone")
	_, ran := r.Tick()
	assert.False(t, ran, "not the coordinator")

	setCoordinator(doc, "bb1")
	edge := NewRetention(doc, "bb1", "edge")
	_, ran = edge.Tick()
	assert.False(t, ran, "edge tier never prunes")

	_, ran = r.Tick()
	assert.True(t, ran)

	// Role moved away: next tick is a no-op again.
	setCoordinator(doc, "e1")
	r.SetNowFunc(func() time.Time { return time.Now().Add(48 * time.Hour) })
	_, ran = r.Tick()
	assert.False(t, ran)
}

func slaTask(doc *state.Doc, taskID, status string, acceptBy int64) {
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, taskID, map[string]any{
			"id": taskID, "title": "work", "status": status,
			"createdBy_agent": "creator",
			"metadata": map[string]any{
				"ansible": map[string]any{
					"sla": map[string]any{"acceptByAt": acceptBy},
				},
			},
		})
	})
}

func taskSLA(doc *state.Doc, taskID string) map[string]any {
	rec, _ := doc.Get(state.Tasks, taskID)
	return state.AsRecord(state.AsRecord(state.AsRecord(rec["metadata"])["ansible"])["sla"])
}

func TestSLASweepBudgetAntiStorm(t *testing.T) {
	doc := state.New("bb1")
	s := NewSLA(doc, "bb1", SLAConfig{MaxMessagesPerSweep: 3})
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 50; i++ {
		slaTask(doc, fmt.Sprintf("t%02d", i), "pending", now.Add(-time.Minute).UnixMilli())
	}

	res := s.Sweep(false)
	assert.Equal(t, 50, res.Scanned)
	assert.Equal(t, 50, res.BreachCount)
	assert.Equal(t, 3, res.EscalationsWritten)
	assert.Equal(t, 3, doc.Len(state.Messages))

	exhausted := 0
	for i := 0; i < 50; i++ {
		sla := taskSLA(doc, fmt.Sprintf("t%02d", i))
		escalations := state.AsRecord(sla["escalations"])
		require.NotNil(t, escalations["acceptAt"], "every breach is marked escalated")
		outcome := state.AsRecord(state.AsRecord(sla["escalationOutcomes"])["accept"])
		if state.AsString(outcome["reason"]) == ReasonBudgetExhausted {
			exhausted++
		}
	}
	assert.Equal(t, 47, exhausted)

	// Re-run: nothing new, no re-notify.
	res = s.Sweep(false)
	assert.Equal(t, 0, res.BreachCount)
	assert.Equal(t, 0, res.EscalationsWritten)
	assert.Equal(t, 3, doc.Len(state.Messages))
}

func TestSLASweepRecordOnly(t *testing.T) {
	doc := state.New("bb1")
	s := NewSLA(doc, "bb1", SLAConfig{RecordOnly: true})
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	slaTask(doc, "t1", "pending", now.Add(-time.Hour).UnixMilli())

	res := s.Sweep(false)
	assert.Equal(t, 1, res.BreachCount)
	assert.Equal(t, 0, res.EscalationsWritten)
	assert.Equal(t, 0, doc.Len(state.Messages))

	sla := taskSLA(doc, "t1")
	outcome := state.AsRecord(state.AsRecord(sla["escalationOutcomes"])["accept"])
	assert.Equal(t, ReasonRecordOnly, state.AsString(outcome["reason"]))
}

func TestSLASweepDryRunMutatesNothing(t *testing.T) {
	doc := state.New("bb1")
	s := NewSLA(doc, "bb1", SLAConfig{})
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	slaTask(doc, "t1", "pending", now.Add(-time.Hour).UnixMilli())

	res := s.Sweep(true)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.BreachCount)
	assert.Equal(t, 0, doc.Len(state.Messages))
	assert.Nil(t, state.AsRecord(taskSLA(doc, "t1")["escalations"])["acceptAt"])

	// The real run afterwards still sees the breach.
	res = s.Sweep(false)
	assert.Equal(t, 1, res.EscalationsWritten)
}

func TestSLASweepNoTargetsFallsBackToFyi(t *testing.T) {
	doc := state.New("bb1")
	now := time.Now()

	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "t1", map[string]any{
			"id": "t1", "status": "pending",
			"metadata": map[string]any{
				"ansible": map[string]any{
					"sla": map[string]any{"acceptByAt": now.Add(-time.Hour).UnixMilli()},
				},
			},
		})
	})

	// No FYI agents configured: breach recorded with no_targets.
	s := NewSLA(doc, "bb1", SLAConfig{})
	s.SetNowFunc(func() time.Time { return now })
	res := s.Sweep(false)
	require.Equal(t, 1, res.BreachCount)
	assert.Equal(t, ReasonNoTargets, res.Breaches[0].Reason)
	assert.Equal(t, 0, doc.Len(state.Messages))

	// With FYI agents, a fresh breach notifies them.
	slaTask(doc, "t2", "pending", now.Add(-time.Hour).UnixMilli())
	doc.Transact(func(tx *state.Txn) {
		tx.SetField(state.Tasks, "t2", "createdBy_agent", "")
	})
	fyi := NewSLA(doc, "bb1", SLAConfig{FyiAgents: []string{"ops"}})
	fyi.SetNowFunc(func() time.Time { return now })
	res = fyi.Sweep(false)
	require.Equal(t, 1, res.EscalationsWritten)
	assert.Equal(t, []string{"ops"}, res.Breaches[0].Targets)
}

func TestSLAProgressAndCompleteBreaches(t *testing.T) {
	doc := state.New("bb1")
	now := time.Now()
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "t1", map[string]any{
			"id": "t1", "status": "in_progress",
			"createdBy_agent": "creator", "claimedBy_agent": "worker",
			"metadata": map[string]any{
				"ansible": map[string]any{
					"sla": map[string]any{
						"progressByAt": now.Add(-time.Minute).UnixMilli(),
						"completeByAt": now.Add(-time.Minute).UnixMilli(),
					},
				},
			},
		})
	})

	s := NewSLA(doc, "bb1", SLAConfig{})
	s.SetNowFunc(func() time.Time { return now })
	res := s.Sweep(false)
	require.Equal(t, 2, res.BreachCount)
	assert.Equal(t, 2, res.EscalationsWritten)
	// Creator and claimer, deduped, both on each message.
	assert.Equal(t, []string{"creator", "worker"}, res.Breaches[0].Targets)
}

func TestSLASweepHonorsSharedOverridesAndStampsLastAt(t *testing.T) {
	doc := state.New("bb1")
	setCoordinator(doc, "bb1")
	now := time.Now()
	slaTask(doc, "t1", "pending", now.Add(-time.Hour).UnixMilli())

	// Shared coordination keys win over the local config.
	doc.Transact(func(tx *state.Txn) {
		tx.SetValue(state.Coordination, "slaSweepEnabled", true)
		tx.SetValue(state.Coordination, "slaSweepRecordOnly", true)
	})

	s := NewSLA(doc, "bb1", SLAConfig{Enabled: false, RecordOnly: false})
	s.SetNowFunc(func() time.Time { return now })
	assert.True(t, s.effective().Enabled)

	res := s.Sweep(false)
	require.Equal(t, 1, res.BreachCount)
	assert.Equal(t, ReasonRecordOnly, res.Breaches[0].Reason)
	assert.Equal(t, 0, doc.Len(state.Messages), "record-only override writes no messages")

	last, ok := doc.GetValue(state.Coordination, "slaSweepLastAt")
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), state.AsInt64(last))

	// Dry runs never stamp.
	later := now.Add(time.Minute)
	s.SetNowFunc(func() time.Time { return later })
	_ = s.Sweep(true)
	last, _ = doc.GetValue(state.Coordination, "slaSweepLastAt")
	assert.Equal(t, now.UnixMilli(), state.AsInt64(last))
}

func TestLockReaperRemovesStaleOnly(t *testing.T) {
	dir := t.TempDir()
	sessions := filepath.Join(dir, "agents", "a1", "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))

	stale := filepath.Join(sessions, "old.jsonl.lock")
	fresh := filepath.Join(sessions, "new.jsonl.lock")
	other := filepath.Join(sessions, "data.jsonl")
	require.NoError(t, os.WriteFile(stale, []byte("pid=4242\n"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("pid=4243\n"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))

	past := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(stale, past, past))

	r := NewLockReaper(dir, 5*time.Minute)
	sum := r.Reap()

	assert.Equal(t, ReapSummary{Found: 2, Removed: 1, Kept: 1}, sum)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other, "non-lock files are untouched")
}

func TestLockReaperIgnoresTooDeepPaths(t *testing.T) {
	dir := t.TempDir()
	deep := filepath.Join(dir, "agents", "a1", "sessions", "nested", "deep.jsonl.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(deep), 0o755))
	require.NoError(t, os.WriteFile(deep, []byte("pid=99"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(deep, past, past))

	r := NewLockReaper(dir, 5*time.Minute)
	sum := r.Reap()
	assert.Equal(t, 0, sum.Found)
	assert.FileExists(t, deep)
}

func TestLockReaperMissingDirIsQuiet(t *testing.T) {
	r := NewLockReaper(filepath.Join(t.TempDir(), "nope"), 5*time.Minute)
	assert.Equal(t, ReapSummary{}, r.Reap())
}

func TestLockPIDExtraction(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	assert.Equal(t, 4242, lockPID(write("a", "pid=4242 host=x")))
	assert.Equal(t, 777, lockPID(write("b", "locked by 777 at boot")))
	assert.Equal(t, 0, lockPID(write("c", "no digits here")))
	assert.Equal(t, 0, lockPID(write("d", "single digit 7 only")))
}
