package tools

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/presence"
	"github.com/ansiblemesh/ansible/internal/state"
)

func newService(t *testing.T, self string) (*Service, *state.Doc) {
	t.Helper()
	doc := state.New(self)
	p := presence.New(doc, self, "test")
	return New(doc, self, p), doc
}

func TestStatusDowngradesStaleNodes(t *testing.T) {
	s, doc := newService(t, "bb1")
	now := time.Now()

	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Nodes, "bb1", map[string]any{"tier": "backbone"})
		tx.Set(state.Nodes, "e1", map[string]any{"tier": "edge"})
		tx.Set(state.Pulse, "bb1", map[string]any{
			"status": "online", "lastSeen": now.UnixMilli(),
		})
		tx.Set(state.Pulse, "e1", map[string]any{
			"status": "busy", "lastSeen": now.Add(-10 * time.Minute).UnixMilli(),
		})
	})

	res, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, "bb1", res.MyID)
	assert.Equal(t, int64(300), res.StaleAfterSeconds)

	byID := map[string]NodeStatus{}
	for _, n := range res.Nodes {
		byID[n.NodeID] = n
	}
	assert.Equal(t, "online", byID["bb1"].Status)
	assert.Equal(t, "offline", byID["e1"].Status, "stale pulse reports offline despite stored busy")
}

func TestStatusCountsUnreadAndPendingTasks(t *testing.T) {
	s, doc := newService(t, "bb1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, "m1", map[string]any{
			"from_agent": "e1", "content": "hi", "timestamp": int64(1),
		})
		tx.Set(state.Messages, "m2", map[string]any{
			"from_agent": "e1", "to_agents": []string{"other"}, "content": "x", "timestamp": int64(2),
		})
		tx.Set(state.Tasks, "t1", map[string]any{
			"title": "a", "status": "pending", "createdAt": int64(5),
		})
		tx.Set(state.Tasks, "t2", map[string]any{
			"title": "b", "status": "completed", "createdAt": int64(1),
		})
	})

	res, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnreadMessages, "messages addressed elsewhere are not unread-for-self")
	require.Len(t, res.PendingTasks, 1)
	assert.Equal(t, "t1", res.PendingTasks[0].TaskID)
}

func TestSendMessageValidation(t *testing.T) {
	s, doc := newService(t, "bb1")

	_, err := s.SendMessage(SendMessageParams{Content: "  "})
	assert.True(t, fault.Is(err, fault.InvalidParams))

	_, err = s.SendMessage(SendMessageParams{Content: strings.Repeat("x", 10001)})
	assert.True(t, fault.Is(err, fault.InvalidParams))

	msgID, err := s.SendMessage(SendMessageParams{Content: strings.Repeat("x", 10000), To: []string{"e1"}})
	require.NoError(t, err)
	rec, ok := doc.Get(state.Messages, msgID)
	require.True(t, ok)
	assert.Equal(t, []string{"e1"}, state.AsStringSlice(rec["to_agents"]))
	assert.True(t, state.Contains(rec["readBy_agents"], "bb1"), "sender reads its own message")
}

func TestReadMessagesDefaultsToUnread(t *testing.T) {
	s, doc := newService(t, "bb1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, "m-unread", map[string]any{
			"from_agent": "e1", "content": "new", "timestamp": int64(2),
		})
		tx.Set(state.Messages, "m-read", map[string]any{
			"from_agent": "e1", "content": "old", "timestamp": int64(1),
			"readBy_agents": []string{"bb1"},
		})
		tx.Set(state.Messages, "m-elsewhere", map[string]any{
			"from_agent": "e1", "to_agents": []string{"other"}, "content": "x", "timestamp": int64(3),
		})
	})

	msgs, err := s.ReadMessages(ReadMessagesParams{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-unread", msgs[0].ID)

	all, err := s.ReadMessages(ReadMessagesParams{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 2, "all view still excludes messages addressed elsewhere")
	assert.Equal(t, "m-unread", all[0].ID, "newest first")
}

func TestMarkReadDefaultsToAllUnread(t *testing.T) {
	s, doc := newService(t, "bb1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, "m1", map[string]any{"from_agent": "e1", "content": "a", "timestamp": int64(1)})
		tx.Set(state.Messages, "m2", map[string]any{"from_agent": "e1", "content": "b", "timestamp": int64(2)})
	})

	marked, err := s.MarkRead(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	marked, err = s.MarkRead(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestDeleteMessagesGuards(t *testing.T) {
	s, doc := newService(t, "bb1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, "m1", map[string]any{"from_agent": "e1", "content": "a", "timestamp": int64(1)})
	})

	_, err := s.DeleteMessages(DeleteMessagesParams{All: true, Confirm: DeleteConfirmation, Reason: "cleanup of stale test data"})
	assert.True(t, fault.Is(err, fault.NotAuthorized), "admin capability required")

	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Nodes, "bb1", map[string]any{"tier": "backbone", "capabilities": []string{"admin"}})
	})

	_, err = s.DeleteMessages(DeleteMessagesParams{All: true, Confirm: "yes", Reason: "cleanup of stale test data"})
	assert.True(t, fault.Is(err, fault.InvalidParams), "literal confirmation required")

	_, err = s.DeleteMessages(DeleteMessagesParams{All: true, Confirm: DeleteConfirmation, Reason: "too short"})
	assert.True(t, fault.Is(err, fault.InvalidParams), "reason must be substantive")

	_, err = s.DeleteMessages(DeleteMessagesParams{Confirm: DeleteConfirmation, Reason: "cleanup of stale test data"})
	assert.True(t, fault.Is(err, fault.InvalidParams), "a selector is required")

	matched, err := s.DeleteMessages(DeleteMessagesParams{All: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, matched)
	assert.True(t, doc.Has(state.Messages, "m1"), "dry run deletes nothing")

	matched, err = s.DeleteMessages(DeleteMessagesParams{All: true, Confirm: DeleteConfirmation, Reason: "cleanup of stale test data"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, matched)
	assert.False(t, doc.Has(state.Messages, "m1"))
}

func TestDelegateTaskResolvesBySkill(t *testing.T) {
	s, doc := newService(t, "bb1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Agents, "welder", map[string]any{"type": "internal", "gateway": "e1"})
		tx.Set(state.Agents, "painter", map[string]any{"type": "internal", "gateway": "e2"})
		tx.Set(state.Context, "welder", map[string]any{"skills": []string{"welding"}})
		tx.Set(state.Context, "painter", map[string]any{"skills": []string{"painting"}})
	})

	taskID, err := s.DelegateTask(DelegateTaskParams{
		Title: "weld the frame", Description: "join the rails", SkillRequired: "welding",
	})
	require.NoError(t, err)
	rec, _ := doc.Get(state.Tasks, taskID)
	assert.Equal(t, []string{"welder"}, state.AsStringSlice(rec["assignedTo_agents"]))
	assert.Equal(t, "pending", state.AsString(rec["status"]))

	// Explicit assignment wins over skill resolution.
	taskID, err = s.DelegateTask(DelegateTaskParams{
		Title: "weld again", Description: "x", SkillRequired: "welding", AssignedTo: []string{"painter"},
	})
	require.NoError(t, err)
	rec, _ = doc.Get(state.Tasks, taskID)
	assert.Equal(t, []string{"painter"}, state.AsStringSlice(rec["assignedTo_agents"]))
}

func TestDelegateTaskBoundaries(t *testing.T) {
	s, _ := newService(t, "bb1")

	_, err := s.DelegateTask(DelegateTaskParams{Title: strings.Repeat("t", 201)})
	assert.True(t, fault.Is(err, fault.InvalidParams))

	_, err = s.DelegateTask(DelegateTaskParams{Title: strings.Repeat("t", 200)})
	assert.NoError(t, err)

	_, err = s.DelegateTask(DelegateTaskParams{Title: "ok", Description: strings.Repeat("d", 5001)})
	assert.True(t, fault.Is(err, fault.InvalidParams))
}

func TestClaimTaskLifecycle(t *testing.T) {
	s, doc := newService(t, "e1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "task-abc-123", map[string]any{
			"title": "t", "status": "pending", "createdBy_agent": "bb1", "createdAt": int64(1),
		})
		tx.Set(state.Tasks, "task-abd-456", map[string]any{
			"title": "t2", "status": "pending", "createdBy_agent": "bb1", "createdAt": int64(2),
		})
	})

	_, err := s.ClaimTask("task-ab", "")
	assert.True(t, fault.Is(err, fault.Ambiguous))

	_, err = s.ClaimTask("task-zzz", "")
	assert.True(t, fault.Is(err, fault.NotFound))

	taskID, err := s.ClaimTask("task-abc", "")
	require.NoError(t, err)
	assert.Equal(t, "task-abc-123", taskID)
	rec, _ := doc.Get(state.Tasks, taskID)
	assert.Equal(t, "claimed", state.AsString(rec["status"]))
	assert.Equal(t, "e1", state.AsString(rec["claimedBy_agent"]))

	// A second claim of the same task is a lifecycle violation.
	_, err = s.ClaimTask("task-abc", "")
	assert.True(t, fault.Is(err, fault.InvalidState))
}

func TestUpdateAndCompleteRequireClaimer(t *testing.T) {
	s, doc := newService(t, "e1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "t1", map[string]any{
			"title": "fix it", "status": "claimed",
			"createdBy_agent": "bb1", "claimedBy_agent": "e2", "createdAt": int64(1),
		})
	})

	err := s.UpdateTask(UpdateTaskParams{TaskID: "t1", Status: "in_progress"})
	assert.True(t, fault.Is(err, fault.InvalidState), "only the claimer may update")

	err = s.CompleteTask(CompleteTaskParams{TaskID: "t1", Result: "done"})
	assert.True(t, fault.Is(err, fault.InvalidState), "only the claimer may complete")

	err = s.UpdateTask(UpdateTaskParams{TaskID: "t1", Status: "done"})
	assert.True(t, fault.Is(err, fault.InvalidParams), "status must be in_progress or failed")

	doc.Transact(func(tx *state.Txn) {
		tx.SetField(state.Tasks, "t1", "claimedBy_agent", "e1")
	})

	require.NoError(t, s.UpdateTask(UpdateTaskParams{TaskID: "t1", Status: "in_progress"}))
	require.NoError(t, s.CompleteTask(CompleteTaskParams{TaskID: "t1", Result: "all fixed"}))

	rec, _ := doc.Get(state.Tasks, "t1")
	assert.Equal(t, "completed", state.AsString(rec["status"]))
	assert.NotZero(t, state.AsInt64(rec["completedAt"]))

	// Completion always notifies the creator.
	found := false
	for _, msgID := range doc.Keys(state.Messages) {
		m, _ := doc.Get(state.Messages, msgID)
		if state.Contains(m["to_agents"], "bb1") && strings.Contains(state.AsString(m["content"]), "fix it") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHostedAgentCanUpdateAndCompleteItsClaim(t *testing.T) {
	s, doc := newService(t, "e1")
	doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Tasks, "t1", map[string]any{
			"title": "index docs", "status": "pending",
			"createdBy_agent": "bb1", "createdAt": int64(1),
		})
	})

	// A local agent hosted by this node claims under its own identity.
	_, err := s.ClaimTask("t1", "helper")
	require.NoError(t, err)
	rec, _ := doc.Get(state.Tasks, "t1")
	assert.Equal(t, "helper", state.AsString(rec["claimedBy_agent"]))
	assert.Equal(t, "e1", state.AsString(rec["claimedBy_node"]))

	// The node's own identity is not the claimer.
	err = s.UpdateTask(UpdateTaskParams{TaskID: "t1", Status: "in_progress"})
	assert.True(t, fault.Is(err, fault.InvalidState))

	require.NoError(t, s.UpdateTask(UpdateTaskParams{TaskID: "t1", Status: "in_progress", AgentID: "helper"}))
	require.NoError(t, s.CompleteTask(CompleteTaskParams{TaskID: "t1", AgentID: "helper", Result: "indexed"}))

	rec, _ = doc.Get(state.Tasks, "t1")
	assert.Equal(t, "completed", state.AsString(rec["status"]))
}

func TestSetCoordinationLastResortGuard(t *testing.T) {
	s, doc := newService(t, "bb1")

	require.NoError(t, s.SetCoordination(SetCoordinationParams{Coordinator: "bb1"}))

	err := s.SetCoordination(SetCoordinationParams{Coordinator: "e1"})
	assert.True(t, fault.Is(err, fault.InvalidState), "changing a set coordinator needs confirmLastResort")

	require.NoError(t, s.SetCoordination(SetCoordinationParams{Coordinator: "e1", ConfirmLastResort: true}))
	v, _ := doc.GetValue(state.Coordination, "coordinator")
	assert.Equal(t, "e1", state.AsString(v))

	// Re-asserting the same coordinator needs no confirmation.
	require.NoError(t, s.SetCoordination(SetCoordinationParams{Coordinator: "e1"}))
}

func TestSetRetentionBounds(t *testing.T) {
	s, doc := newService(t, "bb1")

	assert.Error(t, s.SetRetention(SetRetentionParams{ClosedTaskRetentionDays: 0, PruneEveryHours: 24}))
	assert.Error(t, s.SetRetention(SetRetentionParams{ClosedTaskRetentionDays: 91, PruneEveryHours: 24}))
	assert.Error(t, s.SetRetention(SetRetentionParams{ClosedTaskRetentionDays: 7, PruneEveryHours: 0}))
	assert.Error(t, s.SetRetention(SetRetentionParams{ClosedTaskRetentionDays: 7, PruneEveryHours: 169}))

	require.NoError(t, s.SetRetention(SetRetentionParams{ClosedTaskRetentionDays: 90, PruneEveryHours: 168}))
	v, _ := doc.GetValue(state.Coordination, "retentionClosedTaskSeconds")
	assert.Equal(t, int64(90*86400), state.AsInt64(v))
	// The cadence is shared in seconds, not hours.
	v, _ = doc.GetValue(state.Coordination, "retentionPruneEverySeconds")
	assert.Equal(t, int64(168*3600), state.AsInt64(v))

	c, err := s.GetCoordination()
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.RetentionDays)
	assert.Equal(t, int64(168), c.PruneEveryHours)
}

func TestCoordinationPreferenceUsesSharedKeyForm(t *testing.T) {
	s, doc := newService(t, "bb1")

	require.NoError(t, s.SetCoordinationPreference("bb2"))
	v, ok := doc.GetValue(state.Coordination, "pref:bb1")
	require.True(t, ok)
	assert.Equal(t, "bb2", state.AsString(v))

	c, err := s.GetCoordination()
	require.NoError(t, err)
	assert.Equal(t, "bb2", c.Preferences["bb1"])
}

func TestSetCoordinationSLASweepKnobs(t *testing.T) {
	s, doc := newService(t, "bb1")

	enabled := true
	recordOnly := true
	err := s.SetCoordination(SetCoordinationParams{
		Coordinator:      "bb1",
		SLASweepEverySec: 10,
	})
	assert.True(t, fault.Is(err, fault.InvalidParams), "sla cadence floor is 30s")

	require.NoError(t, s.SetCoordination(SetCoordinationParams{
		Coordinator:         "bb1",
		SLASweepEnabled:     &enabled,
		SLASweepEverySec:    120,
		SLASweepRecordOnly:  &recordOnly,
		SLASweepMaxMessages: 5,
		SLASweepFyiAgents:   []string{"ops"},
	}))

	v, _ := doc.GetValue(state.Coordination, "slaSweepEnabled")
	assert.Equal(t, true, v)
	v, _ = doc.GetValue(state.Coordination, "slaSweepEverySeconds")
	assert.Equal(t, int64(120), state.AsInt64(v))
	v, _ = doc.GetValue(state.Coordination, "slaSweepMaxMessagesPerSweep")
	assert.Equal(t, int64(5), state.AsInt64(v))

	c, err := s.GetCoordination()
	require.NoError(t, err)
	assert.True(t, c.SLASweepEnabled)
	assert.True(t, c.SLASweepRecordOnly)
	assert.Equal(t, []string{"ops"}, c.SLASweepFyiAgents)
}

func TestDelegationPolicyLifecycle(t *testing.T) {
	s, doc := newService(t, "bb1")

	err := s.SetDelegationPolicy(SetDelegationPolicyParams{PolicyMarkdown: "# Policy", Version: "1"})
	assert.True(t, fault.Is(err, fault.NotAuthorized), "coordinator-only")

	require.NoError(t, s.SetCoordination(SetCoordinationParams{Coordinator: "bb1"}))
	require.NoError(t, s.SetDelegationPolicy(SetDelegationPolicyParams{PolicyMarkdown: "# Policy", Version: "1"}))

	p, err := s.GetDelegationPolicy()
	require.NoError(t, err)
	assert.Equal(t, PolicyChecksum("# Policy"), p.Checksum)

	assert.Error(t, s.AckDelegationPolicy("2", ""), "version mismatch")
	assert.Error(t, s.AckDelegationPolicy("", "deadbeef"), "checksum mismatch")
	require.NoError(t, s.AckDelegationPolicy("1", p.Checksum))

	// The ack entry carries the acked version and checksum.
	ack, ok := doc.Get(state.Coordination, "delegationAck:bb1")
	require.True(t, ok)
	assert.Equal(t, "1", state.AsString(ack["version"]))
	assert.Equal(t, p.Checksum, state.AsString(ack["checksum"]))
	assert.NotZero(t, state.AsInt64(ack["at"]))

	p, err = s.GetDelegationPolicy()
	require.NoError(t, err)
	assert.Equal(t, "1", p.Acks["bb1"].Version)
	assert.NotZero(t, p.Acks["bb1"].At)

	// Publishing a new version clears every previous acknowledgement.
	require.NoError(t, s.SetDelegationPolicy(SetDelegationPolicyParams{PolicyMarkdown: "# Policy v2", Version: "2"}))
	p, err = s.GetDelegationPolicy()
	require.NoError(t, err)
	assert.Empty(t, p.Acks)
}

func TestRegisterAgentAndList(t *testing.T) {
	s, _ := newService(t, "bb1")

	assert.Error(t, s.RegisterAgent("bad agent", "", "internal", ""))
	require.NoError(t, s.RegisterAgent("helper", "Helper", "internal", ""))
	require.NoError(t, s.RegisterAgent("poller", "", "external", ""))

	agents, err := s.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "helper", agents[0].AgentID)
	assert.Equal(t, "bb1", agents[0].Gateway, "internal agents default to the local gateway")
	assert.Equal(t, "", agents[1].Gateway, "external agents have no gateway")
}
