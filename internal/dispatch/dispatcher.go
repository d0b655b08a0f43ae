package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ansiblemesh/ansible/internal/id"
	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/state"
)

// debounceInterval collapses bursts of observe/sync triggers into one
// reconcile.
const debounceInterval = 50 * time.Millisecond

// LocalAgentsFunc resolves the set of agents dispatched by this host.
type LocalAgentsFunc func() []string

// Dispatcher owns the reconcile loop. It is driven by state
// reconciliation, not by edge-triggered events: a trigger only
// schedules a reconcile, and the reconcile enumerates all pending work
// from the current state. That makes it backlog-safe and crash-safe.
type Dispatcher struct {
	doc         *state.Doc
	self        string
	runtime     Runtime
	localAgents LocalAgentsFunc

	triggers chan string

	mu          sync.Mutex
	retryTimers map[string]*time.Timer
	inflight    map[string]bool
	deadWarned  map[string]bool

	now func() time.Time
	rng *rand.Rand

	// debounce and retryDelay are overridable so tests can run tight
	// loops.
	debounce   time.Duration
	retryDelay func(attempts int) time.Duration
}

// New creates a dispatcher for the local node.
func New(doc *state.Doc, self string, runtime Runtime, localAgents LocalAgentsFunc) *Dispatcher {
	d := &Dispatcher{
		doc:         doc,
		self:        self,
		runtime:     runtime,
		localAgents: localAgents,
		triggers:    make(chan string, 1),
		retryTimers: make(map[string]*time.Timer),
		inflight:    make(map[string]bool),
		deadWarned:  make(map[string]bool),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		debounce:    debounceInterval,
	}
	d.retryDelay = func(attempts int) time.Duration {
		return RetryDelay(attempts, d.rng)
	}
	return d
}

// SetNowFunc overrides the clock. Tests only.
func (d *Dispatcher) SetNowFunc(fn func() time.Time) { d.now = fn }

// Request schedules a reconcile. All trigger sources collapse into a
// single pending reconcile; the call never blocks.
func (d *Dispatcher) Request(reason string) {
	select {
	case d.triggers <- reason:
	default:
	}
}

// Run wires the observe triggers and executes reconciles one at a time
// until ctx is cancelled. Retry timers are cancelled on shutdown;
// an in-flight dispatch runs to completion.
func (d *Dispatcher) Run(ctx context.Context) {
	d.doc.Observe(state.Messages, func() { d.Request("observe:messages") })
	d.doc.Observe(state.Tasks, func() { d.Request("observe:tasks") })
	d.Request("startup")

	for {
		select {
		case <-ctx.Done():
			d.cancelTimers()
			return
		case reason := <-d.triggers:
			// Debounce: let a burst of triggers land, then drain them.
			timer := time.NewTimer(d.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				d.cancelTimers()
				return
			case <-timer.C:
			}
			for {
				select {
				case <-d.triggers:
					continue
				default:
				}
				break
			}
			d.reconcile(ctx, reason)
		}
	}
}

// OnSync is the sync-boundary trigger; it must be idempotent because
// disconnect/reconnect cycles re-fire the same sync event.
func (d *Dispatcher) OnSync(ok bool, peer string) {
	if ok {
		d.Request("sync:" + peer)
	}
}

func (d *Dispatcher) cancelTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.retryTimers {
		t.Stop()
		delete(d.retryTimers, key)
	}
}

// reconcile enumerates all pending work for all locally-hosted agents
// and dispatches it in order. Only one reconcile executes at a time
// per host (the Run loop serializes them).
func (d *Dispatcher) reconcile(ctx context.Context, reason string) {
	metrics.ReconcilesTotal.Inc()
	slog.Debug("reconcile", "reason", reason)

	agents := d.localAgents()
	sort.Strings(agents)

	for _, target := range agents {
		for _, item := range d.pendingMessages(target) {
			d.dispatch(ctx, KindMessage, item, target)
		}
		for _, item := range d.pendingTasks(target) {
			d.dispatch(ctx, KindTask, item, target)
		}
	}
}

// workItem is one (item, target) dispatch candidate.
type workItem struct {
	id  string
	rec map[string]any
}

// pendingMessages enumerates undelivered messages for target, in
// ascending timestamp order with the id as tie-break.
func (d *Dispatcher) pendingMessages(target string) []workItem {
	var items []workItem
	for _, msgID := range d.doc.Keys(state.Messages) {
		rec, ok := d.doc.Get(state.Messages, msgID)
		if !ok {
			continue
		}
		from := state.AsString(rec["from_agent"])
		if from == "" {
			// Dead state: unroutable without a sender.
			continue
		}
		if from == target {
			continue
		}
		if to := state.AsStringSlice(rec["to_agents"]); len(to) > 0 && !containsStr(to, target) {
			continue
		}
		if d.skipDelivered(KindMessage, msgID, rec, target) {
			continue
		}
		items = append(items, workItem{id: msgID, rec: rec})
	}
	sort.Slice(items, func(i, j int) bool {
		ti := state.AsInt64(items[i].rec["timestamp"])
		tj := state.AsInt64(items[j].rec["timestamp"])
		if ti != tj {
			return ti < tj
		}
		return items[i].id < items[j].id
	})
	return items
}

// pendingTasks enumerates explicitly-assigned open tasks for target,
// in ascending createdAt order with the id as tie-break.
func (d *Dispatcher) pendingTasks(target string) []workItem {
	var items []workItem
	for _, taskID := range d.doc.Keys(state.Tasks) {
		rec, ok := d.doc.Get(state.Tasks, taskID)
		if !ok {
			continue
		}
		switch state.AsString(rec["status"]) {
		case "pending", "claimed", "in_progress":
		default:
			continue
		}
		assigned := state.AsStringSlice(rec["assignedTo_agents"])
		if single := state.AsString(rec["assignedTo_agent"]); single != "" {
			assigned = append(assigned, single)
		}
		if len(assigned) == 0 {
			// Only explicit assignments are dispatched.
			continue
		}
		if !containsStr(assigned, target) {
			continue
		}
		if state.AsString(rec["createdBy_agent"]) == target {
			continue
		}
		if claimer := state.AsString(rec["claimedBy_agent"]); claimer != "" && claimer != target {
			continue
		}
		if skill := state.AsString(rec["skillRequired"]); skill != "" && !d.hasSkill(target, skill) {
			continue
		}
		if d.skipDelivered(KindTask, taskID, rec, target) {
			continue
		}
		items = append(items, workItem{id: taskID, rec: rec})
	}
	sort.Slice(items, func(i, j int) bool {
		ti := state.AsInt64(items[i].rec["createdAt"])
		tj := state.AsInt64(items[j].rec["createdAt"])
		if ti != tj {
			return ti < tj
		}
		return items[i].id < items[j].id
	})
	return items
}

func (d *Dispatcher) hasSkill(target, skill string) bool {
	skills, _ := d.doc.GetField(state.Context, target, "skills")
	return state.Contains(skills, skill)
}

// skipDelivered applies the shared skip rules: already delivered
// (structured record, or the readBy back-compat signal for messages),
// attempts cap reached, or a retry timer already scheduled.
func (d *Dispatcher) skipDelivered(kind, itemID string, rec map[string]any, target string) bool {
	delivery := deliveryFor(rec, target)
	if state.AsString(delivery["state"]) == "delivered" {
		return true
	}
	if kind == KindMessage && state.Contains(rec["readBy_agents"], target) {
		return true
	}
	key := itemKey(kind, itemID, target)
	if attempts := state.AsInt64(delivery["attempts"]); attempts >= MaxAttempts {
		d.warnDeadLetter(key, attempts)
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimers[key] != nil {
		return true
	}
	return d.inflight[key]
}

func (d *Dispatcher) warnDeadLetter(key string, attempts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deadWarned[key] {
		return
	}
	d.deadWarned[key] = true
	slog.Warn("dead-lettered item skipped", "key", key, "attempts", attempts)
}

func itemKey(kind, itemID, target string) string {
	return kind + ":" + itemID + ":" + target
}

func containsStr(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// deliveryFor extracts the per-target delivery record from an item.
func deliveryFor(rec map[string]any, target string) map[string]any {
	return state.AsRecord(state.AsRecord(rec["delivery"])[target])
}

// dispatch delivers one item to one target: record the attempt, invoke
// the runtime, then record the outcome. The attempt is written before
// the runtime suspension and the result after it; no state mutation is
// held open across the delivery.
func (d *Dispatcher) dispatch(ctx context.Context, kind string, item workItem, target string) {
	key := itemKey(kind, item.id, target)
	d.mu.Lock()
	if d.inflight[key] {
		d.mu.Unlock()
		return
	}
	d.inflight[key] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()

	mapName := state.Messages
	if kind == KindTask {
		mapName = state.Tasks
	}

	attempts := state.AsInt64(deliveryFor(item.rec, target)["attempts"]) + 1
	d.writeDelivery(mapName, item.id, target, map[string]any{
		"state":    "attempted",
		"at":       d.now().UnixMilli(),
		"by":       d.self,
		"attempts": attempts,
	})
	metrics.DispatchAttemptsTotal.WithLabelValues(kind).Inc()

	err := d.deliver(ctx, kind, item, target)
	if err != nil {
		d.writeDelivery(mapName, item.id, target, map[string]any{
			"state":     "attempted",
			"at":        d.now().UnixMilli(),
			"by":        d.self,
			"attempts":  attempts,
			"lastError": err.Error(),
		})
		slog.Warn("dispatch failed", "key", key, "attempts", attempts, "error", err)
		if attempts < MaxAttempts {
			d.scheduleRetry(key, int(attempts))
		}
		return
	}

	d.writeDelivery(mapName, item.id, target, map[string]any{
		"state":    "delivered",
		"at":       d.now().UnixMilli(),
		"by":       d.self,
		"attempts": attempts,
	})
	if kind == KindMessage {
		d.markRead(item.id, target)
	}
	metrics.DispatchDeliveredTotal.WithLabelValues(kind).Inc()
}

// deliver formats the item, builds the runtime context and runs the
// agent turn. The reply (final deliver invocation with a non-empty
// payload) is written back as a new message addressed to the
// originator.
func (d *Dispatcher) deliver(ctx context.Context, kind string, item workItem, target string) error {
	originator := state.AsString(item.rec["from_agent"])
	body := state.AsString(item.rec["content"])
	ts := state.AsInt64(item.rec["timestamp"])
	if kind == KindTask {
		originator = state.AsString(item.rec["createdBy_agent"])
		body = state.AsString(item.rec["title"]) + "\n" + state.AsString(item.rec["description"])
		ts = state.AsInt64(item.rec["createdAt"])
	}

	env := Envelope{
		Surface:   Surface,
		Kind:      kind,
		ID:        item.id,
		From:      Surface + ":" + originator,
		To:        Surface + ":" + target,
		Timestamp: ts,
		Metadata:  state.AsRecord(item.rec["metadata"]),
	}
	env.Body = d.runtime.Format(Header{From: env.From, To: env.To, Timestamp: ts}, body)

	rc, err := d.runtime.BuildInboundContext(env)
	if err != nil {
		return err
	}
	sessionKey := SessionKey(target, kind, item.id)
	if err := d.runtime.RecordInboundSession(sessionKey, rc); err != nil {
		slog.Warn("record inbound session failed", "session", sessionKey, "error", err)
	}

	return d.runtime.DispatchReply(ctx, ReplyRequest{
		Context: rc,
		Deliver: func(p ReplyPayload) error {
			if !p.Final || p.Text == "" {
				return nil
			}
			d.emitReply(target, originator, p.Text)
			return nil
		},
	})
}

// emitReply writes the runtime's final payload back into the shared
// state as a new message; replication carries it to the originator.
func (d *Dispatcher) emitReply(from, to, text string) {
	now := d.now().UnixMilli()
	msgID := id.NewID()
	d.doc.Transact(func(tx *state.Txn) {
		tx.Set(state.Messages, msgID, map[string]any{
			"id":            msgID,
			"from_agent":    from,
			"from_node":     d.self,
			"to_agents":     []string{to},
			"content":       text,
			"timestamp":     now,
			"updatedAt":     now,
			"readBy_agents": []string{from},
		})
	})
}

// writeDelivery read-modify-writes the delivery map of an item. Safe
// under last-writer-wins because only the hosting node writes the
// (item, target) slot and its state machine is monotonic.
func (d *Dispatcher) writeDelivery(mapName, itemID, target string, delivery map[string]any) {
	d.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(mapName, itemID)
		if !ok {
			return
		}
		all := map[string]any{}
		for k, v := range state.AsRecord(rec["delivery"]) {
			all[k] = v
		}
		all[target] = delivery
		tx.SetField(mapName, itemID, "delivery", all)
		tx.SetField(mapName, itemID, "updatedAt", d.now().UnixMilli())
	})
}

// markRead unions target into readBy_agents, preserving the back-compat
// invariant alongside the structured delivery record.
func (d *Dispatcher) markRead(msgID, target string) {
	d.doc.Transact(func(tx *state.Txn) {
		rec, ok := tx.Get(state.Messages, msgID)
		if !ok {
			return
		}
		readBy := state.AsStringSlice(rec["readBy_agents"])
		if containsStr(readBy, target) {
			return
		}
		tx.SetField(state.Messages, msgID, "readBy_agents", append(readBy, target))
	})
}

// scheduleRetry arms a one-shot timer for the item key. Re-issuing a
// schedule while one exists is a no-op.
func (d *Dispatcher) scheduleRetry(key string, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retryTimers[key] != nil {
		return
	}
	delay := d.retryDelay(attempts)
	d.retryTimers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retryTimers, key)
		d.mu.Unlock()
		d.Request("retry:" + key)
	})
	metrics.DispatchRetriesScheduled.Inc()
	slog.Debug("retry scheduled", "key", key, "attempts", attempts, "delay", delay)
}
