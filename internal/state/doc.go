// Package state implements the replicated document at the heart of
// the coordination plane: a set of named maps with per-field
// last-writer-wins merge semantics, observable change notifications,
// a compaction primitive that sheds deletion tombstones, and durable
// snapshot I/O.
//
// Values are JSON-shaped: records are map[string]any, scalars are
// stored under a reserved field so that every entry merges at field
// granularity. Concurrent writers converge because every field carries
// a version (wall-clock ms, per-document sequence, writer id) and the
// highest version wins everywhere.
package state

import (
	"encoding/json"
	"sync"
	"time"
)

// Names of the replicated maps.
const (
	Nodes          = "nodes"
	PendingInvites = "pendingInvites"
	AuthTickets    = "authTickets"
	Tasks          = "tasks"
	Messages       = "messages"
	Context        = "context"
	Pulse          = "pulse"
	Agents         = "agents"
	Coordination   = "coordination"
)

// MapNames lists every replicated map, for callers that subscribe to
// the whole document.
var MapNames = []string{
	Nodes, PendingInvites, AuthTickets, Tasks, Messages,
	Context, Pulse, Agents, Coordination,
}

// scalarField is the reserved field name under which non-record values
// are stored, so that scalar entries still merge per-field.
const scalarField = "@"

// Version orders concurrent writes: wall-clock milliseconds first,
// then a per-document sequence, then the writer id as a final
// tie-break. Strictly greater versions win on merge.
type Version struct {
	Ts  int64  `json:"ts"`
	Seq uint64 `json:"seq"`
	By  string `json:"by"`
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	if v.Ts != o.Ts {
		return v.Ts < o.Ts
	}
	if v.Seq != o.Seq {
		return v.Seq < o.Seq
	}
	return v.By < o.By
}

// field is a last-writer-wins register. A tombstoned field keeps its
// version so late writes from slow replicas cannot resurrect it.
type field struct {
	value any
	ver   Version
	tomb  bool
}

// entry is one key of a named map. A dropped entry is an entry-level
// tombstone; its fields are cleared but the drop version is kept.
type entry struct {
	fields  map[string]*field
	dropped bool
	dropVer Version
}

func (e *entry) live() bool {
	if e.dropped {
		return false
	}
	for _, f := range e.fields {
		if !f.tomb {
			return true
		}
	}
	return false
}

// Doc is the replicated document. All methods are safe for concurrent
// use. Mutations go through Transact; reads may use the convenience
// accessors directly.
type Doc struct {
	mu     sync.Mutex
	writer string
	seq    uint64
	maps   map[string]map[string]*entry

	observers map[string][]func()
	updateFns []func([]byte)

	nowFn func() time.Time
}

// New creates an empty document owned by the given writer id.
func New(writer string) *Doc {
	return &Doc{
		writer:    writer,
		maps:      make(map[string]map[string]*entry),
		observers: make(map[string][]func()),
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the clock used for version stamping. Tests only.
func (d *Doc) SetNowFunc(fn func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nowFn = fn
}

// Observe registers a change handler for a named map. The handler
// fires after any local or remote mutation touching that map, outside
// the document lock. Handlers must be cheap; the dispatcher only
// enqueues a reconcile from here.
func (d *Doc) Observe(mapName string, h func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[mapName] = append(d.observers[mapName], h)
}

// OnUpdate registers a handler receiving every locally-produced update
// in wire encoding, for outward replication.
func (d *Doc) OnUpdate(h func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateFns = append(d.updateFns, h)
}

// Txn is a write transaction. All mutations inside one Transact call
// are applied atomically with respect to other transactions and remote
// updates, and are emitted as a single update.
type Txn struct {
	doc     *Doc
	ops     []op
	touched map[string]bool
}

// Transact runs fn under the document lock. Observers and update
// handlers fire after the lock is released.
func (d *Doc) Transact(fn func(tx *Txn)) {
	d.mu.Lock()
	tx := &Txn{doc: d, touched: make(map[string]bool)}
	fn(tx)

	var payload []byte
	if len(tx.ops) > 0 {
		payload, _ = json.Marshal(update{Ops: tx.ops})
	}
	observers := d.collectObservers(tx.touched)
	updateFns := make([]func([]byte), len(d.updateFns))
	copy(updateFns, d.updateFns)
	d.mu.Unlock()

	for _, h := range observers {
		h()
	}
	if payload != nil {
		for _, h := range updateFns {
			h(payload)
		}
	}
}

// collectObservers returns the handlers for the touched maps. Caller
// must hold d.mu.
func (d *Doc) collectObservers(touched map[string]bool) []func() {
	var hs []func()
	for name := range touched {
		hs = append(hs, d.observers[name]...)
	}
	return hs
}

func (d *Doc) nextVersion() Version {
	d.seq++
	return Version{Ts: d.nowFn().UnixMilli(), Seq: d.seq, By: d.writer}
}

func (d *Doc) entry(mapName, key string, create bool) *entry {
	m := d.maps[mapName]
	if m == nil {
		if !create {
			return nil
		}
		m = make(map[string]*entry)
		d.maps[mapName] = m
	}
	e := m[key]
	if e == nil && create {
		e = &entry{fields: make(map[string]*field)}
		m[key] = e
	}
	return e
}

// Set replaces the record stored under key. Fields present in the old
// record but absent from the new one are tombstoned, so a whole-record
// replace behaves like the record was overwritten.
func (tx *Txn) Set(mapName, key string, record map[string]any) {
	d := tx.doc
	e := d.entry(mapName, key, true)
	ver := d.nextVersion()
	if e.dropped {
		e.dropped = false
	}
	seen := make(map[string]bool, len(record))
	for name, v := range record {
		nv := normalize(v)
		e.fields[name] = &field{value: nv, ver: ver}
		seen[name] = true
		tx.emit(mapName, key, name, nv, ver, false, false)
	}
	for name, f := range e.fields {
		if !seen[name] && !f.tomb {
			f.tomb = true
			f.value = nil
			f.ver = ver
			tx.emit(mapName, key, name, nil, ver, true, false)
		}
	}
	tx.touched[mapName] = true
}

// SetValue stores a scalar (or arbitrary JSON value) under key. Record
// values are routed to Set so they stay field-mergeable.
func (tx *Txn) SetValue(mapName, key string, value any) {
	if rec, ok := normalize(value).(map[string]any); ok {
		tx.Set(mapName, key, rec)
		return
	}
	d := tx.doc
	e := d.entry(mapName, key, true)
	ver := d.nextVersion()
	if e.dropped {
		e.dropped = false
	}
	nv := normalize(value)
	e.fields[scalarField] = &field{value: nv, ver: ver}
	tx.emit(mapName, key, scalarField, nv, ver, false, false)
	tx.touched[mapName] = true
}

// SetField mutates a single field of the record under key, leaving the
// rest untouched. This is the write shape heartbeats use: mutating
// pulse[node].lastSeen in place does not accumulate tombstones the way
// whole-record replacement does.
func (tx *Txn) SetField(mapName, key, name string, value any) {
	d := tx.doc
	e := d.entry(mapName, key, true)
	ver := d.nextVersion()
	if e.dropped {
		e.dropped = false
	}
	nv := normalize(value)
	e.fields[name] = &field{value: nv, ver: ver}
	tx.emit(mapName, key, name, nv, ver, false, false)
	tx.touched[mapName] = true
}

// Delete drops the entry under key, leaving an entry tombstone.
func (tx *Txn) Delete(mapName, key string) {
	d := tx.doc
	e := d.entry(mapName, key, false)
	if e == nil || e.dropped {
		return
	}
	ver := d.nextVersion()
	e.dropped = true
	e.dropVer = ver
	e.fields = make(map[string]*field)
	tx.emit(mapName, key, "", nil, ver, false, true)
	tx.touched[mapName] = true
}

// Get inside a transaction, for read-modify-write sequences.
func (tx *Txn) Get(mapName, key string) (map[string]any, bool) {
	return tx.doc.getLocked(mapName, key)
}

// GetValue inside a transaction.
func (tx *Txn) GetValue(mapName, key string) (any, bool) {
	return tx.doc.getValueLocked(mapName, key)
}

// Keys inside a transaction.
func (tx *Txn) Keys(mapName string) []string {
	return tx.doc.keysLocked(mapName)
}

// Len inside a transaction.
func (tx *Txn) Len(mapName string) int {
	return len(tx.doc.keysLocked(mapName))
}

func (tx *Txn) emit(mapName, key, fieldName string, value any, ver Version, tomb, drop bool) {
	raw, _ := json.Marshal(value)
	tx.ops = append(tx.ops, op{
		Map: mapName, Key: key, Field: fieldName,
		Value: raw, Ver: ver, Tomb: tomb, Drop: drop,
	})
}

// normalize converts a value to its canonical JSON-decoded shape, so
// reads after local writes see the same types as reads after
// replication (numbers as float64, structs as map[string]any).
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
