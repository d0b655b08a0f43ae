package state

import (
	"encoding/json"
	"fmt"
)

// op is one field-level mutation on the wire. Drop ops tombstone a
// whole entry; Tomb ops tombstone a single field.
type op struct {
	Map   string          `json:"m"`
	Key   string          `json:"k"`
	Field string          `json:"f,omitempty"`
	Value json.RawMessage `json:"v,omitempty"`
	Ver   Version         `json:"ver"`
	Tomb  bool            `json:"t,omitempty"`
	Drop  bool            `json:"d,omitempty"`
}

// update is the wire envelope for a batch of ops.
type update struct {
	Ops []op `json:"ops"`
}

// ApplyUpdate merges a remotely-produced update into the document.
// Merge is last-writer-wins per field: an op is applied only when its
// version is strictly newer than what the document already holds. A
// corrupt payload is rejected without applying any op.
func (d *Doc) ApplyUpdate(data []byte) error {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	for i, o := range u.Ops {
		if o.Map == "" || o.Key == "" {
			return fmt.Errorf("decode update: op %d missing map or key", i)
		}
		if !o.Drop && o.Field == "" {
			return fmt.Errorf("decode update: op %d missing field", i)
		}
	}

	d.mu.Lock()
	touched := make(map[string]bool)
	for _, o := range u.Ops {
		if d.applyOp(o) {
			touched[o.Map] = true
		}
		// Track remote sequence highs so local writes after a merge
		// never stamp versions behind what was just applied.
		if o.Ver.Seq > d.seq {
			d.seq = o.Ver.Seq
		}
	}
	observers := d.collectObservers(touched)
	d.mu.Unlock()

	for _, h := range observers {
		h()
	}
	return nil
}

// applyOp merges one op. Returns true when document state changed.
// Caller must hold d.mu.
func (d *Doc) applyOp(o op) bool {
	e := d.entry(o.Map, o.Key, true)

	if o.Drop {
		if e.dropped && !e.dropVer.Less(o.Ver) {
			return false
		}
		// The drop wins over any field written before it.
		newer := false
		for _, f := range e.fields {
			if o.Ver.Less(f.ver) {
				newer = true
				break
			}
		}
		if newer {
			return false
		}
		e.dropped = true
		e.dropVer = o.Ver
		e.fields = make(map[string]*field)
		return true
	}

	// A field write loses against a later entry drop.
	if e.dropped && o.Ver.Less(e.dropVer) {
		return false
	}

	var v any
	if len(o.Value) > 0 {
		if err := json.Unmarshal(o.Value, &v); err != nil {
			v = nil
		}
	}

	existing := e.fields[o.Field]
	if existing != nil && !existing.ver.Less(o.Ver) {
		return false
	}
	if e.dropped {
		e.dropped = false
	}
	e.fields[o.Field] = &field{value: v, ver: o.Ver, tomb: o.Tomb}
	return true
}

// EncodeState encodes the full document, tombstones included, as one
// update. Applying it to an empty document reproduces this one.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeLocked(true)
}

// Compact re-encodes only live state, shedding deletion tombstones.
// The result is what snapshots persist: applying it to an empty
// document yields an equivalent live view.
func (d *Doc) Compact() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeLocked(false)
}

func (d *Doc) encodeLocked(withTombstones bool) []byte {
	var u update
	for mapName, m := range d.maps {
		for key, e := range m {
			if e.dropped {
				if withTombstones {
					u.Ops = append(u.Ops, op{Map: mapName, Key: key, Ver: e.dropVer, Drop: true})
				}
				continue
			}
			for name, f := range e.fields {
				if f.tomb && !withTombstones {
					continue
				}
				raw, _ := json.Marshal(f.value)
				u.Ops = append(u.Ops, op{
					Map: mapName, Key: key, Field: name,
					Value: raw, Ver: f.ver, Tomb: f.tomb,
				})
			}
		}
	}
	data, _ := json.Marshal(u)
	return data
}
