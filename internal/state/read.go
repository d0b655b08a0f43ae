package state

import "sort"

// Get returns the record stored under key, or nil/false when the key
// is absent or tombstoned. Scalar entries are returned by GetValue.
func (d *Doc) Get(mapName, key string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked(mapName, key)
}

func (d *Doc) getLocked(mapName, key string) (map[string]any, bool) {
	e := d.entry(mapName, key, false)
	if e == nil || !e.live() {
		return nil, false
	}
	rec := make(map[string]any)
	for name, f := range e.fields {
		if f.tomb || name == scalarField {
			continue
		}
		rec[name] = f.value
	}
	if len(rec) == 0 {
		if f, ok := e.fields[scalarField]; ok && !f.tomb {
			return nil, false
		}
	}
	return rec, true
}

// GetValue returns whatever is stored under key: a record, or the
// scalar for scalar entries.
func (d *Doc) GetValue(mapName, key string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getValueLocked(mapName, key)
}

func (d *Doc) getValueLocked(mapName, key string) (any, bool) {
	e := d.entry(mapName, key, false)
	if e == nil || !e.live() {
		return nil, false
	}
	if f, ok := e.fields[scalarField]; ok && !f.tomb {
		return f.value, true
	}
	rec, ok := d.getLocked(mapName, key)
	if !ok {
		return nil, false
	}
	return rec, true
}

// GetField reads one field of a record, tolerating both the sub-map
// shape (field stored separately) and a plain record shape (field
// inside a scalar-stored map): earlier writers produced plain records.
func (d *Doc) GetField(mapName, key, name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(mapName, key, false)
	if e == nil || !e.live() {
		return nil, false
	}
	if f, ok := e.fields[name]; ok && !f.tomb {
		return f.value, true
	}
	if f, ok := e.fields[scalarField]; ok && !f.tomb {
		if rec, ok := f.value.(map[string]any); ok {
			v, ok := rec[name]
			return v, ok
		}
	}
	return nil, false
}

// Has reports whether the key is present and live.
func (d *Doc) Has(mapName, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(mapName, key, false)
	return e != nil && e.live()
}

// Keys returns the live keys of a named map, sorted for deterministic
// iteration.
func (d *Doc) Keys(mapName string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keysLocked(mapName)
}

func (d *Doc) keysLocked(mapName string) []string {
	m := d.maps[mapName]
	keys := make([]string, 0, len(m))
	for k, e := range m {
		if e.live() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys in a named map.
func (d *Doc) Len(mapName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keysLocked(mapName))
}

// Dump returns a deep snapshot of all live state, keyed by map then
// key. Used by the tool surface and by equivalence checks in tests.
func (d *Doc) Dump() map[string]map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]map[string]any)
	for mapName, m := range d.maps {
		for key, e := range m {
			if !e.live() {
				continue
			}
			v, _ := d.getValueLocked(mapName, key)
			if out[mapName] == nil {
				out[mapName] = make(map[string]any)
			}
			out[mapName][key] = v
		}
	}
	return out
}
