package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ansiblemesh/ansible/internal/fault"
	"github.com/ansiblemesh/ansible/internal/metrics"
	"github.com/ansiblemesh/ansible/internal/validate"
)

// MaxSnapshotBytes caps the compacted encoding persisted to disk.
// An oversized document fails the persist with the previous snapshot
// left intact.
const MaxSnapshotBytes = 50 << 20

// PersistSnapshot writes the compacted document encoding to path,
// zstd-compressed, via write-then-rename. The path must resolve inside
// stateDir after canonicalization.
func (d *Doc) PersistSnapshot(stateDir, path string) error {
	resolved, err := validate.SnapshotPath(stateDir, path)
	if err != nil {
		return err
	}

	data := d.Compact()
	if len(data) > MaxSnapshotBytes {
		return fault.Newf(fault.InvalidParams, "snapshot %d bytes exceeds %d byte cap", len(data), MaxSnapshotBytes)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("init zstd: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	tmp := resolved + ".tmp"
	if err := os.MkdirAll(filepath.Dir(resolved), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	metrics.SnapshotBytes.Set(float64(len(compressed)))
	return nil
}

// LoadSnapshot reads a previously persisted snapshot into the
// document. A missing file is not an error; the document simply starts
// empty.
func (d *Doc) LoadSnapshot(stateDir, path string) error {
	resolved, err := validate.SnapshotPath(stateDir, path)
	if err != nil {
		return err
	}
	compressed, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("init zstd: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	return d.ApplyUpdate(data)
}

// Persister debounces snapshot writes: a persist happens only after
// the document has been idle for the debounce interval following a
// change. Snapshot write failures are warnings; state stays in memory.
type Persister struct {
	doc      *Doc
	stateDir string
	path     string
	debounce time.Duration
	changes  chan struct{}
}

// NewPersister creates a Persister watching doc. Call Run to start it
// and Notify (or wire it to OnUpdate/Observe) on every change.
func NewPersister(doc *Doc, stateDir, path string, debounce time.Duration) *Persister {
	return &Persister{
		doc:      doc,
		stateDir: stateDir,
		path:     path,
		debounce: debounce,
		changes:  make(chan struct{}, 1),
	}
}

// Notify signals that the document changed. Never blocks.
func (p *Persister) Notify() {
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

// Run drives the debounce loop until ctx is cancelled, then performs a
// final flush.
func (p *Persister) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			p.Flush()
			return
		case <-p.changes:
			if timer == nil {
				timer = time.NewTimer(p.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			p.Flush()
		}
	}
}

// Flush persists immediately, logging failures as warnings.
func (p *Persister) Flush() {
	if err := p.doc.PersistSnapshot(p.stateDir, p.path); err != nil {
		slog.Warn("snapshot persist failed", "path", p.path, "error", err)
	}
}
