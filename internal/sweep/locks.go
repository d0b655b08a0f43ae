package sweep

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Lock reaper defaults.
const (
	DefaultLockInterval   = 60 * time.Second
	DefaultLockStaleAfter = 300 * time.Second

	// lockMaxDepth bounds the walk under the session directory:
	// agents/<agentId>/sessions/<file>.jsonl.lock.
	lockMaxDepth = 4

	lockSuffix = ".jsonl.lock"
)

var (
	pidPattern = regexp.MustCompile(`pid=(\d+)`)
	intPattern = regexp.MustCompile(`\b\d{2,}\b`)
)

// ReapSummary is the per-run structured result.
type ReapSummary struct {
	Found   int `json:"found"`
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
	Errors  int `json:"errors"`
}

// LockReaper removes stale host-runtime session locks. It runs on
// every host; staleness is judged by file age only, because the owning
// PID is usually the long-running host process itself and PID-liveness
// would keep abandoned locks forever.
type LockReaper struct {
	sessionDir string
	staleAfter time.Duration
	now        func() time.Time
}

func NewLockReaper(sessionDir string, staleAfter time.Duration) *LockReaper {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &LockReaper{sessionDir: sessionDir, staleAfter: staleAfter, now: time.Now}
}

// SetNowFunc overrides the clock. Tests only.
func (l *LockReaper) SetNowFunc(fn func() time.Time) { l.now = fn }

// Run reaps on a fixed cadence until ctx is cancelled.
func (l *LockReaper) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultLockInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Reap()
		}
	}
}

// Reap walks the session directory once and removes locks older than
// staleAfter.
func (l *LockReaper) Reap() ReapSummary {
	var sum ReapSummary
	root := l.sessionDir
	if root == "" {
		return sum
	}

	cutoff := l.now().Add(-l.staleAfter)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				// Session dir not created yet; nothing to reap.
				return nil
			}
			sum.Errors++
			slog.Warn("lock reaper: walk error", "path", path, "error", err)
			return nil
		}
		depth := pathDepth(root, path)
		if d.IsDir() {
			if depth >= lockMaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), lockSuffix) {
			return nil
		}
		sum.Found++

		info, err := d.Info()
		if err != nil {
			sum.Errors++
			slog.Warn("lock reaper: stat failed", "path", path, "error", err)
			return nil
		}
		pid := lockPID(path)
		if info.ModTime().After(cutoff) {
			sum.Kept++
			slog.Debug("lock still fresh", "path", path, "pid", pid, "age", l.now().Sub(info.ModTime()))
			return nil
		}

		if err := os.Remove(path); err != nil {
			sum.Errors++
			slog.Warn("lock reaper: remove failed", "path", path, "error", err)
			return nil
		}
		sum.Removed++
		slog.Warn("removed stale session lock", "path", path, "pid", pid, "age", l.now().Sub(info.ModTime()))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		sum.Errors++
		slog.Warn("lock reaper: walk failed", "dir", root, "error", err)
	}

	if sum.Removed > 0 || sum.Errors > 0 {
		slog.Warn("lock sweep", "found", sum.Found, "removed", sum.Removed, "kept", sum.Kept, "errors", sum.Errors)
	} else {
		slog.Debug("lock sweep", "found", sum.Found, "kept", sum.Kept)
	}
	return sum
}

// lockPID best-effort extracts the owning PID from a lock file: the
// pid=<digits> form wins, else the first integer of two or more digits.
// Returns 0 when no PID is recognizable.
func lockPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	if m := pidPattern.FindSubmatch(data); m != nil {
		pid, _ := strconv.Atoi(string(m[1]))
		return pid
	}
	if m := intPattern.Find(data); m != nil {
		pid, _ := strconv.Atoi(string(m))
		return pid
	}
	return 0
}

func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}
