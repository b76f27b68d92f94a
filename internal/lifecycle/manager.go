package lifecycle

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultSweepInterval = time.Hour

	// After an emergency eviction usage is brought down to this fraction of
	// the cap so the next upload does not immediately trigger another pass.
	evictionTargetRatio = 0.8
)

// Manager owns the upload tree on disk. The filesystem is the source of
// truth for what exists and how old it is; database rows referencing a
// removed file are pruned through the onRemove hook, best-effort.
type Manager struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	onRemove func(path string)
}

func NewManager(dir string, maxAge, interval time.Duration, onRemove func(path string)) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Manager{dir: dir, maxAge: maxAge, interval: interval, onRemove: onRemove}
}

// Start runs periodic sweeps until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(); err != nil {
				log.Printf("storage sweep error: %v", err)
			}
		}
	}
}

type storedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Sweep removes every file older than maxAge, along with derived
// artifacts sharing its name prefix. Individual failures are logged and
// skipped so one bad entry never blocks the rest; running it twice in a
// row is a no-op.
func (m *Manager) Sweep() error {
	files, err := m.listFiles()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-m.maxAge)
	removed := 0
	for _, f := range files {
		if f.modTime.After(cutoff) {
			continue
		}
		m.removeWithArtifacts(f.path)
		removed++
	}
	if removed > 0 {
		log.Printf("storage sweep removed %d expired file(s)", removed)
	}
	m.pruneEmptyDirs()
	return nil
}

// ReduceToCap frees space synchronously when usage exceeds cap, deleting
// oldest files first until usage is at or below 80% of cap. It returns
// the number of bytes freed.
func (m *Manager) ReduceToCap(cap int64) (int64, error) {
	if cap <= 0 {
		return 0, nil
	}
	files, err := m.listFiles()
	if err != nil {
		return 0, err
	}

	var usage int64
	for _, f := range files {
		usage += f.size
	}
	if usage <= cap {
		return 0, nil
	}

	target := int64(float64(cap) * evictionTargetRatio)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var freed int64
	for _, f := range files {
		if usage-freed <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			if !os.IsNotExist(err) {
				log.Printf("evict %s failed: %v", f.path, err)
				continue
			}
		}
		freed += f.size
		if m.onRemove != nil {
			m.onRemove(f.path)
		}
	}
	if freed > 0 {
		log.Printf("storage eviction freed %d bytes", freed)
	}
	m.pruneEmptyDirs()
	return freed, nil
}

// Usage reports the total size of all files under the managed tree.
func (m *Manager) Usage() (int64, error) {
	files, err := m.listFiles()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, nil
}

func (m *Manager) listFiles() ([]storedFile, error) {
	var files []storedFile
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			log.Printf("storage walk %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// the file may have been removed between listing and stat
			return nil
		}
		files = append(files, storedFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return files, nil
}

// removeWithArtifacts deletes path and any sibling whose name extends the
// original base name, e.g. "report.pdf" also takes "report.pdf.mp3" left
// behind by audio conversion.
func (m *Manager) removeWithArtifacts(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("remove %s failed: %v", path, err)
		return
	}
	if m.onRemove != nil {
		m.onRemove(path)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == base {
			continue
		}
		if !strings.HasPrefix(e.Name(), base+".") {
			continue
		}
		derived := filepath.Join(dir, e.Name())
		if err := os.Remove(derived); err != nil && !os.IsNotExist(err) {
			log.Printf("remove derived %s failed: %v", derived, err)
		}
	}
}

func (m *Manager) pruneEmptyDirs() {
	// deepest directories first so nested empties collapse in one pass
	var dirs []string
	_ = filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != m.dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		_ = os.Remove(d) // fails if non-empty, which is fine
	}
}
