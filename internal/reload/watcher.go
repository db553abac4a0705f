// Package reload detects changes to the configuration file and the files it
// references.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/smartmeter-bridge/internal/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher snapshots file metadata and reports what changed since.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher tracks configPath and the files referenced by cfg.
func NewWatcher(configPath string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(configPath, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the tracked set. Files that do not exist are skipped.
func (w *Watcher) Update(configPath string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := append([]string{configPath}, cfg.ReferencedFiles()...)
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		states[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check returns the tracked files that were modified or removed, sorted.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
