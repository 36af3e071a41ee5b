package skills

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cortex/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher rebuilds the skill manifest when SKILL.md files change between
// episodes, so edits and promoted skill patches take effect without a restart.
type Watcher struct {
	mu           sync.Mutex
	watcher      *fsnotify.Watcher
	skillsRoot   string
	manifestPath string
	onRebuild    func([]ManifestEntry)
	debounceMap  map[string]time.Time
	debounceDur  time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	running      bool
	rebuilds     int
}

// NewWatcher creates a manifest watcher. onRebuild receives the fresh entries
// after every rebuild; nil is allowed.
func NewWatcher(skillsRoot, manifestPath string, onRebuild func([]ManifestEntry)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:      fsw,
		skillsRoot:   skillsRoot,
		manifestPath: manifestPath,
		onRebuild:    onRebuild,
		debounceMap:  make(map[string]time.Time),
		debounceDur:  500 * time.Millisecond,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start watches the skills root and every subdirectory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.skillsRoot, 0755); err != nil {
		logging.Get(logging.CategorySkills).Warn("watcher: failed to create skills root %s: %v", w.skillsRoot, err)
	}
	w.addRecursive(w.skillsRoot)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategorySkills).Error("watcher: close failed: %v", err)
	}
}

// Rebuilds reports how many manifest rebuilds the watcher has triggered.
func (w *Watcher) Rebuilds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rebuilds
}

func (w *Watcher) addRecursive(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			logging.Get(logging.CategorySkills).Warn("watcher: cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySkills).Error("watcher error: %v", err)
		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// A created directory may hold future SKILL.md files.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addRecursive(event.Name)
			return
		}
	}
	if !strings.EqualFold(filepath.Base(event.Name), "SKILL.md") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	settled := 0
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled++
		}
	}
	w.mu.Unlock()
	if settled == 0 {
		return
	}

	entries, err := BuildManifest(w.skillsRoot, w.manifestPath, DefaultConfidence)
	if err != nil {
		logging.Get(logging.CategorySkills).Error("watcher: manifest rebuild failed: %v", err)
		return
	}
	logging.Get(logging.CategorySkills).Info("watcher: manifest rebuilt, %d skills", len(entries))
	w.mu.Lock()
	w.rebuilds++
	callback := w.onRebuild
	w.mu.Unlock()
	if callback != nil {
		callback(entries)
	}
}
