// Package watcher implements the debounced filesystem watcher of spec.md
// §4.8: fsnotify events, filtered to vault-tracked .md paths, coalesced per
// path, and handed to the Vault as FileEvents.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/inkwell-sync/vaultsync/internal/vault"
)

// Reconciler is the subset of *vault.Vault the watcher drives.
type Reconciler interface {
	ApplyFileEvent(ctx context.Context, ev vault.FileEvent) error
	ExpireRenameWindow()
}

// Watcher recursively watches a vault root and feeds debounced, filtered
// file events to a Reconciler.
type Watcher struct {
	root      string
	debounce  time.Duration
	reconcile Reconciler
	log       *logrus.Entry

	w *fsnotify.Watcher

	mu         sync.Mutex
	timers     map[string]*time.Timer
	selfHashes map[string]string // path -> hash we just wrote, to suppress our own events
}

// New creates a Watcher rooted at root. Call Run to start it.
func New(root string, debounce time.Duration, reconcile Reconciler, log *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Watcher{
		root:       filepath.Clean(root),
		debounce:   debounce,
		reconcile:  reconcile,
		log:        log.WithField("component", "watcher"),
		w:          fw,
		timers:     make(map[string]*time.Timer),
		selfHashes: make(map[string]string),
	}
	if err := w.addRecursive(w.root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return w.w.Add(path)
		}
		return nil
	})
}

// NoteSelfWrite records that the watcher's own reconciler just wrote hash to
// path, so the resulting fsnotify event is suppressed rather than treated as
// an external edit (spec.md §4.8 "ignores events that it generated itself").
func (w *Watcher) NoteSelfWrite(path string, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selfHashes[path] = hash
}

// Run processes fsnotify events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.w.Close()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			w.handleRawEvent(ctx, ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("fsnotify error")
		case <-ticker.C:
			w.reconcile.ExpireRenameWindow()
		}
	}
}

func (w *Watcher) relPath(absPath string) string {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return absPath
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) handleRawEvent(ctx context.Context, ev fsnotify.Event) {
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.WithError(err).WithField("path", ev.Name).Warn("failed to watch new directory")
			}
		}
		return
	}

	rel := w.relPath(ev.Name)
	if !vault.IsVaultPath(rel) {
		return
	}

	w.mu.Lock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.debouncedFire(ctx, rel, ev.Op)
	})
	w.mu.Unlock()
}

func (w *Watcher) debouncedFire(ctx context.Context, rel string, op fsnotify.Op) {
	w.mu.Lock()
	delete(w.timers, rel)
	w.mu.Unlock()

	kind := vault.EventModified
	switch {
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		kind = vault.EventDeleted
	case op&fsnotify.Create != 0:
		kind = vault.EventCreated
	}

	if kind != vault.EventDeleted {
		data, err := os.ReadFile(filepath.Join(w.root, filepath.FromSlash(rel)))
		if err != nil {
			// File vanished between the debounce firing and the read —
			// treat it as a delete instead of erroring.
			kind = vault.EventDeleted
		} else if w.isSelfGenerated(rel, data) {
			return
		}
	}

	if err := w.reconcile.ApplyFileEvent(ctx, vault.FileEvent{Kind: kind, Path: rel}); err != nil {
		w.log.WithError(err).WithField("path", rel).Warn("failed to apply file event")
	}
}

func (w *Watcher) isSelfGenerated(path string, data []byte) bool {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	expected, ok := w.selfHashes[path]
	if ok && expected == hash {
		delete(w.selfHashes, path)
		return true
	}
	return false
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}
