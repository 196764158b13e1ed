package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/halcyon-robotics/vigil/pkg/config"
)

// ProfileWatcher reloads a safety profile when its file changes and swaps
// it into a running session. A profile that fails validation is logged and
// skipped: the session keeps the last good profile, because a running
// robot with yesterday's limits beats one with no limits at all.
type ProfileWatcher struct {
	path     string
	session  *Session
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	// Debouncing: collapse a burst of writes into one reload.
	pendingMu sync.Mutex
	pending   bool

	// lastHash dedupes touch-without-change events. Only the watcher
	// goroutine reads or writes it after Start.
	lastHash string

	swaps atomic.Uint64
}

// WatcherOption configures a ProfileWatcher.
type WatcherOption func(*ProfileWatcher)

// WithDebounce sets how long the watcher waits for further writes before
// reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *ProfileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *ProfileWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewProfileWatcher builds a watcher for the profile file backing session.
func NewProfileWatcher(path string, session *Session, opts ...WatcherOption) (*ProfileWatcher, error) {
	if session == nil {
		return nil, errors.New("supervisor: profile watcher requires a session")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("supervisor: profile watcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("supervisor: profile watcher: %w", err)
	}

	w := &ProfileWatcher{
		path:     abs,
		session:  session,
		fsw:      fsw,
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	// The session was built from the file's current content; remember it
	// so the first event does not trigger a redundant swap.
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = contentHash(data)
	}
	return w, nil
}

// Start begins watching. The watch is held on the profile's directory:
// editors and config management replace files by rename, which silently
// drops a watch held on the file itself.
func (w *ProfileWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("supervisor: watch %s: %w", dir, err)
	}
	go w.run(ctx)

	w.logger.Info("profile watcher started",
		"path", w.path,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *ProfileWatcher) Stop() error {
	return w.fsw.Close()
}

// Swaps returns the number of successful hot swaps.
func (w *ProfileWatcher) Swaps() uint64 {
	return w.swaps.Load()
}

func (w *ProfileWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("profile watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *ProfileWatcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
}

func (w *ProfileWatcher) flush() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if pending {
		w.reload()
	}
}

func (w *ProfileWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("profile unreadable, keeping current profile",
			"path", w.path,
			"error", err)
		return
	}
	hash := contentHash(data)
	if hash == w.lastHash {
		return
	}

	profile, err := config.Parse(data)
	if err != nil {
		w.logger.Error("profile rejected, keeping current profile",
			"path", w.path,
			"error", err)
		return
	}
	mat, err := profile.Materialize()
	if err != nil {
		w.logger.Error("profile rejected, keeping current profile",
			"path", w.path,
			"error", err)
		return
	}
	if err := w.session.SwapProfile(mat); err != nil {
		w.logger.Error("profile swap failed",
			"path", w.path,
			"error", err)
		return
	}

	w.lastHash = hash
	w.swaps.Add(1)
	w.logger.Info("profile reloaded",
		"path", w.path,
		"profile", mat.Name)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
