package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/fundchat/internal/fileutil"
)

// DebounceDelay is the default delay for batching file system events.
const DebounceDelay = 150 * time.Millisecond

// ChangeEvent reports that the backing files of a store changed.
type ChangeEvent struct {
	// Paths are the files that changed during the debounce window.
	Paths     []string
	Timestamp time.Time
}

// Watcher notifies about changes made to a store's files, typically by
// another fundchat process sharing the same data directory.
//
// Thread-safety: all public methods are safe for concurrent use.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	match    func(name string) bool
	onChange func(ChangeEvent)
	logger   *slog.Logger

	debounceMu    sync.Mutex
	debounceDelay time.Duration
	pending       map[string]struct{}
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once
}

// NewWatcher watches target. A directory target reports changes to the
// *.json documents inside it (FileStore). A file target reports changes to
// that file and its siblings sharing its name as prefix, which covers the
// SQLite -wal and -shm files.
func NewWatcher(target string, onChange func(ChangeEvent), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}

	dir := abs
	match := func(name string) bool {
		return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, fileutil.TempSuffix)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
		base := filepath.Base(abs)
		match = func(name string) bool {
			return strings.HasPrefix(name, base)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Watcher{
		watcher:       fw,
		dir:           dir,
		match:         match,
		onChange:      onChange,
		logger:        logger,
		debounceDelay: DebounceDelay,
		pending:       make(map[string]struct{}),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay changes the batching delay. Call it before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event loop.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.eventLoop()
}

// Close stops the watcher. No callback runs after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
			w.debounceTimer = nil
		}
		w.debounceMu.Unlock()
	})
	if w.started.Load() {
		<-w.stopped
	}
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
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
			w.logger.Warn("store watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.match(filepath.Base(event.Name)) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.logger.Debug("store file changed", "path", event.Name, "op", event.Op.String())

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	w.pending[event.Name] = struct{}{}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.firePending)
}

func (w *Watcher) firePending() {
	w.debounceMu.Lock()
	changes := w.pending
	w.pending = make(map[string]struct{})
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	if len(changes) == 0 {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	if w.onChange != nil {
		w.onChange(ChangeEvent{Paths: paths, Timestamp: time.Now()})
	}
}
