// Package watcher reacts to inbox changes on a real filesystem. It
// backs the watch daemon only; queue subscriptions stay timer-driven so
// delivery never depends on inotify being available.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"postbox/internal/logging"
	"postbox/internal/workspace"
)

// DefaultDebounce is used when the caller passes a non-positive window.
const DefaultDebounce = 500 * time.Millisecond

// Watcher coalesces bursts of inbox events into single callback firings.
// A publisher dropping twenty documents triggers one settle, not twenty.
type Watcher struct {
	ws       *workspace.Manager
	logger   *logging.Logger
	debounce time.Duration
	onSettle func()
	onFile   func(fsnotify.Event)

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a Watcher that calls onSettle once events stop arriving
// for a debounce window.
func New(ws *workspace.Manager, logger *logging.Logger, debounce time.Duration, onSettle func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		ws:       ws,
		logger:   logger,
		debounce: debounce,
		onSettle: onSettle,
	}
}

// OnFileEvent registers a per-event callback invoked for every file
// event before debouncing. Must be called before Start.
func (w *Watcher) OnFileEvent(fn func(fsnotify.Event)) {
	w.onFile = fn
}

// Start begins watching the inbox tree plus any extra directories. New
// team or subteam directories created while running are added to the
// watch set as they appear.
func (w *Watcher) Start(extraDirs ...string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})

	dirs := []string{w.ws.Path(workspace.DirInbox)}
	inboxes, err := w.ws.InboxDirs()
	if err != nil {
		fsw.Close()
		return fmt.Errorf("enumerate inboxes: %w", err)
	}
	dirs = append(dirs, inboxes...)
	dirs = append(dirs, extraDirs...)

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.logger.Infof("watching dirs=%d debounce=%s", len(dirs), w.debounce)

	go w.loop()
	return nil
}

// Close stops the event loop and cancels any pending settle.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("watch error=%v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warnf("watch_add dir=%s error=%v", event.Name, err)
			} else {
				w.logger.Debugf("watch_add dir=%s", event.Name)
			}
			return
		}
	}

	w.logger.Debugf("file_event op=%s file=%s", event.Op, event.Name)
	if w.onFile != nil {
		w.onFile(event)
	}
	w.reschedule()
}

// reschedule restarts the debounce timer; the callback fires only after
// a full quiet window.
func (w *Watcher) reschedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onSettle)
}
