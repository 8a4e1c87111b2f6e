package tuning

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the current tuning; readers never block writers.
type Store struct {
	cur atomic.Pointer[Tuning]
}

func NewStore(t Tuning) *Store {
	s := &Store{}
	s.Set(t)
	return s
}

func (s *Store) Get() Tuning { return *s.cur.Load() }

func (s *Store) Set(t Tuning) {
	s.cur.Store(&t)
}

// Watcher reloads a tuning file into a Store when it changes on disk. Rapid
// successive writes are coalesced; a file that fails to load or validate is
// logged and the previous tuning stays in effect.
type Watcher struct {
	path     string
	store    *Store
	log      *zap.Logger
	debounce time.Duration
	onReload func(Tuning)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnReload registers a callback invoked after every successful reload.
func OnReload(fn func(Tuning)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

func NewWatcher(path string, store *Store, log *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		log:      log,
		debounce: 300 * time.Millisecond,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	// editors replace files on save, so watch the directory
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

// Done is closed when the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending time.Time
	tick := time.NewTicker(max(w.debounce/3, time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("tuning watcher error", zap.Error(err))
		case now := <-tick.C:
			if pending.IsZero() || now.Sub(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	t, err := Load(w.path)
	if err != nil {
		w.log.Warn("tuning reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	old := w.store.Get().Digest()
	w.store.Set(t)
	w.log.Info("tuning reloaded",
		zap.String("path", w.path),
		zap.String("digest", t.Digest()),
		zap.String("previous", old),
	)
	if w.onReload != nil {
		w.onReload(t)
	}
}
