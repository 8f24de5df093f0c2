package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds a hot-reloadable Config snapshot. Readers call Get(); the
// watcher goroutine swaps in a freshly validated Config on file change, so
// an in-flight request always sees a complete, internally consistent
// snapshot rather than a config struct being mutated mid-read.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	onReload func(*Config, error)
}

// NewStore loads path once and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// OnReload registers a callback invoked after each reload attempt (nil err
// on success, with the new config; non-nil err when the new file failed
// validation, in which case the previous snapshot is kept in place).
func (s *Store) OnReload(fn func(*Config, error)) {
	s.onReload = fn
}

// Watch starts an fsnotify watcher on the store's backing file and reloads
// the snapshot on write/create events. It returns a stop function; callers
// should run this in a supervised goroutine and call stop during shutdown.
// cmd/nexus does not call Watch.
func (s *Store) Watch() (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Editors often replace the file (write+rename); both surface
				// as Write or Create depending on the editor, so reload on either.
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return watcher.Close()
	}, nil
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		if s.onReload != nil {
			s.onReload(nil, err)
		}
		return
	}
	s.current.Store(cfg)
	if s.onReload != nil {
		s.onReload(cfg, nil)
	}
}
