package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marinops/fleetcore/internal/logging"
)

// Store hands out immutable policy snapshots and hot-reloads the backing
// document when it changes on disk. Stages call Snapshot per event so a
// reload takes effect without restarts.
type Store struct {
	path   string
	logger logging.Logger

	mu      sync.RWMutex
	current *Policy

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewStore loads the document at path, falling back to Defaults when the
// path is empty.
func NewStore(path string, logger logging.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  logger,
		current: Defaults(),
		stopCh:  make(chan struct{}),
	}
	if path != "" {
		p, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		s.current = p
	}
	return s, nil
}

// NewStaticStore wraps a fixed policy; used by tests.
func NewStaticStore(p *Policy) *Store {
	return &Store{current: p, logger: logging.NewNop(), stopCh: make(chan struct{})}
}

// Snapshot returns the current policy. Callers must not mutate it.
func (s *Store) Snapshot() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch reloads the document on write events until ctx is done. Reload
// failures keep the previous snapshot; a broken half-written document
// never reaches the stages.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("watch policy file: %w", err)
	}
	s.logger.Info("Policy watcher started", "path", s.path)

	// Editors often emit bursts of writes; debounce before reloading.
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(250 * time.Millisecond)
			}

		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				s.logger.Error("Policy reload failed; keeping previous snapshot", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Policy watcher error", "error", err)

		case <-ctx.Done():
			s.logger.Info("Policy watcher stopping")
			return nil

		case <-s.stopCh:
			return nil
		}
	}
}

// Stop terminates a running Watch.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) reload() error {
	p, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	s.logger.Info("Policy reloaded", "schema_version", p.SchemaVersion)
	return nil
}
