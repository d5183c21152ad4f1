package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/pipeline"
)

var log = logging.NewLogger("server")

// ErrNotWatching is returned when stopping a watch that is not running.
var ErrNotWatching = errors.New("workspace is not being watched")

// ErrAlreadyWatching is returned when starting a second watch on a root.
var ErrAlreadyWatching = errors.New("workspace is already being watched")

type watchHandle struct {
	loop   *pipeline.WatchLoop
	cancel context.CancelFunc
	done   chan error
}

// Manager owns the per-workspace sessions and watch loops of a server.
// Sessions are kept in a bounded LRU keyed by absolute root; a watched
// root always resolves to its watch loop's session.
type Manager struct {
	Env         *pipeline.Env
	DefaultRoot string

	sessions *lru.Cache[string, *pipeline.Session]

	mu      sync.Mutex
	watches map[string]*watchHandle
}

// NewManager creates a manager with room for cacheSize sessions.
func NewManager(env *pipeline.Env, defaultRoot string, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.New[string, *pipeline.Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	if defaultRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			defaultRoot = wd
		}
	}
	return &Manager{
		Env:         env,
		DefaultRoot: defaultRoot,
		sessions:    cache,
		watches:     make(map[string]*watchHandle),
	}, nil
}

// Resolve turns a user-supplied root into an absolute path, falling back to
// the default root.
func (m *Manager) Resolve(root string) (string, error) {
	if root == "" {
		root = m.DefaultRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return abs, nil
}

// Session returns the session for root, creating it on first use.
func (m *Manager) Session(root string) (*pipeline.Session, error) {
	abs, err := m.Resolve(root)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.watches[abs]; ok {
		return h.loop.Session, nil
	}
	if s, ok := m.sessions.Get(abs); ok {
		return s, nil
	}
	s, err := m.Env.NewSession(abs)
	if err != nil {
		return nil, err
	}
	s.SetReadyHook(func(root string, targets []dag.BuildTarget) {
		log.WithField("root", root).Infof("build targets ready: %d", len(targets))
	})
	m.sessions.Add(abs, s)
	return s, nil
}

// StartWatch starts a background watch loop on root.
func (m *Manager) StartWatch(root string) (pipeline.WatchStatus, error) {
	s, err := m.Session(root)
	if err != nil {
		return pipeline.WatchStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[s.Root]; ok {
		return pipeline.WatchStatus{}, fmt.Errorf("%w: %s", ErrAlreadyWatching, s.Root)
	}

	loop, err := pipeline.NewWatchLoop(s, m.Env.Runner, m.Env.WatchOptions())
	if err != nil {
		return pipeline.WatchStatus{}, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &watchHandle{loop: loop, cancel: cancel, done: make(chan error, 1)}
	m.watches[s.Root] = h

	go func() {
		err := loop.Run(ctx)
		if err != nil {
			log.WithError(err).Warnf("watch on %s ended", s.Root)
		}
		h.done <- err
		m.mu.Lock()
		if m.watches[s.Root] == h {
			delete(m.watches, s.Root)
		}
		m.mu.Unlock()
	}()
	return loop.Status(), nil
}

// StopWatch stops the watch on root and waits for it to shut down.
func (m *Manager) StopWatch(root string) (pipeline.WatchStatus, error) {
	abs, err := m.Resolve(root)
	if err != nil {
		return pipeline.WatchStatus{}, err
	}

	m.mu.Lock()
	h, ok := m.watches[abs]
	if ok {
		delete(m.watches, abs)
	}
	m.mu.Unlock()
	if !ok {
		return pipeline.WatchStatus{}, fmt.Errorf("%w: %s", ErrNotWatching, abs)
	}

	h.cancel()
	<-h.done
	return h.loop.Status(), nil
}

// WatchStatus returns the status of the watch on root, or of every watch
// when root is empty.
func (m *Manager) WatchStatus(root string) ([]pipeline.WatchStatus, error) {
	m.mu.Lock()
	handles := make(map[string]*watchHandle, len(m.watches))
	for k, v := range m.watches {
		handles[k] = v
	}
	m.mu.Unlock()

	if root != "" {
		abs, err := m.Resolve(root)
		if err != nil {
			return nil, err
		}
		h, ok := handles[abs]
		if !ok {
			return nil, nil
		}
		return []pipeline.WatchStatus{h.loop.Status()}, nil
	}

	roots := make([]string, 0, len(handles))
	for k := range handles {
		roots = append(roots, k)
	}
	sort.Strings(roots)
	out := make([]pipeline.WatchStatus, 0, len(roots))
	for _, r := range roots {
		out = append(out, handles[r].loop.Status())
	}
	return out, nil
}

// Close stops every watch.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*watchHandle, 0, len(m.watches))
	for _, h := range m.watches {
		handles = append(handles, h)
	}
	m.watches = make(map[string]*watchHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}
