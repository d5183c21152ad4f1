package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/watch"
)

// ErrNoPackages is returned when a watch is started on a workspace without
// packages.
var ErrNoPackages = errors.New("no workspace packages to watch")

// WatchStatus is a snapshot of a watch loop.
type WatchStatus struct {
	Root    string     `json:"root"`
	Running bool       `json:"running"`
	Busy    bool       `json:"busy"`
	Runs    int        `json:"runs"`
	Aborted int        `json:"aborted"`
	Pending int        `json:"pending"`
	Dirs    []string   `json:"dirs"`
	Last    *RunResult `json:"last,omitempty"`
}

// WatchLoop rebuilds a workspace whenever its package sources change. Every
// event triggers a supervised run; a newer event aborts the run in flight.
// Each run sees every path changed since the last run that completed.
type WatchLoop struct {
	Session *Session
	Runner  *Runner
	// OnResult, if set, is called after every run that is not aborted.
	OnResult func(RunResult)

	watcher *watch.Watcher
	sup     Supervisor

	mu      sync.Mutex
	seq     uint64
	pending map[string]uint64 // path -> sequence of its latest event
	order   []string          // pending paths in first-seen order
	running bool
	runs    int
	aborted int
	last    *RunResult
}

// NewWatchLoop prepares a watch over the source directories of the
// session's packages.
func NewWatchLoop(s *Session, r *Runner, opts watch.Options) (*WatchLoop, error) {
	pkgs := s.Packages()
	if len(pkgs) == 0 {
		return nil, ErrNoPackages
	}
	dirs := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		dirs = append(dirs, p.SourcePath)
	}
	w, err := watch.New(s.Root, dirs, opts)
	if err != nil {
		return nil, err
	}
	return &WatchLoop{
		Session: s,
		Runner:  r,
		watcher: w,
		pending: make(map[string]uint64),
	}, nil
}

// Run watches until ctx is cancelled, then stops the watcher and waits for
// the run in flight to abort.
func (l *WatchLoop) Run(ctx context.Context) error {
	if err := l.watcher.Start(); err != nil {
		return err
	}
	l.setRunning(true)
	log.Infof("watching %d source directories in %s", len(l.watcher.Dirs), l.Session.Root)

	defer func() {
		l.sup.Stop()
		l.watcher.Stop()
		l.setRunning(false)
		log.Infof("stopped watching %s", l.Session.Root)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return nil
			}
			log.Debugf("%s %s", ev.Kind, ev.Path)
			l.note(ev.Path)
			l.sup.Trigger(ctx, l.runOnce)
		}
	}
}

// Status returns a snapshot of the loop.
func (l *WatchLoop) Status() WatchStatus {
	busy := l.sup.Busy()

	l.mu.Lock()
	defer l.mu.Unlock()
	st := WatchStatus{
		Root:    l.Session.Root,
		Running: l.running,
		Busy:    busy,
		Runs:    l.runs,
		Aborted: l.aborted,
		Pending: len(l.order),
		Dirs:    slices.Clone(l.watcher.Dirs),
	}
	if l.last != nil {
		last := *l.last
		st.Last = &last
	}
	return st
}

func (l *WatchLoop) runOnce(ctx context.Context) error {
	paths, upTo := l.snapshot()
	res, err := l.Runner.Run(ctx, l.Session, changes.StaticSource(paths), history.TriggerWatch)

	l.mu.Lock()
	if errors.Is(err, ErrAborted) {
		l.aborted++
		l.mu.Unlock()
		return err
	}
	l.runs++
	l.last = &res
	l.clearThrough(upTo)
	cb := l.OnResult
	l.mu.Unlock()

	if cb != nil {
		cb(res)
	}
	return err
}

func (l *WatchLoop) note(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	if _, ok := l.pending[path]; !ok {
		l.order = append(l.order, path)
	}
	l.pending[path] = l.seq
}

func (l *WatchLoop) snapshot() ([]string, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.order), l.seq
}

// clearThrough drops paths whose latest event is covered by a completed run.
// Callers hold l.mu.
func (l *WatchLoop) clearThrough(seq uint64) {
	kept := l.order[:0]
	for _, p := range l.order {
		if l.pending[p] <= seq {
			delete(l.pending, p)
			continue
		}
		kept = append(kept, p)
	}
	l.order = kept
}

func (l *WatchLoop) setRunning(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = v
}
