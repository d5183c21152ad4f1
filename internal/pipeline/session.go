// Package pipeline ties change detection, dependency closure, building and
// artifact sync together for one workspace at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/logging"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

var log = logging.NewLogger("pipeline")

// ErrAborted is returned when a run is cancelled, typically because a newer
// change superseded it. It is not a failure.
var ErrAborted = errors.New("run aborted")

// ErrNotReady is recorded on a build request made before targets are ready.
var ErrNotReady = errors.New("build targets are not ready")

// State is the build-readiness of a session.
type State int

const (
	StateNotReady State = iota // no finalized target list
	StateBuilding              // computing targets
	StateReady                 // target list finalized, build allowed
)

// String returns the state name used in logs and tool output.
func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReadyHook is called once each time a session becomes ready, with the
// ordered build targets.
type ReadyHook func(root string, targets []dag.BuildTarget)

// Detection is the result of computing build targets.
type Detection struct {
	Files   []string                `json:"files"`
	Changed []changes.ChangedModule `json:"changed"`
	Targets []dag.BuildTarget       `json:"targets"`
	Cycles  []dag.CycleEdge         `json:"cycles,omitempty"`
}

// Session holds the cached discovery and build plan of one workspace root.
// Every computation starts by clearing the previous plan.
//
// Detections and runs on a session are serialized. A detection requested
// while another is in flight supersedes it: the older one returns ErrAborted
// without publishing its plan.
type Session struct {
	Root        string
	Layout      workspace.Layout
	BuildScript string

	// sem is the run lock; holding its single slot owns the session.
	sem chan struct{}

	mu       sync.Mutex
	gen      uint64 // bumped by every detection request and Reset
	state    State
	packages []workspace.Package
	plan     Detection
	hook     ReadyHook
}

// NewSession returns a session for root in the NotReady state.
func NewSession(root string, layout workspace.Layout, buildScript string) (*Session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if buildScript == "" {
		buildScript = dag.DefaultBuildScript
	}
	return &Session{
		Root:        abs,
		Layout:      layout,
		BuildScript: buildScript,
		sem:         make(chan struct{}, 1),
	}, nil
}

// State returns the current readiness state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetReadyHook replaces the ready hook and returns the previous one. A nil
// hook disables notification.
func (s *Session) SetReadyHook(h ReadyHook) ReadyHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.hook
	s.hook = h
	return prev
}

// Reset clears every cached result and returns the session to NotReady. A
// detection in flight is superseded.
func (s *Session) Reset() {
	s.invalidate()
}

// invalidate supersedes any detection in flight, clears the plan and
// returns the new generation.
func (s *Session) invalidate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.reset()
	return s.gen
}

// lock takes the run lock, giving up with ErrAborted when ctx ends first.
func (s *Session) lock(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrAborted
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAborted
	}
}

func (s *Session) unlock() {
	<-s.sem
}

func (s *Session) reset() {
	s.state = StateNotReady
	s.packages = nil
	s.plan = Detection{}
}

// Packages returns the packages found by the last discovery, discovering
// them if needed.
func (s *Session) Packages() []workspace.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packages == nil {
		s.packages = s.Layout.Discover(s.Root)
	}
	return slices.Clone(s.packages)
}

// Plan returns the finalized build plan. ok is false unless the session is
// ready.
func (s *Session) Plan() (Detection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return Detection{}, false
	}
	return s.plan, true
}

// Detect recomputes the build plan from src: discover packages, map changed
// files to packages, expand to dependents and sort. The session is NotReady
// from the moment Detect is called and becomes Ready only when this
// detection's plan is complete, at which point the ready hook fires.
//
// Detect waits for any run in flight on the session. It returns ErrAborted if
// ctx is cancelled first, if ctx is cancelled at a phase boundary, or if a
// newer detection or Reset supersedes it; the session is then left NotReady.
func (s *Session) Detect(ctx context.Context, src changes.Source) (Detection, error) {
	gen := s.invalidate()
	if err := s.lock(ctx); err != nil {
		return Detection{}, err
	}
	defer s.unlock()
	return s.detect(ctx, src, gen)
}

// detect runs one detection for generation gen. Callers hold the run lock.
func (s *Session) detect(ctx context.Context, src changes.Source, gen uint64) (Detection, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return Detection{}, ErrAborted
	}
	s.state = StateBuilding
	s.mu.Unlock()

	det, err := s.compute(ctx, src, gen)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		log.Debugf("detection in %s superseded", s.Root)
		return Detection{}, ErrAborted
	}
	if err != nil {
		s.reset()
		s.mu.Unlock()
		return Detection{}, err
	}
	s.plan = det
	s.state = StateReady
	hook := s.hook
	s.mu.Unlock()

	s.fireReady(hook, det.Targets)
	return det, nil
}

func (s *Session) compute(ctx context.Context, src changes.Source, gen uint64) (Detection, error) {
	packages := s.Layout.Discover(s.Root)
	s.mu.Lock()
	if s.gen == gen {
		s.packages = packages
	}
	s.mu.Unlock()

	files := src.ChangedFiles(ctx, s.Root)
	if ctx.Err() != nil {
		return Detection{}, ErrAborted
	}

	det := Detection{Files: files}
	if len(files) == 0 {
		log.Infof("no changed files in %s", s.Root)
		return det, nil
	}
	det.Changed = changes.MapChangesToModules(files, packages, s.Root)
	if len(det.Changed) == 0 {
		log.Infof("%d changed files, none inside a workspace package", len(files))
		return det, nil
	}

	graph := dag.FromPackages(packages, s.BuildScript)

	closure := dag.FindDependents(det.Changed, graph)
	det.Targets, det.Cycles = dag.TopologicalSort(closure, graph)
	if ctx.Err() != nil {
		return Detection{}, ErrAborted
	}
	log.Infof("%d changed packages, %d build targets", len(det.Changed), len(det.Targets))
	return det, nil
}

// fireReady runs the hook, recovering from a panic so that a faulty
// observer cannot break the pipeline.
func (s *Session) fireReady(hook ReadyHook, targets []dag.BuildTarget) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("ready hook panicked: %v", r)
		}
	}()
	hook(s.Root, slices.Clone(targets))
}
