package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qingminglong/frontend-develop-tools/internal/builder"
	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
)

// gatedSource blocks in ChangedFiles until released or cancelled.
type gatedSource struct {
	files   []string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSource(files ...string) *gatedSource {
	return &gatedSource{files: files, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSource) ChangedFiles(ctx context.Context, _ string) []string {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return g.files
	case <-ctx.Done():
		return nil
	}
}

// gatedBuilder holds every RunAll until released and tracks how many run at
// once.
type gatedBuilder struct {
	fakeBuilder
	entries atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedBuilder() *gatedBuilder {
	return &gatedBuilder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedBuilder) RunAll(ctx context.Context, targets []dag.BuildTarget) (builder.Report, error) {
	g.entries.Add(1)
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.once.Do(func() { close(g.entered) })

	select {
	case <-g.release:
	case <-ctx.Done():
		return builder.Report{}, ctx.Err()
	}
	return g.fakeBuilder.RunAll(ctx, targets)
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

type detectOutcome struct {
	det Detection
	err error
}

func TestSession_NewerDetectSupersedesOlder(t *testing.T) {
	_, s := twoPackageWorkspace(t)
	fired := make(chan []string, 4)
	s.SetReadyHook(func(_ string, targets []dag.BuildTarget) { fired <- targetNames(targets) })

	older := newGatedSource("packages/lib-a/src/index.ts")
	olderErr := make(chan error, 1)
	go func() {
		_, err := s.Detect(context.Background(), older)
		olderErr <- err
	}()
	recv(t, older.entered)
	assert.Equal(t, StateBuilding, s.State())

	newer := make(chan detectOutcome, 1)
	go func() {
		det, err := s.Detect(context.Background(), changes.StaticSource{"packages/app-b/src/index.ts"})
		newer <- detectOutcome{det, err}
	}()

	// The newer request invalidates the plan while the older one still runs.
	require.Eventually(t, func() bool { return s.State() == StateNotReady }, 2*time.Second, 5*time.Millisecond)
	_, ok := s.Plan()
	assert.False(t, ok)

	close(older.release)
	assert.ErrorIs(t, recv(t, olderErr), ErrAborted)

	got := recv(t, newer)
	require.NoError(t, got.err)
	assert.Equal(t, []string{"app-b"}, targetNames(got.det.Targets))

	plan, ok := s.Plan()
	require.True(t, ok)
	assert.Equal(t, []string{"app-b"}, targetNames(plan.Targets))
	assert.Equal(t, []string{"app-b"}, recv(t, fired))
	assert.Empty(t, fired, "superseded detection must not fire the ready hook")
}

func TestSession_ResetSupersedesDetect(t *testing.T) {
	_, s := twoPackageWorkspace(t)
	src := newGatedSource("packages/lib-a/src/index.ts")
	done := make(chan error, 1)
	go func() {
		_, err := s.Detect(context.Background(), src)
		done <- err
	}()
	recv(t, src.entered)

	s.Reset()
	close(src.release)

	assert.ErrorIs(t, recv(t, done), ErrAborted)
	assert.Equal(t, StateNotReady, s.State())
	_, ok := s.Plan()
	assert.False(t, ok)
}

func TestRunner_OverlappingRunsBuildOneAtATime(t *testing.T) {
	_, s := twoPackageWorkspace(t)
	gb := newGatedBuilder()
	r := &Runner{Builder: gb}

	first := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), s, changes.StaticSource{"packages/lib-a/src/index.ts"}, history.TriggerWatch)
		first <- err
	}()
	recv(t, gb.entered)

	second := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), s, changes.StaticSource{"packages/app-b/src/index.ts"}, history.TriggerManual)
		second <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), gb.entries.Load(), "second run must wait for the first")

	close(gb.release)
	require.NoError(t, recv(t, first))
	require.NoError(t, recv(t, second))

	assert.Equal(t, int32(1), gb.peak.Load())
	assert.Equal(t, [][]string{{"lib-a", "app-b"}, {"app-b"}}, gb.Calls())

	plan, ok := s.Plan()
	require.True(t, ok)
	assert.Equal(t, []string{"app-b"}, targetNames(plan.Targets))
}

func TestRunner_BuildReadyWaitsForRunInFlight(t *testing.T) {
	_, s := twoPackageWorkspace(t)
	gb := newGatedBuilder()
	r := &Runner{Builder: gb}

	running := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), s, changes.StaticSource{"packages/lib-a/src/index.ts"}, history.TriggerWatch)
		running <- err
	}()
	recv(t, gb.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := r.BuildReady(ctx, s, history.TriggerManual)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, history.StatusAborted, res.Status)

	queued := make(chan RunResult, 1)
	go func() {
		res, _ := r.BuildReady(context.Background(), s, history.TriggerManual)
		queued <- res
	}()

	close(gb.release)
	require.NoError(t, recv(t, running))
	res = recv(t, queued)
	assert.Equal(t, history.StatusSuccess, res.Status)
	assert.Equal(t, int32(1), gb.peak.Load())
	assert.Equal(t, int32(2), gb.entries.Load())
}
