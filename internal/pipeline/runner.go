package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qingminglong/frontend-develop-tools/internal/builder"
	"github.com/qingminglong/frontend-develop-tools/internal/changes"
	"github.com/qingminglong/frontend-develop-tools/internal/dag"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/linker"
	"github.com/qingminglong/frontend-develop-tools/internal/telemetry"
)

// Builder builds targets in order.
type Builder interface {
	RunAll(ctx context.Context, targets []dag.BuildTarget) (builder.Report, error)
}

// Syncer copies built packages into consumers.
type Syncer interface {
	Sync(ctx context.Context, built []dag.BuildTarget) (linker.Report, error)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, run history.Run) (string, error)
}

// Runner executes the pipeline phases for a session. Syncers, History and
// Telemetry are optional.
type Runner struct {
	Builder Builder
	// Syncers returns the syncer for a workspace root.
	Syncers   func(root string) (Syncer, error)
	History   Recorder
	Telemetry *telemetry.Emitter
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID     string                  `json:"runId"`
	Root      string                  `json:"root"`
	Trigger   history.Trigger         `json:"trigger"`
	Status    history.Status          `json:"status"`
	Changed   []changes.ChangedModule `json:"changed,omitempty"`
	Targets   []dag.BuildTarget       `json:"targets,omitempty"`
	Cycles    []dag.CycleEdge         `json:"cycles,omitempty"`
	Build     builder.Report          `json:"build"`
	Sync      linker.Report           `json:"sync"`
	StartedAt time.Time               `json:"startedAt"`
	Duration  time.Duration           `json:"duration"`
	Error     string                  `json:"error,omitempty"`
}

// Success reports whether the run finished without a failed build or
// artifact copy. Empty runs succeed.
func (r RunResult) Success() bool {
	return r.Status == history.StatusSuccess || r.Status == history.StatusEmpty
}

// Run detects changes from src, then builds and syncs the resulting targets.
// It holds the session's run lock throughout, so runs on one session never
// overlap. Cancellation is checked between phases; a cancelled or superseded
// run returns ErrAborted along with the partial result.
func (r *Runner) Run(ctx context.Context, s *Session, src changes.Source, trigger history.Trigger) (RunResult, error) {
	res := r.begin(s, trigger)

	gen := s.invalidate()
	if err := s.lock(ctx); err != nil {
		return r.finish(ctx, res, err)
	}
	defer s.unlock()

	det, err := s.detect(ctx, src, gen)
	if err != nil {
		return r.finish(ctx, res, err)
	}
	res.Changed, res.Targets, res.Cycles = det.Changed, det.Targets, det.Cycles
	r.emit(res, telemetry.KindTargetsReady, "", map[string]any{
		"changed": len(det.Changed),
		"targets": len(det.Targets),
		"cycles":  len(det.Cycles),
	})

	if len(det.Targets) == 0 {
		res.Status = history.StatusEmpty
		return r.finish(ctx, res, nil)
	}
	return r.buildAndSync(ctx, res, det.Targets)
}

// BuildReady builds the targets of a ready session once any run in flight
// has finished. If the session is not ready at that point it does nothing and
// reports StatusSkipped.
func (r *Runner) BuildReady(ctx context.Context, s *Session, trigger history.Trigger) (RunResult, error) {
	if err := s.lock(ctx); err != nil {
		return RunResult{Root: s.Root, Trigger: trigger, Status: history.StatusAborted}, err
	}
	defer s.unlock()

	plan, ready := s.Plan()
	if !ready {
		log.Infof("build requested for %s but targets are not ready (%s), skipping", s.Root, s.State())
		return RunResult{Root: s.Root, Trigger: trigger, Status: history.StatusSkipped, Error: ErrNotReady.Error()}, nil
	}

	res := r.begin(s, trigger)
	res.Changed, res.Targets, res.Cycles = plan.Changed, plan.Targets, plan.Cycles
	if len(plan.Targets) == 0 {
		res.Status = history.StatusEmpty
		return r.finish(ctx, res, nil)
	}
	return r.buildAndSync(ctx, res, plan.Targets)
}

func (r *Runner) begin(s *Session, trigger history.Trigger) RunResult {
	res := RunResult{
		RunID:     history.NewRunID(),
		Root:      s.Root,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	r.emit(res, telemetry.KindRunStart, "", map[string]any{"trigger": string(trigger)})
	return res
}

func (r *Runner) buildAndSync(ctx context.Context, res RunResult, targets []dag.BuildTarget) (RunResult, error) {
	if ctx.Err() != nil {
		return r.finish(ctx, res, ErrAborted)
	}

	rep, err := r.Builder.RunAll(ctx, targets)
	res.Build = rep
	for _, br := range rep.Results {
		r.emit(res, telemetry.KindBuildDone, br.Target.ModuleName, map[string]any{
			"status":      string(br.Status),
			"duration_ms": br.Duration.Milliseconds(),
		})
	}
	if err != nil || ctx.Err() != nil {
		return r.finish(ctx, res, ErrAborted)
	}

	if built := rep.BuiltTargets(); len(built) > 0 && r.Syncers != nil {
		syncer, err := r.Syncers(res.Root)
		if err != nil {
			log.WithError(err).Warn("artifact sync disabled")
		} else if syncer != nil {
			srep, err := syncer.Sync(ctx, built)
			res.Sync = srep
			if err != nil {
				return r.finish(ctx, res, ErrAborted)
			}
			r.emit(res, telemetry.KindSyncDone, "", map[string]any{
				"files":  srep.Files,
				"bytes":  srep.Bytes,
				"failed": srep.Failed,
			})
		}
	}

	switch {
	case !rep.Success():
		res.Status = history.StatusFailed
	case res.Sync.Failed > 0:
		res.Status = history.StatusFailed
		res.Error = fmt.Sprintf("%d artifact copies failed", res.Sync.Failed)
	default:
		res.Status = history.StatusSuccess
	}
	return r.finish(ctx, res, nil)
}

// finish stamps the result, records it and emits the closing event. Only
// ErrAborted is passed through as an error.
func (r *Runner) finish(ctx context.Context, res RunResult, err error) (RunResult, error) {
	res.Duration = time.Since(res.StartedAt)

	if errors.Is(err, ErrAborted) {
		res.Status = history.StatusAborted
		log.Debugf("run %s aborted", res.RunID)
		r.emit(res, telemetry.KindRunAborted, "", nil)
		r.record(ctx, res)
		return res, ErrAborted
	}
	if err != nil {
		res.Status = history.StatusFailed
		res.Error = err.Error()
	}

	switch res.Status {
	case history.StatusFailed:
		log.Warnf("run %s failed: %d built, %d failed, %d copies failed", res.RunID, res.Build.Built, res.Build.Failed, res.Sync.Failed)
	case history.StatusEmpty:
		log.Infof("run %s: nothing to build", res.RunID)
	default:
		log.Infof("run %s succeeded: %d built in %s", res.RunID, res.Build.Built, res.Duration.Round(time.Millisecond))
	}
	r.emit(res, telemetry.KindRunDone, "", map[string]any{
		"status":  string(res.Status),
		"built":   res.Build.Built,
		"failed":  res.Build.Failed,
		"skipped": res.Build.Skipped,
	})
	r.record(ctx, res)
	return res, nil
}

func (r *Runner) record(ctx context.Context, res RunResult) {
	if r.History == nil {
		return
	}
	run := history.Run{
		ID:         res.RunID,
		Root:       res.Root,
		Trigger:    res.Trigger,
		Status:     res.Status,
		StartedAt:  res.StartedAt,
		FinishedAt: res.StartedAt.Add(res.Duration),
		Targets:    len(res.Targets),
		Built:      res.Build.Built,
		Failed:     res.Build.Failed,
		Error:      res.Error,
	}
	for _, br := range res.Build.Results {
		run.Packages = append(run.Packages, history.PackageResult{
			Name:     br.Target.ModuleName,
			Reason:   string(br.Target.Reason),
			Status:   string(br.Status),
			Duration: br.Duration,
			Error:    br.Error,
		})
	}
	// The run may have been cancelled; the record should still land.
	if _, err := r.History.Record(context.WithoutCancel(ctx), run); err != nil {
		log.WithError(err).Warn("recording run history")
	}
}

func (r *Runner) emit(res RunResult, kind, pkg string, data any) {
	if err := r.Telemetry.Emit(telemetry.Event{
		Kind:    kind,
		RunID:   res.RunID,
		Root:    res.Root,
		Package: pkg,
		Data:    data,
	}); err != nil {
		log.WithError(err).Debug("telemetry emit failed")
	}
}
