package pipeline

import (
	"context"
	"errors"

	"github.com/qingminglong/frontend-develop-tools/internal/builder"
	"github.com/qingminglong/frontend-develop-tools/internal/config"
	"github.com/qingminglong/frontend-develop-tools/internal/history"
	"github.com/qingminglong/frontend-develop-tools/internal/linker"
	"github.com/qingminglong/frontend-develop-tools/internal/telemetry"
	"github.com/qingminglong/frontend-develop-tools/internal/watch"
	"github.com/qingminglong/frontend-develop-tools/internal/workspace"
)

// Env is the process-wide wiring built from configuration: one runner, the
// history store and the telemetry stream, shared by every session.
type Env struct {
	Config    config.Config
	Layout    workspace.Layout
	Runner    *Runner
	History   *history.Store
	Telemetry *telemetry.Emitter
}

// NewEnv builds an Env from cfg. History and telemetry are best effort: if
// either cannot be opened the pipeline runs without it.
func NewEnv(ctx context.Context, cfg config.Config) *Env {
	env := &Env{
		Config: cfg,
		Layout: workspace.Layout{
			WorkspaceManifest: cfg.WorkspaceManifest,
			PackageManifest:   cfg.PackageManifest,
			SourceDir:         cfg.SourceDir,
		},
	}

	exec := builder.New(cfg.PackageManager, cfg.BuildScript, cfg.BuildTimeout)
	if cfg.PackageManifest != "" {
		exec.ManifestName = cfg.PackageManifest
	}
	env.Runner = &Runner{
		Builder: exec,
		Syncers: func(root string) (Syncer, error) {
			l, err := linker.Load(root, cfg.LinkManifest, cfg.OutputDirs)
			if err != nil {
				return nil, err
			}
			if cfg.PackageManifest != "" {
				l.ManifestName = cfg.PackageManifest
			}
			return l, nil
		},
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			log.WithError(err).Warn("build history disabled")
		} else {
			env.History = store
			env.Runner.History = store
		}
	}

	if cfg.TelemetryPath != "" {
		em, err := telemetry.NewEmitter(cfg.TelemetryPath)
		if err != nil {
			log.WithError(err).Warn("telemetry disabled")
		} else {
			env.Telemetry = em
			env.Runner.Telemetry = em
		}
	}
	return env
}

// NewSession returns a session for root using the configured layout.
func (e *Env) NewSession(root string) (*Session, error) {
	return NewSession(root, e.Layout, e.Config.BuildScript)
}

// WatchOptions returns the configured watcher options.
func (e *Env) WatchOptions() watch.Options {
	return watch.Options{
		Debounce:     e.Config.Watch.Debounce,
		PollInterval: e.Config.Watch.PollInterval,
		Ignore:       e.Config.Watch.Ignore,
	}
}

// Close releases the history store and telemetry stream.
func (e *Env) Close() error {
	var errs []error
	if e.History != nil {
		errs = append(errs, e.History.Close())
	}
	errs = append(errs, e.Telemetry.Close())
	return errors.Join(errs...)
}
