// Package orchestrate drives verify, update and create over a list of paths.
//
// Paths are processed in order, each with its own signature environment and
// Manifest engine. A path that cannot be located, loaded or processed aborts
// the remaining batch; a verification that merely reports mismatches under
// keep-going marks the batch failed and moves on to the next path.
package orchestrate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/metrics"
	"github.com/schaermu/manifesto/internal/openpgp"
	"github.com/schaermu/manifesto/internal/profile"
	"github.com/schaermu/manifesto/internal/tree"
)

// Locator finds the top-level Manifest governing a path
type Locator interface {
	FindTopLevel(path string) (string, error)
}

// Engine is a loaded Manifest tree
type Engine interface {
	Signed() bool
	AssertDirectoryVerifies(rel string, opts tree.VerifyOptions) (bool, error)
	UpdateEntriesForDirectory(rel string) error
	Timestamp() *manifest.Entry
	SetTimestamp(t time.Time)
	SaveManifests(opts tree.SaveOptions) (tree.SaveStats, error)
}

// EngineOpener binds an Engine to a top-level Manifest path
type EngineOpener func(path string, opts tree.Options) (Engine, error)

// Environment is a scoped OpenPGP key set
type Environment interface {
	tree.SignatureContext
	ImportKeyFile(path string) error
	KeyCount() int
	Close() error
}

// EnvironmentFactory creates an empty Environment
type EnvironmentFactory func() Environment

// Orchestrator runs batches of Manifest operations
type Orchestrator struct {
	locator Locator
	open    EngineOpener
	newEnv  EnvironmentFactory
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an orchestrator over the given collaborators
func New(locator Locator, open EngineOpener, newEnv EnvironmentFactory, collector *metrics.Collector, logger *slog.Logger) *Orchestrator {
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		locator: locator,
		open:    open,
		newEnv:  newEnv,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// NewDefault creates an orchestrator working on the local filesystem
func NewDefault(collector *metrics.Collector, logger *slog.Logger) *Orchestrator {
	return New(
		tree.NewLocator(),
		func(path string, opts tree.Options) (Engine, error) {
			return tree.Open(path, opts)
		},
		func() Environment {
			return openpgp.NewEnvironment()
		},
		collector,
		logger,
	)
}

// pathFunc processes one path; the environment is released by the caller
type pathFunc func(logger *slog.Logger, path string) PathResult

// Verify checks every path against its Manifest tree
func (o *Orchestrator) Verify(paths []string, opts VerifyOptions) *BatchResult {
	return o.run(OpVerify, paths, func(logger *slog.Logger, p string) PathResult {
		return o.verifyPath(logger, p, opts)
	})
}

// Update recomputes the Manifest entries below every path
func (o *Orchestrator) Update(paths []string, opts UpdateOptions) (*BatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return o.run(OpUpdate, paths, func(logger *slog.Logger, p string) PathResult {
		return o.updatePath(logger, p, opts, false)
	}), nil
}

// Create builds a new Manifest tree at every path
func (o *Orchestrator) Create(paths []string, opts UpdateOptions) (*BatchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return o.run(OpCreate, paths, func(logger *slog.Logger, p string) PathResult {
		return o.updatePath(logger, p, opts, true)
	}), nil
}

func (o *Orchestrator) run(op Operation, paths []string, body pathFunc) *BatchResult {
	logger := o.logger.With("run_id", uuid.NewString(), "operation", string(op))
	batch := newBatchResult(op)

	for i, p := range paths {
		start := o.now()
		res := body(logger, p)
		res.Path = p
		res.Duration = o.now().Sub(start)

		if res.Aborted() {
			logger.Error("path aborted", "path", p, "cause", string(res.Cause), "error", res.Err)
			o.metrics.RecordPath(string(op), metrics.OutcomeAborted, res.Duration)
		} else {
			o.logCompleted(logger, op, res)
			outcome := metrics.OutcomeOK
			if !res.OK {
				outcome = metrics.OutcomeFailed
			}
			o.metrics.RecordPath(string(op), outcome, res.Duration)
		}

		if batch.fold(i, res) {
			break
		}
	}

	o.metrics.RecordBatch(string(op), batch.OK)
	return batch
}

func (o *Orchestrator) logCompleted(logger *slog.Logger, op Operation, res PathResult) {
	switch op {
	case OpVerify:
		logger.Info("path verified", "path", res.Path, "ok", res.OK, "duration", res.Duration.Round(time.Millisecond))
	case OpUpdate:
		logger.Info("path updated", "path", res.Path, "written", res.Saved.Written, "duration", res.Duration.Round(time.Millisecond))
	case OpCreate:
		logger.Info("manifest tree created", "path", res.Path, "written", res.Saved.Written, "duration", res.Duration.Round(time.Millisecond))
	}
}

// acquireEnv creates the environment for one path, importing keyFile if set
func (o *Orchestrator) acquireEnv(logger *slog.Logger, keyFile string) (Environment, error) {
	env := o.newEnv()
	if keyFile == "" {
		return env, nil
	}
	if err := env.ImportKeyFile(keyFile); err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("failed to import OpenPGP keys: %w", err)
	}
	logger.Debug("imported OpenPGP keys", "file", keyFile, "keys", env.KeyCount())
	return env, nil
}

func (o *Orchestrator) verifyPath(logger *slog.Logger, p string, opts VerifyOptions) PathResult {
	top, err := o.locator.FindTopLevel(p)
	if err != nil {
		return aborted(err)
	}

	env, err := o.acquireEnv(logger, opts.OpenPGPKeyFile)
	if err != nil {
		return aborted(err)
	}
	defer func() {
		_ = env.Close()
	}()

	eng, err := o.open(top, tree.Options{
		Env:           env,
		VerifyOpenPGP: opts.OpenPGPVerify,
		Logger:        logger,
	})
	if err != nil {
		return aborted(err)
	}
	if opts.RequireSigned && !eng.Signed() {
		return aborted(fmt.Errorf("%s: %w", top, ErrUnsignedManifest))
	}

	rel, err := tree.RelativePath(top, p)
	if err != nil {
		return aborted(err)
	}

	ok, err := eng.AssertDirectoryVerifies(rel, o.verifyHandlers(logger, opts))
	if err != nil {
		var mm *manifest.MismatchError
		if errors.As(err, &mm) {
			o.metrics.RecordMismatch(string(OpVerify), mm.Severity.String())
		}
		return aborted(err)
	}
	return PathResult{TopLevel: top, OK: ok}
}

func (o *Orchestrator) verifyHandlers(logger *slog.Logger, opts VerifyOptions) tree.VerifyOptions {
	var vopts tree.VerifyOptions
	if opts.KeepGoing {
		vopts.FailHandler = func(mm *manifest.MismatchError) bool {
			logger.Error("manifest mismatch", "path", mm.Path, "error", mm)
			o.metrics.RecordMismatch(string(OpVerify), mm.Severity.String())
			return false
		}
	}
	if !opts.Strict {
		vopts.WarnHandler = func(mm *manifest.MismatchError) bool {
			logger.Warn("manifest mismatch", "path", mm.Path, "error", mm)
			o.metrics.RecordMismatch(string(OpVerify), mm.Severity.String())
			return true
		}
	}
	return vopts
}

func (o *Orchestrator) updatePath(logger *slog.Logger, p string, opts UpdateOptions, create bool) PathResult {
	top := p
	if !create {
		var err error
		top, err = o.locator.FindTopLevel(p)
		if err != nil {
			return aborted(err)
		}
	}

	env, err := o.acquireEnv(logger, opts.OpenPGPKeyFile)
	if err != nil {
		return aborted(err)
	}
	defer func() {
		_ = env.Close()
	}()

	prof, err := profile.ByName(opts.profileName())
	if err != nil {
		return aborted(&ConfigError{Field: "profile", Message: err.Error()})
	}

	eng, err := o.open(top, tree.Options{
		AllowCreate:   create,
		Hashes:        opts.Hashes,
		Profile:       prof,
		Env:           env,
		VerifyOpenPGP: true,
		Sign:          opts.Sign,
		OpenPGPKeyID:  opts.OpenPGPID,
		Logger:        logger,
	})
	if err != nil {
		return aborted(err)
	}

	rel := ""
	if !create {
		rel, err = tree.RelativePath(top, p)
		if err != nil {
			return aborted(err)
		}
	}

	if err := eng.UpdateEntriesForDirectory(rel); err != nil {
		return aborted(err)
	}

	now := o.now().UTC()
	if create {
		eng.SetTimestamp(now)
	} else if ts := eng.Timestamp(); ts != nil {
		ts.Timestamp = now.Truncate(time.Second)
	}

	stats, err := eng.SaveManifests(saveOptions(opts))
	if err != nil {
		return aborted(err)
	}
	return PathResult{TopLevel: top, OK: true, Saved: stats}
}

func saveOptions(opts UpdateOptions) tree.SaveOptions {
	return tree.SaveOptions{
		Sort:              true,
		CompressWatermark: opts.CompressWatermark,
		CompressFormat:    opts.CompressFormat,
		Force:             opts.ForceRewrite,
	}
}
