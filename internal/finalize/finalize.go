// Package finalize sequences template finalization: platform detection,
// guest agent installation, package pruning, identity reset, and disk
// reclaim, in that fixed order. Stages are independently gated and
// individually idempotent, so re-running an interrupted finalization is
// the prescribed recovery path.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cloneprep/cloneprep/internal/guestagent"
	"github.com/cloneprep/cloneprep/internal/hostfacts"
	"github.com/cloneprep/cloneprep/internal/pkgprune"
	"github.com/cloneprep/cloneprep/internal/reclaim"
)

// Status classifies a stage outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusWarning Status = "warning"
	StatusFatal   Status = "fatal"
)

// Stage names used in results and operator-facing messages.
const (
	StageDetect     = "detect"
	StageGuestAgent = "guest-agent"
	StagePrune      = "prune"
	StageIdentity   = "identity"
	StageReclaim    = "reclaim"
)

// StageResult is the classified outcome of one stage. The orchestrator
// only ever sees these, never raw collaborator errors.
type StageResult struct {
	Stage    string
	Status   Status
	Warnings []string
	Err      error
}

// Report aggregates a full run.
type Report struct {
	RunID    string
	Platform hostfacts.Profile
	Stages   []StageResult
	Warnings []string
	Failed   bool
	// FailedStage names the stage behind a fatal result.
	FailedStage string
}

// ErrRunFailed wraps the fatal stage error returned alongside the report.
var ErrRunFailed = errors.New("finalization failed")

// Gates toggles each stage independently.
type Gates struct {
	GuestAgent bool
	Prune      bool
	Identity   bool
	Reclaim    bool
}

// Collaborator contracts, satisfied by the concrete stage types and by
// stubs in tests.
type (
	PruneRunner interface {
		Run(ctx context.Context) (*pkgprune.Batch, error)
	}
	IdentityRunner interface {
		Run(ctx context.Context) error
	}
	ReclaimRunner interface {
		Run(ctx context.Context) (*reclaim.State, error)
	}
)

// Orchestrator wires the stages together. Execution is strictly
// sequential; the stages have real-world ordering dependencies.
type Orchestrator struct {
	Logger *slog.Logger

	Collector hostfacts.Collector
	Gates     Gates

	// SelectAgentStage maps the detected kind to its integration stage;
	// nil results (KindNone) skip the stage.
	SelectAgentStage func(kind hostfacts.Kind) guestagent.GuestIntegrationStage

	Pruner    PruneRunner
	Resetter  IdentityRunner
	Reclaimer ReclaimRunner
}

// Run executes the pipeline. The report is always returned; the error is
// non-nil iff a fatal stage result occurred, mirroring Report.Failed.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.New().String()}
	logger := o.logger().With("run_id", report.RunID)

	logger.Info("starting template finalization")

	facts, err := o.Collector.Collect(ctx)
	if err != nil {
		return o.fail(report, logger, StageDetect, err)
	}
	report.Platform = hostfacts.Detect(facts)
	report.Stages = append(report.Stages, StageResult{Stage: StageDetect, Status: StatusOK})
	logger.Info("platform detected", "kind", report.Platform.Kind)

	if err := o.runAgentStage(ctx, report, logger); err != nil {
		return report, err
	}
	o.runPruneStage(ctx, report, logger)
	if err := o.runIdentityStage(ctx, report, logger); err != nil {
		return report, err
	}
	if err := o.runReclaimStage(ctx, report, logger); err != nil {
		return report, err
	}

	logger.Info("template finalization complete", "warnings", len(report.Warnings))
	return report, nil
}

func (o *Orchestrator) runAgentStage(ctx context.Context, report *Report, logger *slog.Logger) error {
	if !o.Gates.GuestAgent {
		o.skip(report, logger, StageGuestAgent)
		return nil
	}

	stage := o.SelectAgentStage(report.Platform.Kind)
	if stage == nil {
		logger.Info("no integration stage selected", "kind", report.Platform.Kind)
		report.Stages = append(report.Stages, StageResult{Stage: StageGuestAgent, Status: StatusSkipped})
		return nil
	}

	stageLogger := logger.With("stage", stage.Name())
	stageLogger.Info("installing guest integration")

	attempts, err := stage.Run(ctx)
	if err != nil {
		for _, attempt := range attempts {
			stageLogger.Warn("attempt exhausted", "method", attempt.Method, "reason", attempt.Reason)
		}
		o.failResult(report, stage.Name(), err)
		return fmt.Errorf("%w: stage %s: %w", ErrRunFailed, stage.Name(), err)
	}

	report.Stages = append(report.Stages, StageResult{Stage: StageGuestAgent, Status: StatusOK})
	return nil
}

func (o *Orchestrator) runPruneStage(ctx context.Context, report *Report, logger *slog.Logger) {
	if !o.Gates.Prune {
		o.skip(report, logger, StagePrune)
		return
	}

	result := StageResult{Stage: StagePrune, Status: StatusOK}
	batch, err := o.Pruner.Run(ctx)
	if err != nil {
		// Pruning is a best-effort optimization; even a setup failure
		// only downgrades the stage to a warning.
		result.Status = StatusWarning
		result.Warnings = append(result.Warnings, fmt.Sprintf("pruning unavailable: %v", err))
	} else {
		for _, name := range batch.Failed() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("could not remove %s: %s", name, batch.Outcomes[name].Reason))
		}
		if len(result.Warnings) > 0 {
			result.Status = StatusWarning
		}
	}

	report.Warnings = append(report.Warnings, result.Warnings...)
	report.Stages = append(report.Stages, result)
}

func (o *Orchestrator) runIdentityStage(ctx context.Context, report *Report, logger *slog.Logger) error {
	if !o.Gates.Identity {
		o.skip(report, logger, StageIdentity)
		return nil
	}

	if err := o.Resetter.Run(ctx); err != nil {
		o.failResult(report, StageIdentity, err)
		return fmt.Errorf("%w: stage %s: %w", ErrRunFailed, StageIdentity, err)
	}
	report.Stages = append(report.Stages, StageResult{Stage: StageIdentity, Status: StatusOK})
	return nil
}

func (o *Orchestrator) runReclaimStage(ctx context.Context, report *Report, logger *slog.Logger) error {
	if !o.Gates.Reclaim {
		o.skip(report, logger, StageReclaim)
		return nil
	}

	state, err := o.Reclaimer.Run(ctx)
	if err != nil {
		o.failResult(report, StageReclaim, err)
		return fmt.Errorf("%w: stage %s: %w", ErrRunFailed, StageReclaim, err)
	}

	result := StageResult{Stage: StageReclaim, Status: StatusOK}
	if !state.DeleteSucceeded {
		result.Status = StatusWarning
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("fill file %s left behind after %d delete attempts", state.FillPath, state.DeleteAttempts))
	}
	report.Warnings = append(report.Warnings, result.Warnings...)
	report.Stages = append(report.Stages, result)
	return nil
}

func (o *Orchestrator) skip(report *Report, logger *slog.Logger, stage string) {
	logger.Info("stage disabled", "stage", stage)
	report.Stages = append(report.Stages, StageResult{Stage: stage, Status: StatusSkipped})
}

func (o *Orchestrator) fail(report *Report, logger *slog.Logger, stage string, err error) (*Report, error) {
	o.failResult(report, stage, err)
	logger.Error("finalization failed", "stage", stage, "error", err)
	return report, fmt.Errorf("%w: stage %s: %w", ErrRunFailed, stage, err)
}

func (o *Orchestrator) failResult(report *Report, stage string, err error) {
	report.Stages = append(report.Stages, StageResult{Stage: stage, Status: StatusFatal, Err: err})
	report.Failed = true
	report.FailedStage = stage
}

func (o *Orchestrator) logger() *slog.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
