// internal/pipeline/machine.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/classify"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/llmclient"
)

// -- Collaborator interfaces --

// StateStore persists run checkpoints keyed by session id.
type StateStore interface {
	SaveState(ctx context.Context, state *RunState) error
	LoadState(ctx context.Context, sessionID string) (*RunState, error)
}

// ModelRouter routes model calls with tier fallback.
type ModelRouter interface {
	RouteWithFallback(ctx context.Context, req llmclient.Request) (*llmclient.FallbackResult, error)
}

// PageAnalyzer turns extracted page data into raw issues.
type PageAnalyzer interface {
	Analyze(ctx context.Context, sessionID string, page *schemas.PageData) ([]schemas.RawIssue, error)
}

// BugClassifier classifies one raw issue.
type BugClassifier interface {
	Classify(ctx context.Context, sessionID string, issue schemas.RawIssue) classify.Outcome
}

// BugDeduplicator marks incoming bugs that duplicate known ones.
type BugDeduplicator interface {
	Deduplicate(ctx context.Context, sessionID string, existing, incoming []schemas.Bug) classify.DedupResult
}

// Deps are the machine's collaborators. Sink and Tracker are optional.
type Deps struct {
	Store        StateStore
	Router       ModelRouter
	Extractor    schemas.PageExtractor
	Analyzer     PageAnalyzer
	Classifier   BugClassifier
	Deduplicator BugDeduplicator
	Ledger       *cost.Ledger
	Sink         schemas.BugSink
	Tracker      schemas.IssueTracker
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("state store cannot be nil")
	case d.Router == nil:
		return errors.New("model router cannot be nil")
	case d.Extractor == nil:
		return errors.New("page extractor cannot be nil")
	case d.Analyzer == nil:
		return errors.New("page analyzer cannot be nil")
	case d.Classifier == nil:
		return errors.New("classifier cannot be nil")
	case d.Deduplicator == nil:
		return errors.New("deduplicator cannot be nil")
	case d.Ledger == nil:
		return errors.New("cost ledger cannot be nil")
	}
	return nil
}

// Machine drives runs through the pipeline steps.
type Machine struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	stopRequested atomic.Bool
}

// New creates a machine.
func New(deps Deps, logger *zap.Logger) (*Machine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Machine{
		deps:   deps,
		logger: logger.Named("pipeline"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Stop clears the continuation flag; the run finishes at its next loop check.
func (m *Machine) Stop() {
	m.stopRequested.Store(true)
	m.logger.Info("Stop requested; the run will finish after the current iteration")
}

// runContext carries one run's mutable state between steps.
type runContext struct {
	state  *RunState
	errs   *ErrorAggregator
	logger *zap.Logger
}

func (rc *runContext) record(step Step, kind string, err error, fields map[string]string) {
	e := rc.errs.Record(step, kind, err, fields)
	rc.logger.Warn("Step error recorded",
		zap.Stringer("step", step),
		zap.String("kind", e.Kind),
		zap.Error(err),
	)
}

// Run starts a new session. It never panics; failures come back as a summary
// with status failed.
func (m *Machine) Run(ctx context.Context, cfg RunConfig) schemas.RunSummary {
	cfg.applyDefaults()
	state := NewRunState(uuid.NewString(), cfg, m.now())
	state.normalize()
	m.logger.Info("Starting run",
		zap.String("session_id", state.SessionID),
		zap.String("target", cfg.TargetURL),
		zap.Int("max_pages", cfg.MaxPages),
	)
	return m.drive(ctx, state)
}

// Resume continues a checkpointed session at the step it stopped before.
func (m *Machine) Resume(ctx context.Context, sessionID string, overrides *Overrides) schemas.RunSummary {
	state, err := m.deps.Store.LoadState(ctx, sessionID)
	if err != nil {
		return schemas.RunSummary{
			SessionID: sessionID,
			Status:    schemas.RunFailed,
			Error:     fmt.Sprintf("failed to load session %s: %v", sessionID, err),
		}
	}
	state.normalize()
	overrides.apply(&state.Config)
	state.Config.applyDefaults()

	if state.NextStep == StepDone && state.Summary != nil {
		m.logger.Info("Session already finished", zap.String("session_id", sessionID))
		return *state.Summary
	}
	// An unfinished session continues under the resumed limits; the loop
	// check re-evaluates them.
	state.Continue = true

	imported := m.deps.Ledger.Import(state.Usage)
	m.logger.Info("Resuming run",
		zap.String("session_id", sessionID),
		zap.Stringer("next_step", state.NextStep),
		zap.Int("iteration", state.Iteration),
		zap.Int("usage_records_imported", imported),
	)
	return m.drive(ctx, state)
}

func (m *Machine) drive(ctx context.Context, state *RunState) (summary schemas.RunSummary) {
	ctx = llmclient.WithSessionID(ctx, state.SessionID)
	rc := &runContext{
		state:  state,
		errs:   NewErrorAggregator(state.Errors),
		logger: m.logger.With(zap.String("session_id", state.SessionID)),
	}
	m.stopRequested.Store(false)

	for state.NextStep != StepDone {
		if err := ctx.Err(); err != nil {
			rc.logger.Info("Run interrupted; resume from the last checkpoint",
				zap.Stringer("next_step", state.NextStep),
				zap.Error(err),
			)
			return m.interruptedSummary(state, err)
		}

		step := state.NextStep
		next, err := m.runStep(ctx, rc, step)
		if ctx.Err() != nil {
			// The step saw a canceled parent context; its partial work is
			// discarded and the step reruns on resume.
			return m.interruptedSummary(state, ctx.Err())
		}
		if err != nil {
			if step == StepPlan || step == StepSummarize {
				rc.logger.Error("Fatal step failure", zap.Stringer("step", step), zap.Error(err))
				rc.record(step, KindInternal, err, nil)
				// NextStep still names the failed step, so resume retries it.
				m.checkpoint(ctx, rc)
				return schemas.RunSummary{
					SessionID: state.SessionID,
					Status:    schemas.RunFailed,
					Error:     fmt.Sprintf("%s failed: %v", step, err),
					TargetURL: state.Config.TargetURL,
					StartedAt: state.StartedAt,
					Duration:  m.now().Sub(state.StartedAt),
				}
			}
			rc.record(step, KindInternal, err, nil)
		}

		state.NextStep = next
		m.checkpoint(ctx, rc)
	}

	if state.Summary == nil {
		return m.buildSummary(rc, schemas.RunCompleted)
	}
	return *state.Summary
}

// runStep executes one step under the step timeout, turning panics into errors.
func (m *Machine) runStep(ctx context.Context, rc *runContext, step Step) (next Step, err error) {
	stepCtx := ctx
	if t := rc.state.Config.StepTimeout; t > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	start := m.now()
	defer func() {
		if r := recover(); r != nil {
			rc.logger.Error("Step panicked",
				zap.Stringer("step", step),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			panicErr := fmt.Errorf("panic: %v: %w", r, errWorkerPanic)
			next, err = fallthroughStep(step, rc.state), nil
			if step == StepPlan || step == StepSummarize {
				// drive records fatal failures itself.
				err = panicErr
			} else {
				rc.record(step, KindPanic, panicErr, nil)
			}
		}
		elapsed := m.now().Sub(start)
		rc.state.StepDurations[step.String()] += elapsed
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			rc.logger.Warn("Step hit its soft timeout; keeping partial results",
				zap.Stringer("step", step),
				zap.Duration("timeout", rc.state.Config.StepTimeout),
			)
		}
		rc.logger.Debug("Step finished", zap.Stringer("step", step), zap.Duration("elapsed", elapsed))
	}()

	switch step {
	case StepPlan:
		return m.plan(stepCtx, rc)
	case StepCrawl:
		return m.crawl(stepCtx, rc)
	case StepAnalyze:
		return m.analyze(stepCtx, rc)
	case StepClassify:
		return m.classify(stepCtx, rc)
	case StepValidate:
		return m.validate(stepCtx, rc)
	case StepReport:
		return m.report(stepCtx, rc)
	case StepFileTickets:
		return m.fileTickets(stepCtx, rc)
	case StepLoopCheck:
		return m.loopCheck(stepCtx, rc)
	case StepSummarize:
		return m.summarize(stepCtx, rc)
	default:
		return StepDone, fmt.Errorf("unknown step %s", step)
	}
}

// fallthroughStep is where the machine goes when a step could not decide.
func fallthroughStep(step Step, state *RunState) Step {
	switch step {
	case StepPlan:
		return StepPlan
	case StepCrawl:
		return StepAnalyze
	case StepAnalyze:
		return StepClassify
	case StepClassify, StepValidate:
		return StepReport
	case StepReport, StepFileTickets:
		return StepLoopCheck
	case StepLoopCheck:
		if state.Continue {
			return StepCrawl
		}
		return StepSummarize
	default:
		return StepSummarize
	}
}

// checkpoint syncs derived fields and persists the state. It uses a context
// detached from cancellation so an interrupted run still saves.
func (m *Machine) checkpoint(ctx context.Context, rc *runContext) {
	state := rc.state
	state.Errors = append(state.Errors, rc.errs.Drain()...)
	state.Usage = m.deps.Ledger.Records(state.SessionID)
	state.TotalCost = m.deps.Ledger.SessionTotal(state.SessionID)
	state.UpdatedAt = m.now()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.deps.Store.SaveState(saveCtx, state); err != nil {
		rc.logger.Error("Failed to save checkpoint", zap.Stringer("next_step", state.NextStep), zap.Error(err))
		rc.record(state.NextStep, KindCheckpoint, err, nil)
		state.Errors = append(state.Errors, rc.errs.Drain()...)
	}
}

func (m *Machine) interruptedSummary(state *RunState, err error) schemas.RunSummary {
	return schemas.RunSummary{
		SessionID: state.SessionID,
		Status:    schemas.RunInterrupted,
		Error:     err.Error(),
		TargetURL: state.Config.TargetURL,
		StartedAt: state.StartedAt,
		Duration:  m.now().Sub(state.StartedAt),
		Pages:     state.PageCounts(),
	}
}
