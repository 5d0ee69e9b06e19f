// Package pipeline runs one analysis: fetch a snapshot, store it, compile a
// prompt, ask the inference backend and store the answer.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/metrics"
	"github.com/rewired-gh/agrolens/internal/models"
	"github.com/rewired-gh/agrolens/internal/notify"
	"github.com/rewired-gh/agrolens/internal/prompt"
)

// Stage names a step of a run.
type Stage string

const (
	StageFetch           Stage = "fetch"
	StagePersistSnapshot Stage = "persist_snapshot"
	StageCompilePrompt   Stage = "compile_prompt"
	StageInfer           Stage = "infer"
	StagePersistResult   Stage = "persist_result"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Kind tells the operator which remediation a failed run needs.
type Kind int

const (
	KindTelemetry Kind = iota + 1
	KindPersistence
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "could not reach telemetry source"
	case KindPersistence:
		return "could not persist data"
	case KindInference:
		return "could not reach inference backend"
	default:
		return "unknown failure"
	}
}

// Label is the short form used in metrics and API error types.
func (k Kind) Label() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindPersistence:
		return "persistence"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// RunError is the single error returned by a failed run. Err is the
// originating cause and stays reachable through errors.As.
type RunError struct {
	RunID string
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed at %s: %s: %v", e.RunID, e.Stage, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Fetcher returns one raw sensor snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Store persists snapshots and results.
type Store interface {
	SaveSensorSnapshot(ctx context.Context, payload any) (int64, error)
	SaveAnalysisResult(ctx context.Context, snapshotID int64, prompt, response, modelUsed string) (int64, error)
}

// Generator is the inference backend.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
	ActiveModel() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records stage durations and run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier reports outcomes. Notifier errors are logged only.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithNotifyTimeout bounds the notifications sent at the end of a run. Runs
// submitted through the worker pool are never cancelled, so this is the only
// limit on a stalled notifier.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator sequences the stages of a run. It is safe for concurrent use;
// concurrent runs share nothing but the collaborators.
type Orchestrator struct {
	fetcher   Fetcher
	store     Store
	generator Generator
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	now       func() time.Time

	notifyTimeout time.Duration

	mu                  sync.Mutex
	consecutiveFailures int
}

const defaultNotifyTimeout = 20 * time.Second

// New creates an Orchestrator.
func New(fetcher Fetcher, store Store, generator Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:   fetcher,
		store:     store,
		generator: generator,
		now:       time.Now,

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the values threaded through the stages.
type run struct {
	id         string
	model      string
	raw        []byte
	snapshotID int64
	prompt     prompt.Prompt
	response   string
	resultID   int64
}

// Run executes one analysis. An empty modelOverride uses the generator's
// active model. On failure it returns a *RunError and no outcome; a snapshot
// already stored stays stored.
func (o *Orchestrator) Run(ctx context.Context, modelOverride string) (*models.RunOutcome, error) {
	started := o.now()
	r := &run{id: uuid.NewString(), model: modelOverride}
	if r.model == "" {
		r.model = o.generator.ActiveModel()
	}

	logger.Info("[Run %s] starting analysis (model=%s)", r.id, r.model)

	stages := []struct {
		stage Stage
		kind  Kind
		fn    func(context.Context, *run) error
	}{
		{StageFetch, KindTelemetry, o.fetch},
		{StagePersistSnapshot, KindPersistence, o.persistSnapshot},
		{StageCompilePrompt, 0, o.compilePrompt},
		{StageInfer, KindInference, o.infer},
		{StagePersistResult, KindPersistence, o.persistResult},
	}

	for _, s := range stages {
		stageStart := o.now()
		err := s.fn(ctx, r)
		o.metrics.ObserveStage(string(s.stage), o.now().Sub(stageStart))
		if err != nil {
			runErr := &RunError{RunID: r.id, Stage: s.stage, Kind: s.kind, Err: err}
			o.fail(ctx, runErr)
			return nil, runErr
		}
	}

	outcome := &models.RunOutcome{
		RunID:          r.id,
		SnapshotID:     r.snapshotID,
		ResultID:       r.resultID,
		Response:       r.response,
		Model:          r.model,
		PromptDegraded: r.prompt.Degraded(),
		StartedAt:      started,
		Duration:       o.now().Sub(started),
	}
	o.succeed(ctx, outcome)
	return outcome, nil
}

func (o *Orchestrator) fetch(ctx context.Context, r *run) error {
	raw, err := o.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	r.raw = raw
	return nil
}

func (o *Orchestrator) persistSnapshot(ctx context.Context, r *run) error {
	id, err := o.store.SaveSensorSnapshot(ctx, json.RawMessage(r.raw))
	if err != nil {
		return err
	}
	r.snapshotID = id
	logger.Debug("[Run %s] snapshot stored (id=%d)", r.id, id)
	return nil
}

func (o *Orchestrator) compilePrompt(_ context.Context, r *run) error {
	r.prompt = prompt.CompileJSON(r.raw)
	if r.prompt.Degraded() {
		o.metrics.Degraded()
	}
	return nil
}

func (o *Orchestrator) infer(ctx context.Context, r *run) error {
	response, err := o.generator.Generate(ctx, r.prompt.Text, r.model)
	if err != nil {
		return err
	}
	r.response = response
	return nil
}

func (o *Orchestrator) persistResult(ctx context.Context, r *run) error {
	id, err := o.store.SaveAnalysisResult(ctx, r.snapshotID, r.prompt.Text, r.response, r.model)
	if err != nil {
		return err
	}
	r.resultID = id
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, outcome *models.RunOutcome) {
	o.metrics.RunFinished(string(StageDone))
	logger.Info("[Run %s] done in %v (snapshot=%d, result=%d)",
		outcome.RunID, outcome.Duration.Round(time.Millisecond), outcome.SnapshotID, outcome.ResultID)

	o.mu.Lock()
	failures := o.consecutiveFailures
	o.consecutiveFailures = 0
	o.mu.Unlock()

	if o.notifier == nil {
		return
	}
	ctx, cancel := o.notifyContext(ctx)
	defer cancel()
	if failures > 0 {
		if err := o.notifier.NotifyRecovery(ctx, failures); err != nil {
			logger.Warn("[Run %s] failed to send recovery notification: %v", outcome.RunID, err)
		}
	}
	if err := o.notifier.NotifyResult(ctx, outcome); err != nil {
		logger.Warn("[Run %s] failed to send result notification: %v", outcome.RunID, err)
	}
}

// fail records a failed run. Only the first of a streak of failures is
// notified; the streak ends with a recovery notification.
func (o *Orchestrator) fail(ctx context.Context, runErr *RunError) {
	o.metrics.RunFinished(runErr.Kind.Label())
	logger.Error("[Run %s] %s: %s at stage %s: %v", runErr.RunID, StageFailed, runErr.Kind, runErr.Stage, runErr.Err)

	o.mu.Lock()
	o.consecutiveFailures++
	first := o.consecutiveFailures == 1
	o.mu.Unlock()

	if o.notifier == nil || !first {
		return
	}
	failure := notify.Failure{
		RunID:   runErr.RunID,
		Stage:   string(runErr.Stage),
		Kind:    runErr.Kind.String(),
		Message: runErr.Err.Error(),
		At:      o.now(),
	}
	ctx, cancel := o.notifyContext(ctx)
	defer cancel()
	if err := o.notifier.NotifyFailure(ctx, failure); err != nil {
		logger.Warn("[Run %s] failed to send failure notification: %v", runErr.RunID, err)
	}
}

// notifyContext detaches notifications from the run's cancellation, so a run
// cancelled by its caller still reports, and bounds them by notifyTimeout.
func (o *Orchestrator) notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.notifyTimeout)
}

// ConsecutiveFailures reports the current failure streak.
func (o *Orchestrator) ConsecutiveFailures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consecutiveFailures
}

// AsRunError unwraps err into a *RunError.
func AsRunError(err error) (*RunError, bool) {
	var runErr *RunError
	ok := errors.As(err, &runErr)
	return runErr, ok
}
