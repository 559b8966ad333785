// Package runner orchestrates validation test runs: it enforces the
// one-running-run-per-type guarantee, drives scenario protocols against
// fresh simulators under a per-attempt deadline, retries with
// exponential backoff, and hands failed snapshots to the RCA engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rackvalidator/rackvalidator/pkg/config"
	"github.com/rackvalidator/rackvalidator/pkg/observability"
	"github.com/rackvalidator/rackvalidator/pkg/rca"
	"github.com/rackvalidator/rackvalidator/pkg/simulator"
	"github.com/rackvalidator/rackvalidator/pkg/store"
)

// Terminal error codes carried on finalized runs.
const (
	errorCodeTimeout   = "TIMEOUT"
	errorCodeExecution = "EXECUTION_ERROR"
	errorCodeUnknown   = "UNKNOWN"
)

// ValidationError aggregates request validation failures. It is returned
// before any record is created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid test request: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// RCAAnalyzer is the diagnosis contract consumed on failed outcomes.
type RCAAnalyzer interface {
	AnalyzeFailure(ctx context.Context, testID string, snap simulator.Snapshot) (store.RCARecord, error)
}

// Result pairs a run with its diagnosis, when one exists.
type Result struct {
	Run store.TestRun
	RCA *store.RCARecord
}

// TestRunner executes validation tests against simulated hardware.
type TestRunner struct {
	cfg      *config.Config
	store    store.Store
	rca      RCAAnalyzer
	reporter Reporter

	sleep    func(time.Duration)
	now      func() time.Time
	rndMu    sync.Mutex
	rnd      *rand.Rand
	newRunID func() string

	// execScenario runs one protocol attempt; tests replace it to force
	// timeout and execution error paths without real waiting.
	execScenario func(ctx context.Context, sc scenario, sim *simulator.Simulator) (bool, error)
}

// Option configures a TestRunner.
type Option func(*TestRunner)

// WithSleepFunc overrides the sleep function used for retry backoff and
// simulated hardware delays.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(r *TestRunner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *TestRunner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithRandSource injects a deterministic random source (useful for tests).
func WithRandSource(src rand.Source) Option {
	return func(r *TestRunner) {
		r.rnd = rand.New(src)
	}
}

// WithReporter attaches an observability reporter to the runner.
func WithReporter(rep Reporter) Option {
	return func(r *TestRunner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithRunIDFunc overrides run identifier generation.
func WithRunIDFunc(fn func() string) Option {
	return func(r *TestRunner) {
		if fn != nil {
			r.newRunID = fn
		}
	}
}

// NewTestRunner constructs a TestRunner with the provided dependencies.
func NewTestRunner(cfg *config.Config, st store.Store, analyzer RCAAnalyzer, opts ...Option) (*TestRunner, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if st == nil {
		return nil, errors.New("store must not be nil")
	}
	if analyzer == nil {
		return nil, errors.New("rca analyzer must not be nil")
	}

	runner := &TestRunner{
		cfg:      cfg,
		store:    st,
		rca:      analyzer,
		reporter: NoopReporter{},
		sleep:    time.Sleep,
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		newRunID: uuid.NewString,
	}

	for _, opt := range opts {
		opt(runner)
	}

	if runner.rnd == nil {
		runner.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if runner.execScenario == nil {
		runner.execScenario = func(_ context.Context, sc scenario, sim *simulator.Simulator) (bool, error) {
			return sc.run(sim)
		}
	}

	return runner, nil
}

// ExecuteTest validates the request, enforces the single-running-run
// guarantee, and drives the scenario to a terminal status. It returns
// the run identifier; the persisted status carries the outcome.
func (r *TestRunner) ExecuteTest(ctx context.Context, testType, injectedFailure string, probability float64) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	parsedType, failure, err := validateRequest(testType, injectedFailure, probability)
	if err != nil {
		return "", err
	}
	sc, err := scenarioFor(parsedType)
	if err != nil {
		return "", err
	}

	now := r.now().UTC()
	run := store.TestRun{
		ID:                 r.newRunID(),
		Type:               parsedType,
		Status:             store.StatusRunning,
		StartedAt:          now,
		InjectedFailure:    string(failure),
		FailureProbability: probability,
		CreatedAt:          now,
	}

	authoritative, inserted, err := r.store.CreateRunIfNoneRunning(ctx, run)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if !inserted {
		r.recordDeduplicated(ctx, authoritative)
		return authoritative.ID, nil
	}
	run = authoritative
	r.recordRunStarted(ctx, run)

	return run.ID, r.executeAttempts(ctx, run, sc, failure, probability)
}

func validateRequest(testType, injectedFailure string, probability float64) (store.TestType, simulator.FailureType, error) {
	problems := make([]string, 0)

	parsedType, err := store.ParseTestType(testType)
	if err != nil {
		problems = append(problems, err.Error())
	}
	failure, err := simulator.ParseFailureType(injectedFailure)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if probability < 0 || probability > 1 {
		problems = append(problems, fmt.Sprintf("failure probability %.2f must be within [0,1]", probability))
	}

	if len(problems) > 0 {
		return "", simulator.FailureNone, &ValidationError{Problems: problems}
	}
	return parsedType, failure, nil
}

func (r *TestRunner) executeAttempts(ctx context.Context, run store.TestRun, sc scenario, failure simulator.FailureType, probability float64) error {
	maxAttempts := r.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := r.runAttempt(ctx, run, sc, failure, probability)
		if err == nil {
			return r.finalizeOutcome(ctx, run, res)
		}
		if ctx.Err() != nil {
			ferr := r.finalizeError(ctx, run, fmt.Errorf("execution canceled: %w", ctx.Err()))
			if ferr != nil {
				return ferr
			}
			return ctx.Err()
		}

		final := attempt == maxAttempts-1
		if errors.Is(err, context.DeadlineExceeded) {
			r.recordTimeout(ctx, run, attempt)
			if final {
				return r.finalizeTimeout(ctx, run, maxAttempts)
			}
		} else {
			r.recordAttemptError(ctx, run, attempt, err)
			if final {
				return r.finalizeError(ctx, run, err)
			}
		}

		delay := time.Duration(1<<attempt) * time.Second
		r.recordBackoff(ctx, run, attempt, delay)
		if serr := r.sleepWithContext(ctx, delay); serr != nil {
			ferr := r.finalizeError(ctx, run, fmt.Errorf("execution canceled: %w", serr))
			if ferr != nil {
				return ferr
			}
			return serr
		}
	}
	return nil
}

type attemptResult struct {
	ok   bool
	snap simulator.Snapshot
}

// runAttempt drives one scenario attempt against a brand-new simulator
// under the configured deadline. A cancelled attempt's partial state is
// discarded, never resumed.
func (r *TestRunner) runAttempt(ctx context.Context, run store.TestRun, sc scenario, failure simulator.FailureType, probability float64) (attemptResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	sim, injector := r.newSimulator()
	start := r.now()

	type rawResult struct {
		ok   bool
		snap simulator.Snapshot
		err  error
	}
	ch := make(chan rawResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- rawResult{err: fmt.Errorf("scenario %s panicked: %v", sc.name(), p)}
			}
		}()
		injected := injector.Inject(failure, probability)
		r.recordInjection(ctx, run, failure, injected)
		ok, err := r.execScenario(attemptCtx, sc, sim)
		ch <- rawResult{ok: ok, snap: sim.Snapshot(), err: err}
	}()

	select {
	case <-attemptCtx.Done():
		r.observeAttempt(run, r.now().Sub(start), "timeout")
		return attemptResult{}, attemptCtx.Err()
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				r.observeAttempt(run, r.now().Sub(start), "timeout")
				return attemptResult{}, context.DeadlineExceeded
			}
			r.observeAttempt(run, r.now().Sub(start), "error")
			return attemptResult{}, res.err
		}
		outcome := "failed"
		if res.ok && !res.snap.Failed {
			outcome = "passed"
		}
		r.observeAttempt(run, r.now().Sub(start), outcome)
		return attemptResult{ok: res.ok, snap: res.snap}, nil
	}
}

func (r *TestRunner) newSimulator() (*simulator.Simulator, *simulator.FailureInjector) {
	r.rndMu.Lock()
	simSeed := r.rnd.Int63()
	injectorSeed := r.rnd.Int63()
	r.rndMu.Unlock()

	sim := simulator.New(
		simulator.WithSensorNoise(r.cfg.SensorNoise()),
		simulator.WithRealisticDelays(r.cfg.RealisticDelays()),
		simulator.WithSleepFunc(r.sleep),
		simulator.WithRandSource(rand.NewSource(simSeed)),
		simulator.WithTimeSource(r.now),
	)
	injector := simulator.NewFailureInjector(sim, simulator.WithInjectorRandSource(rand.NewSource(injectorSeed)))
	return sim, injector
}

// finalizeOutcome persists the terminal status of a definitively
// completed attempt. Failed outcomes get a diagnosis persisted before
// the run record is finalized.
func (r *TestRunner) finalizeOutcome(ctx context.Context, run store.TestRun, res attemptResult) error {
	status := store.StatusFailed
	errorCode := ""
	if res.ok && !res.snap.Failed {
		status = store.StatusPassed
	} else {
		errorCode = string(res.snap.FailureReason)
		if errorCode == "" || errorCode == string(simulator.FailureNone) {
			errorCode = errorCodeUnknown
		}
	}

	var rcaErr error
	if status == store.StatusFailed {
		rec, err := r.rca.AnalyzeFailure(detach(ctx), run.ID, res.snap)
		if err != nil {
			// The run must still reach a terminal status.
			rcaErr = fmt.Errorf("rca analysis: %w", err)
		} else {
			r.recordRCA(ctx, run, rec)
		}
	}

	run.Metrics = res.snap.Metrics
	run.Logs = res.snap.Logs
	if err := r.finalizeRun(ctx, run, status, errorCode); err != nil {
		return err
	}
	return rcaErr
}

func (r *TestRunner) finalizeTimeout(ctx context.Context, run store.TestRun, attempts int) error {
	run.Logs = []string{fmt.Sprintf("Test timed out after %d attempts of %s", attempts, r.cfg.Timeout())}
	return r.finalizeRun(ctx, run, store.StatusTimeout, errorCodeTimeout)
}

func (r *TestRunner) finalizeError(ctx context.Context, run store.TestRun, cause error) error {
	run.Logs = []string{cause.Error()}
	return r.finalizeRun(ctx, run, store.StatusFailed, errorCodeExecution)
}

func (r *TestRunner) finalizeRun(ctx context.Context, run store.TestRun, status store.TestStatus, errorCode string) error {
	completed := r.now().UTC()
	run.Status = status
	run.CompletedAt = &completed
	run.DurationMS = float64(completed.Sub(run.StartedAt)) / float64(time.Millisecond)
	run.ErrorCode = errorCode

	if err := r.store.UpdateRun(detach(ctx), run); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	r.recordFinalized(ctx, run)
	return nil
}

// GetResult fetches a run and its diagnosis, when one was recorded.
func (r *TestRunner) GetResult(ctx context.Context, id string) (Result, error) {
	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return Result{}, err
	}
	result := Result{Run: run}
	rec, err := r.store.GetRCARecord(ctx, id)
	switch {
	case err == nil:
		result.RCA = &rec
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, err
	}
	return result, nil
}

// ListResults returns matching runs, most recent first, each paired with
// its diagnosis when one exists.
func (r *TestRunner) ListResults(ctx context.Context, filter store.RunFilter) ([]Result, error) {
	runs, err := r.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		result := Result{Run: run}
		if run.Status == store.StatusFailed {
			rec, err := r.store.GetRCARecord(ctx, run.ID)
			switch {
			case err == nil:
				result.RCA = &rec
			case !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *TestRunner) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// detach strips cancellation so terminal statuses are persisted even
// when the caller's context has already been canceled.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func (r *TestRunner) recordRunStarted(ctx context.Context, run store.TestRun) {
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  r.cfg.NodeName,
		Event: "run_started",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"test_type":           string(run.Type),
			"injected_failure":    run.InjectedFailure,
			"failure_probability": run.FailureProbability,
		},
	})
}

func (r *TestRunner) recordDeduplicated(ctx context.Context, run store.TestRun) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "run_deduplications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"test_type": string(run.Type)},
		Description: "Number of requests coalesced onto an already running test.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Node:    r.cfg.NodeName,
		Event:   "run_deduplicated",
		RunID:   run.ID,
		Message: fmt.Sprintf("a %s test is already running", run.Type),
	})
}

func (r *TestRunner) recordInjection(ctx context.Context, run store.TestRun, failure simulator.FailureType, injected bool) {
	if failure == simulator.FailureNone {
		return
	}
	result := "skipped"
	if injected {
		result = "injected"
	}
	r.reporter.RecordMetric(observability.Metric{
		Name:        "injections_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"category": string(failure), "result": result},
		Description: "Number of failure injection draws grouped by category and result.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  r.cfg.NodeName,
		Event: "failure_injection",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"category": string(failure),
			"result":   result,
		},
	})
}

func (r *TestRunner) observeAttempt(run store.TestRun, duration time.Duration, outcome string) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "attempt_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       duration.Seconds(),
		Labels:      map[string]string{"test_type": string(run.Type), "result": outcome},
		Description: "Duration of individual scenario attempts.",
		Unit:        "seconds",
	})
}

func (r *TestRunner) recordTimeout(ctx context.Context, run store.TestRun, attempt int) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "attempt_timeouts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"test_type": string(run.Type)},
		Description: "Number of scenario attempts canceled at the deadline.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelWarn,
		Node:  r.cfg.NodeName,
		Event: "attempt_timeout",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"attempt":     attempt,
			"timeout_sec": r.cfg.TimeoutSec,
		},
	})
}

func (r *TestRunner) recordAttemptError(ctx context.Context, run store.TestRun, attempt int, err error) {
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelError,
		Node:  r.cfg.NodeName,
		Event: "attempt_error",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		},
	})
}

func (r *TestRunner) recordBackoff(ctx context.Context, run store.TestRun, attempt int, delay time.Duration) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "retry_backoffs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"test_type": string(run.Type)},
		Description: "Number of backoff sleeps taken between attempts.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Node:  r.cfg.NodeName,
		Event: "retry_backoff",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"attempt":   attempt,
			"delay_sec": delay.Seconds(),
		},
	})
}

func (r *TestRunner) recordRCA(ctx context.Context, run store.TestRun, rec store.RCARecord) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "rca_classifications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"category": rec.Category},
		Description: "Number of root cause classifications grouped by category.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelWarn,
		Node:  r.cfg.NodeName,
		Event: "rca_recorded",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"category":   rec.Category,
			"confidence": rec.Confidence,
		},
	})
}

func (r *TestRunner) recordFinalized(ctx context.Context, run store.TestRun) {
	level := observability.LevelInfo
	if run.Status != store.StatusPassed {
		level = observability.LevelWarn
	}
	r.reporter.RecordMetric(observability.Metric{
		Name:        "test_runs_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"test_type": string(run.Type), "status": string(run.Status)},
		Description: "Number of finalized test runs grouped by type and status.",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "test_run_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       run.DurationMS / 1000,
		Labels:      map[string]string{"test_type": string(run.Type), "status": string(run.Status)},
		Description: "Wall clock duration of finalized test runs.",
		Unit:        "seconds",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level: level,
		Node:  r.cfg.NodeName,
		Event: "run_finalized",
		RunID: run.ID,
		Fields: map[string]interface{}{
			"test_type":   string(run.Type),
			"status":      string(run.Status),
			"error_code":  run.ErrorCode,
			"duration_ms": run.DurationMS,
		},
	})
}

var _ RCAAnalyzer = (*rca.Engine)(nil)
