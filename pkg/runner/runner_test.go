package runner

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rackvalidator/rackvalidator/pkg/config"
	"github.com/rackvalidator/rackvalidator/pkg/rca"
	"github.com/rackvalidator/rackvalidator/pkg/simulator"
	"github.com/rackvalidator/rackvalidator/pkg/store"
)

func testConfig() *config.Config {
	noise := 0.0
	delays := false
	return &config.Config{
		NodeName:              "rack-01",
		Store:                 config.StoreConfig{Driver: config.StoreDriverMemory},
		MaxRetries:            3,
		TimeoutSec:            60,
		SensorNoisePercent:    &noise,
		EnableRealisticDelays: &delays,
		RateLimitPerMinute:    10,
	}
}

type runnerFixture struct {
	runner *TestRunner
	store  *store.MemoryStore
	sleeps *[]time.Duration
}

func newTestRunner(t *testing.T, cfg *config.Config) runnerFixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	memStore := store.NewMemoryStore()
	engine, err := rca.NewEngine(memStore)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sleeps := make([]time.Duration, 0)
	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	runner, err := NewTestRunner(cfg, memStore, engine,
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
		WithTimeSource(func() time.Time { return base }),
		WithRandSource(rand.NewSource(42)),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runnerFixture{runner: runner, store: memStore, sleeps: &sleeps}
}

func TestExecuteTestRejectsUnknownType(t *testing.T) {
	fx := newTestRunner(t, nil)

	_, err := fx.runner.ExecuteTest(context.Background(), "warp_drive", "none", 0)
	if err == nil {
		t.Fatal("expected validation error for unknown test type")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}

	runs, err := fx.store.ListRuns(context.Background(), store.RunFilter{})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no records before validation passes, got %d", len(runs))
	}
}

func TestExecuteTestRejectsOutOfRangeProbability(t *testing.T) {
	fx := newTestRunner(t, nil)

	_, err := fx.runner.ExecuteTest(context.Background(), "thermal_ramp", "voltage_droop", 1.5)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestThermalRampPasses(t *testing.T) {
	fx := newTestRunner(t, nil)

	id, err := fx.runner.ExecuteTest(context.Background(), "thermal_ramp", "none", 0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}

	result, err := fx.runner.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	run := result.Run
	if run.Status != store.StatusPassed {
		t.Fatalf("expected passed, got %s (error code %q)", run.Status, run.ErrorCode)
	}
	if run.ErrorCode != "" {
		t.Fatalf("expected empty error code, got %q", run.ErrorCode)
	}
	if run.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}
	temp := run.Metrics["cpu_temp_c"]
	if temp < 80 || temp > 85 {
		t.Fatalf("expected final temperature within [80,85], got %v", temp)
	}
	if result.RCA != nil {
		t.Fatal("expected no diagnosis for a passed run")
	}
}

func TestPowerStressVoltageDroopClassifiedAsPower(t *testing.T) {
	fx := newTestRunner(t, nil)

	id, err := fx.runner.ExecuteTest(context.Background(), "power_stress", "voltage_droop", 1.0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}

	result, err := fx.runner.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result.Run.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Run.Status)
	}
	if result.Run.ErrorCode != string(simulator.FailureVoltageDroop) {
		t.Fatalf("expected voltage_droop error code, got %q", result.Run.ErrorCode)
	}
	if result.RCA == nil {
		t.Fatal("expected a diagnosis for the failed run")
	}
	if result.RCA.Category != string(rca.CategoryPower) {
		t.Fatalf("expected POWER classification, got %s", result.RCA.Category)
	}
}

func TestFirmwareHandoffBootFailureClassifiedAsFirmware(t *testing.T) {
	fx := newTestRunner(t, nil)

	id, err := fx.runner.ExecuteTest(context.Background(), "firmware_handoff", "boot_failure", 1.0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}

	result, err := fx.runner.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result.Run.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Run.Status)
	}
	if result.Run.ErrorCode != string(simulator.FailureBootFailure) {
		t.Fatalf("expected boot_failure error code, got %q", result.Run.ErrorCode)
	}
	if result.RCA == nil {
		t.Fatal("expected a diagnosis for the failed run")
	}
	if result.RCA.Category != string(rca.CategoryFirmware) {
		t.Fatalf("expected FIRMWARE classification, got %s", result.RCA.Category)
	}
	if result.RCA.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %v", result.RCA.Confidence)
	}
}

func TestConcurrentSameTypeReturnsSameRunID(t *testing.T) {
	fx := newTestRunner(t, nil)

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	fx.runner.execScenario = func(_ context.Context, sc scenario, sim *simulator.Simulator) (bool, error) {
		once.Do(func() { close(started) })
		<-release
		return sc.run(sim)
	}

	firstID := make(chan string, 1)
	go func() {
		id, err := fx.runner.ExecuteTest(context.Background(), "cpu_stability", "none", 0)
		if err != nil {
			t.Errorf("first execute: %v", err)
		}
		firstID <- id
	}()

	<-started
	secondID, err := fx.runner.ExecuteTest(context.Background(), "cpu_stability", "none", 0)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	close(release)

	if got := <-firstID; got != secondID {
		t.Fatalf("expected identical run identifiers, got %q and %q", got, secondID)
	}

	runs, err := fx.store.ListRuns(context.Background(), store.RunFilter{Type: store.TestCPUStability})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(runs))
	}
}

func TestTimeoutExhaustionFinalizesRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 4
	fx := newTestRunner(t, cfg)
	fx.runner.execScenario = func(context.Context, scenario, *simulator.Simulator) (bool, error) {
		return false, context.DeadlineExceeded
	}

	id, err := fx.runner.ExecuteTest(context.Background(), "thermal_ramp", "none", 0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}

	run, err := fx.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.StatusTimeout {
		t.Fatalf("expected timeout status, got %s", run.Status)
	}
	if run.ErrorCode != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT error code, got %q", run.ErrorCode)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	got := *fx.sleeps
	if len(got) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected backoff %v at position %d, got %v", want[i], i, got[i])
		}
	}
}

func TestExecutionErrorExhaustionFinalizesRun(t *testing.T) {
	fx := newTestRunner(t, nil)
	fx.runner.execScenario = func(context.Context, scenario, *simulator.Simulator) (bool, error) {
		return false, errors.New("sensor bus wedged")
	}

	id, err := fx.runner.ExecuteTest(context.Background(), "power_stress", "none", 0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}

	run, err := fx.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.StatusFailed {
		t.Fatalf("expected failed status, got %s", run.Status)
	}
	if run.ErrorCode != "EXECUTION_ERROR" {
		t.Fatalf("expected EXECUTION_ERROR, got %q", run.ErrorCode)
	}
	if len(run.Logs) == 0 || run.Logs[0] != "sensor bus wedged" {
		t.Fatalf("expected error text in logs, got %v", run.Logs)
	}
}

func TestDefiniteFailureDoesNotRetry(t *testing.T) {
	fx := newTestRunner(t, nil)

	attempts := 0
	fx.runner.execScenario = func(_ context.Context, sc scenario, sim *simulator.Simulator) (bool, error) {
		attempts++
		return sc.run(sim)
	}

	_, err := fx.runner.ExecuteTest(context.Background(), "power_stress", "voltage_droop", 1.0)
	if err != nil {
		t.Fatalf("execute test: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt for a definite failure, got %d", attempts)
	}
	if len(*fx.sleeps) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", *fx.sleeps)
	}
}

func TestGetResultNotFound(t *testing.T) {
	fx := newTestRunner(t, nil)

	_, err := fx.runner.GetResult(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListResultsAttachesDiagnoses(t *testing.T) {
	fx := newTestRunner(t, nil)
	ctx := context.Background()

	failedID, err := fx.runner.ExecuteTest(ctx, "firmware_handoff", "boot_failure", 1.0)
	if err != nil {
		t.Fatalf("execute failing test: %v", err)
	}
	passedID, err := fx.runner.ExecuteTest(ctx, "thermal_ramp", "none", 0)
	if err != nil {
		t.Fatalf("execute passing test: %v", err)
	}

	results, err := fx.runner.ListResults(ctx, store.RunFilter{})
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].Run.ID != passedID {
		t.Fatalf("expected most recent run first, got %s", results[0].Run.ID)
	}
	if results[0].RCA != nil {
		t.Fatal("expected no diagnosis on the passed run")
	}
	if results[1].Run.ID != failedID {
		t.Fatalf("expected failed run second, got %s", results[1].Run.ID)
	}
	if results[1].RCA == nil {
		t.Fatal("expected diagnosis attached to the failed run")
	}
}

type failingAnalyzer struct{}

func (failingAnalyzer) AnalyzeFailure(context.Context, string, simulator.Snapshot) (store.RCARecord, error) {
	return store.RCARecord{}, errors.New("classifier offline")
}

func TestRCAErrorStillFinalizesRun(t *testing.T) {
	cfg := testConfig()
	memStore := store.NewMemoryStore()
	runner, err := NewTestRunner(cfg, memStore, failingAnalyzer{},
		WithSleepFunc(func(time.Duration) {}),
		WithRandSource(rand.NewSource(7)),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	id, err := runner.ExecuteTest(context.Background(), "power_stress", "voltage_droop", 1.0)
	if err == nil {
		t.Fatal("expected analyzer error to surface")
	}
	if id == "" {
		t.Fatal("expected run identifier despite analyzer error")
	}

	run, err := memStore.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !run.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", run.Status)
	}
}
