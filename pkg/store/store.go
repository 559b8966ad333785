// Package store persists test runs and RCA records. Every backend must
// provide an atomic insert-if-none-running-for-type operation; the
// runner's idempotency guarantee rests on it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// TestType enumerates the supported bring-up scenarios.
type TestType string

const (
	TestThermalRamp     TestType = "thermal_ramp"
	TestPowerStress     TestType = "power_stress"
	TestCPUStability    TestType = "cpu_stability"
	TestFirmwareHandoff TestType = "firmware_handoff"
)

// ParseTestType maps a string onto a known test type.
func ParseTestType(raw string) (TestType, error) {
	switch TestType(raw) {
	case TestThermalRamp, TestPowerStress, TestCPUStability, TestFirmwareHandoff:
		return TestType(raw), nil
	default:
		return "", fmt.Errorf("unknown test type %q", raw)
	}
}

// TestStatus tracks a run through its lifecycle. Transitions only move
// forward: pending → running → {passed, failed, timeout}.
type TestStatus string

const (
	StatusPending TestStatus = "pending"
	StatusRunning TestStatus = "running"
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusTimeout TestStatus = "timeout"
)

// ParseTestStatus maps a string onto a known status.
func ParseTestStatus(raw string) (TestStatus, error) {
	switch TestStatus(raw) {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed, StatusTimeout:
		return TestStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown test status %q", raw)
	}
}

// Terminal reports whether the status ends a run.
func (s TestStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// TestRun is the persisted record of one test invocation.
type TestRun struct {
	ID                 string             `json:"test_id"`
	Type               TestType           `json:"test_type"`
	Status             TestStatus         `json:"status"`
	StartedAt          time.Time          `json:"started_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	DurationMS         float64            `json:"duration_ms"`
	InjectedFailure    string             `json:"injected_failure,omitempty"`
	FailureProbability float64            `json:"failure_probability"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	Logs               []string           `json:"logs,omitempty"`
	ErrorCode          string             `json:"error_code,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// RCARecord is the persisted diagnosis linked to a failed run. It is
// written at most once per run and never mutated afterwards.
type RCARecord struct {
	TestID          string    `json:"test_id"`
	Category        string    `json:"category"`
	Confidence      float64   `json:"confidence"`
	RootCause       string    `json:"root_cause"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"created_at"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status TestStatus
	Type   TestType
	Limit  int
}

// Store is the persistence contract consumed by the runner and the RCA
// engine.
type Store interface {
	// CreateRunIfNoneRunning atomically inserts run unless another run
	// of the same type already holds status running. It returns the
	// authoritative record and whether the insert happened; when it did
	// not, the returned record is the existing running run.
	CreateRunIfNoneRunning(ctx context.Context, run TestRun) (TestRun, bool, error)

	// UpdateRun replaces the stored record for run.ID.
	UpdateRun(ctx context.Context, run TestRun) error

	// GetRun fetches a run by identifier, ErrNotFound when absent.
	GetRun(ctx context.Context, id string) (TestRun, error)

	// ListRuns returns runs matching the filter, most recent first.
	ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error)

	// CreateRCARecord persists a diagnosis.
	CreateRCARecord(ctx context.Context, rec RCARecord) error

	// GetRCARecord fetches the diagnosis for a run, ErrNotFound when absent.
	GetRCARecord(ctx context.Context, testID string) (RCARecord, error)

	// Close releases backend resources.
	Close() error
}
