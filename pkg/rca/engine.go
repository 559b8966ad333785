// Package rca classifies failed bring-up runs into a root-cause category
// with a confidence score and recommended actions. Classification is an
// ordered cascade of predicates: the first matching rule wins, so the
// rule list must stay a slice, never a map.
package rca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rackvalidator/rackvalidator/pkg/simulator"
	"github.com/rackvalidator/rackvalidator/pkg/store"
)

// Category labels the diagnosed failure domain.
type Category string

const (
	CategoryThermal  Category = "THERMAL"
	CategoryPower    Category = "POWER"
	CategoryFirmware Category = "FIRMWARE"
	CategoryOS       Category = "OS"
	CategoryUnknown  Category = "UNKNOWN"
)

// features is the flattened view of a terminal simulator state consumed
// by the classification rules.
type features struct {
	cpuTempC      float64
	voltage12V    float64
	voltage5V     float64
	fanRPM        float64
	bootStage     simulator.BootStage
	failureReason simulator.FailureType
}

// rule pairs a predicate with its classification outcome. Confidence may
// depend on the features.
type rule struct {
	name     string
	matches  func(features) bool
	classify func(features) (Category, float64)
}

// RecordWriter is the slice of the store the engine needs.
type RecordWriter interface {
	CreateRCARecord(ctx context.Context, rec store.RCARecord) error
}

// Engine runs the classification cascade and persists the diagnosis.
type Engine struct {
	records RecordWriter
	rules   []rule
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeSource injects a custom time source for record timestamps.
func WithTimeSource(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine writing diagnoses through records.
func NewEngine(records RecordWriter, opts ...Option) (*Engine, error) {
	if records == nil {
		return nil, errors.New("record writer must not be nil")
	}

	engine := &Engine{
		records: records,
		rules:   classificationCascade(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// classificationCascade returns the rules in evaluation order.
func classificationCascade() []rule {
	return []rule{
		{
			name:    "thermal_overtemp",
			matches: func(f features) bool { return f.cpuTempC > 90 },
			classify: func(f features) (Category, float64) {
				return CategoryThermal, clamp((f.cpuTempC - 85) / 15)
			},
		},
		{
			name:    "power_rail_low",
			matches: func(f features) bool { return f.voltage12V < 11.0 || f.voltage5V < 4.5 },
			classify: func(f features) (Category, float64) {
				deviation := abs(12.0-f.voltage12V) / 12.0
				return CategoryPower, clamp(deviation * 10)
			},
		},
		{
			name: "firmware_boot_failure",
			matches: func(f features) bool {
				return (f.bootStage == simulator.StageFirmware || f.bootStage == simulator.StageBootloader) &&
					f.failureReason == simulator.FailureBootFailure
			},
			classify: func(features) (Category, float64) { return CategoryFirmware, 0.95 },
		},
		{
			name: "os_boot_failure",
			matches: func(f features) bool {
				return f.bootStage == simulator.StageOSInit && f.failureReason == simulator.FailureBootFailure
			},
			classify: func(features) (Category, float64) { return CategoryOS, 0.90 },
		},
		{
			name:     "fan_stall",
			matches:  func(f features) bool { return f.fanRPM < 500 },
			classify: func(features) (Category, float64) { return CategoryThermal, 0.85 },
		},
		{
			name:     "unknown",
			matches:  func(features) bool { return true },
			classify: func(features) (Category, float64) { return CategoryUnknown, 0.30 },
		},
	}
}

// AnalyzeFailure classifies the terminal state of a failed run, builds
// the narrative and recommendations, and persists the resulting record.
func (e *Engine) AnalyzeFailure(ctx context.Context, testID string, snap simulator.Snapshot) (store.RCARecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	feats := extractFeatures(snap)
	category, confidence := e.classify(feats)

	rec := store.RCARecord{
		TestID:          testID,
		Category:        string(category),
		Confidence:      confidence,
		RootCause:       rootCauseNarrative(category, feats),
		Recommendations: recommendationsFor(category),
		CreatedAt:       e.now().UTC(),
	}

	if err := e.records.CreateRCARecord(ctx, rec); err != nil {
		return store.RCARecord{}, fmt.Errorf("persist rca record: %w", err)
	}
	return rec, nil
}

// Classify runs the cascade without persisting anything.
func (e *Engine) Classify(snap simulator.Snapshot) (Category, float64) {
	return e.classify(extractFeatures(snap))
}

func (e *Engine) classify(feats features) (Category, float64) {
	for _, r := range e.rules {
		if r.matches(feats) {
			return r.classify(feats)
		}
	}
	return CategoryUnknown, 0.30
}

func extractFeatures(snap simulator.Snapshot) features {
	return features{
		cpuTempC:      snap.Metrics["cpu_temp_c"],
		voltage12V:    snap.Metrics["voltage_12v"],
		voltage5V:     snap.Metrics["voltage_5v"],
		fanRPM:        snap.Metrics["fan_rpm"],
		bootStage:     snap.Stage,
		failureReason: snap.FailureReason,
	}
}

func rootCauseNarrative(category Category, f features) string {
	switch category {
	case CategoryThermal:
		if f.fanRPM < 500 {
			return fmt.Sprintf("Fan failure detected (RPM: %.0f). Insufficient cooling causing thermal runaway.", f.fanRPM)
		}
		return fmt.Sprintf("CPU temperature exceeded safe operating limits (%.1f°C). Possible cooling system degradation or excessive workload.", f.cpuTempC)
	case CategoryPower:
		return fmt.Sprintf("Voltage rail out of specification. 12V rail measured at %.2fV (spec: 11.4-12.6V). Likely PSU failure or excessive load.", f.voltage12V)
	case CategoryFirmware:
		return fmt.Sprintf("System failed during %s stage. Firmware corruption or incompatible version suspected.", f.bootStage)
	case CategoryOS:
		return "Operating system initialization failed. Possible kernel panic, driver issue, or corrupted boot image."
	default:
		return fmt.Sprintf("Failure cause unclear. System state: %s, failure reason: %s", f.bootStage, f.failureReason)
	}
}

func recommendationsFor(category Category) []string {
	switch category {
	case CategoryThermal:
		return []string{
			"Verify fan operation and replace if RPM < 1000",
			"Clean dust from heatsinks and air intakes",
			"Check thermal paste application on CPU",
			"Reduce ambient temperature or improve rack airflow",
			"Consider thermal throttling threshold adjustment",
		}
	case CategoryPower:
		return []string{
			"Inspect power supply unit for failures",
			"Measure voltage rails under load with oscilloscope",
			"Check for loose power connectors",
			"Verify power distribution board integrity",
			"Replace PSU if voltage deviation exceeds 5%",
		}
	case CategoryFirmware:
		return []string{
			"Reflash firmware to known-good version",
			"Verify firmware checksums match golden image",
			"Check for BIOS/UEFI corruption",
			"Update to latest stable firmware release",
			"Review boot logs for specific error codes",
		}
	case CategoryOS:
		return []string{
			"Boot in safe mode to isolate driver issues",
			"Check kernel logs for panic messages",
			"Verify boot image integrity",
			"Test with minimal driver set",
			"Reinstall OS if corruption suspected",
		}
	default:
		return []string{
			"Collect full system logs for manual analysis",
			"Run comprehensive hardware diagnostics",
			"Check for intermittent connection issues",
			"Monitor system over extended period",
			"Escalate to hardware engineering team",
		}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
