package simulator

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"
)

func newTestSimulator(opts ...Option) *Simulator {
	base := []Option{
		WithRealisticDelays(false),
		WithSensorNoise(0),
		WithRandSource(rand.NewSource(1)),
		WithTimeSource(func() time.Time { return time.Unix(1700000000, 0) }),
	}
	return New(append(base, opts...)...)
}

func TestFullBootSequenceCompletes(t *testing.T) {
	sim := newTestSimulator()

	if !sim.FullBootSequence() {
		t.Fatal("expected default-initialized simulator to boot")
	}
	if sim.Stage() != StageComplete {
		t.Fatalf("expected stage %q, got %q", StageComplete, sim.Stage())
	}
	if sim.Failed() {
		t.Fatal("expected failed flag to be clear after a clean boot")
	}
	if sim.FailureReason() != FailureNone {
		t.Fatalf("unexpected failure reason %q", sim.FailureReason())
	}
	if len(sim.Logs()) == 0 {
		t.Fatal("expected boot to append log entries")
	}
}

func TestBootFirmwareDetectsVoltageDroop(t *testing.T) {
	sim := newTestSimulator()
	sim.voltage12V = 10.0

	if sim.BootFirmware() {
		t.Fatal("expected firmware stage to fail with a drooped 12V rail")
	}
	if !sim.Failed() {
		t.Fatal("expected failed flag to be set")
	}
	if sim.FailureReason() != FailureVoltageDroop {
		t.Fatalf("expected reason %q, got %q", FailureVoltageDroop, sim.FailureReason())
	}
	if sim.Stage() != StageFirmware {
		t.Fatalf("stage must not advance on failure, got %q", sim.Stage())
	}
}

func TestBootBootloaderDetectsStuckFan(t *testing.T) {
	sim := newTestSimulator()
	if !sim.BootFirmware() {
		t.Fatal("firmware stage should succeed")
	}
	sim.fanRPM = 0

	if sim.BootBootloader() {
		t.Fatal("expected bootloader stage to fail with a stalled fan")
	}
	if sim.FailureReason() != FailureFanStuck {
		t.Fatalf("expected reason %q, got %q", FailureFanStuck, sim.FailureReason())
	}
}

func TestBootStagesAbortWhenAlreadyFailed(t *testing.T) {
	sim := newTestSimulator()
	sim.MarkFailed(FailureBootFailure)

	if sim.BootFirmware() {
		t.Fatal("firmware stage must refuse to run on a failed unit")
	}
	if sim.Stage() != StageFirmware {
		t.Fatalf("stage must stay at firmware, got %q", sim.Stage())
	}
	if sim.FullBootSequence() {
		t.Fatal("full boot must fail on a failed unit")
	}
}

func TestApplyThermalLoadRampsAndThrottles(t *testing.T) {
	sim := newTestSimulator()
	start := sim.CPUTemperature()

	sim.ApplyThermalLoad(95.0, 2*time.Second)

	if sim.CPUTemperature() <= start {
		t.Fatalf("expected temperature to rise from %.1f, got %.1f", start, sim.CPUTemperature())
	}
	if math.Abs(sim.CPUTemperature()-95.0) > 0.001 {
		t.Fatalf("expected ramp to reach target, got %.2f", sim.CPUTemperature())
	}
	if sim.CPUFrequency() >= initialCPUFreqMHz {
		t.Fatalf("expected throttling to lower the clock, got %.0f MHz", sim.CPUFrequency())
	}

	throttled := false
	for _, entry := range sim.Logs() {
		if strings.Contains(entry, "Thermal throttling") {
			throttled = true
		}
	}
	if !throttled {
		t.Fatal("expected a throttling log entry above the threshold")
	}
}

func TestThrottleClampsAtFloor(t *testing.T) {
	sim := newTestSimulator()
	sim.cpuFreqMHz = throttleFloorMHz + 50
	sim.cpuTempC = 90.0

	sim.ApplyThermalLoad(100.0, 0)

	if sim.CPUFrequency() != throttleFloorMHz {
		t.Fatalf("expected clock floored at %.0f MHz, got %.0f", throttleFloorMHz, sim.CPUFrequency())
	}
}

func TestApplyPowerStressWithinTolerance(t *testing.T) {
	sim := newTestSimulator()

	if !sim.ApplyPowerStress(90) {
		t.Fatal("expected 90% load to stay within tolerance")
	}
	if sim.Failed() {
		t.Fatal("failed flag must stay clear within tolerance")
	}
	if sim.voltage12V >= initialVoltage12V {
		t.Fatalf("expected the 12V rail to droop, got %.2f", sim.voltage12V)
	}
	if got := sim.Metrics()["power_draw_w"]; math.Abs(got-360.0) > 0.001 {
		t.Fatalf("expected 360W draw at 90%% load, got %.1f", got)
	}
}

func TestApplyPowerStressExceedsTolerance(t *testing.T) {
	sim := newTestSimulator()

	if sim.ApplyPowerStress(120) {
		t.Fatal("expected 120% load to exceed the 12V tolerance")
	}
	if sim.FailureReason() != FailureVoltageDroop {
		t.Fatalf("expected reason %q, got %q", FailureVoltageDroop, sim.FailureReason())
	}
}

func TestReadSensorAppliesBoundedNoise(t *testing.T) {
	sim := newTestSimulator(WithSensorNoise(2.0))

	for i := 0; i < 100; i++ {
		reading := sim.ReadSensor("cpu_temp", 100.0, "°C")
		if reading.Value < 98.0 || reading.Value > 102.0 {
			t.Fatalf("noise exceeded ±2%%: %.3f", reading.Value)
		}
	}
	if got := len(sim.SensorHistory()); got != 100 {
		t.Fatalf("expected 100 recorded readings, got %d", got)
	}
}

func TestReadSensorWithoutNoiseIsExact(t *testing.T) {
	sim := newTestSimulator()

	reading := sim.ReadSensor("voltage_12v", 12.0, "V")
	if reading.Value != 12.0 {
		t.Fatalf("expected exact value with noise disabled, got %v", reading.Value)
	}
	if reading.Name != "voltage_12v" || reading.Unit != "V" {
		t.Fatalf("unexpected reading metadata: %+v", reading)
	}
}

func TestResetClearsState(t *testing.T) {
	sim := newTestSimulator()
	sim.FullBootSequence()
	sim.MarkFailed(FailureThermalRunaway)

	sim.Reset()

	if sim.Stage() != StageFirmware {
		t.Fatalf("expected stage reset to firmware, got %q", sim.Stage())
	}
	if sim.Failed() || sim.FailureReason() != FailureNone {
		t.Fatal("expected failure state cleared")
	}
	if len(sim.Logs()) != 0 || len(sim.SensorHistory()) != 0 {
		t.Fatal("expected logs and history cleared")
	}
}

func TestSnapshotCapturesTerminalState(t *testing.T) {
	sim := newTestSimulator()
	sim.FullBootSequence()

	snap := sim.Snapshot()
	if snap.Stage != StageComplete {
		t.Fatalf("unexpected stage %q", snap.Stage)
	}
	if snap.Metrics["cpu_temp_c"] != postBootCPUTempC {
		t.Fatalf("unexpected post-boot temperature %.1f", snap.Metrics["cpu_temp_c"])
	}
	if snap.Metrics["sensor_readings"] != float64(len(sim.SensorHistory())) {
		t.Fatal("snapshot reading count out of sync with history")
	}

	// The snapshot must be detached from the live simulator.
	snap.Metrics["cpu_temp_c"] = -1
	if sim.Metrics()["cpu_temp_c"] == -1 {
		t.Fatal("snapshot metrics must be a copy")
	}
}

func TestParseFailureType(t *testing.T) {
	cases := []struct {
		raw     string
		want    FailureType
		wantErr bool
	}{
		{"none", FailureNone, false},
		{"", FailureNone, false},
		{"thermal_runaway", FailureThermalRunaway, false},
		{"voltage_droop", FailureVoltageDroop, false},
		{"boot_failure", FailureBootFailure, false},
		{"fan_stuck", FailureFanStuck, false},
		{"meltdown", FailureNone, true},
	}

	for _, tc := range cases {
		got, err := ParseFailureType(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFailureType(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
