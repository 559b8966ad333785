package runner

import (
	"fmt"
	"time"

	"github.com/rackvalidator/rackvalidator/pkg/simulator"
	"github.com/rackvalidator/rackvalidator/pkg/store"
)

// Scenario fixed points. Soak values model a unit pinned at its rated
// maximum; the runaway threshold sits above the throttle target so a
// healthy ramp never trips it.
const (
	rampTargetTempC     = 85.0
	runawayTempC        = 90.0
	defaultRampDuration = 2 * time.Second
	stressLoadPercent   = 90.0
	soakFreqMHz         = 3600.0
	soakTempC           = 75.0
	stabilityIntervals  = 5
	stabilityInterval   = 200 * time.Millisecond
)

// scenario drives one validation protocol against an exclusively owned
// simulator. Implementations report pass/fail through the return value
// and through the simulator's failed flag; an error means the protocol
// itself broke, not that the hardware failed.
type scenario interface {
	name() string
	run(sim *simulator.Simulator) (bool, error)
}

// scenarioFor maps a test type onto its protocol. The switch is
// exhaustive over the parsed test types; an unknown value reaching this
// point is a programming error.
func scenarioFor(t store.TestType) (scenario, error) {
	switch t {
	case store.TestThermalRamp:
		return thermalRampScenario{}, nil
	case store.TestPowerStress:
		return powerStressScenario{}, nil
	case store.TestCPUStability:
		return cpuStabilityScenario{}, nil
	case store.TestFirmwareHandoff:
		return firmwareHandoffScenario{}, nil
	default:
		return nil, fmt.Errorf("no scenario for test type %q", t)
	}
}

// thermalRampScenario boots the unit and ramps it to the throttle
// target. Anything above the runaway threshold afterwards is a cooling
// failure regardless of how the ramp itself went.
type thermalRampScenario struct{}

func (thermalRampScenario) name() string { return "thermal_ramp" }

func (thermalRampScenario) run(sim *simulator.Simulator) (bool, error) {
	if !sim.FullBootSequence() {
		return false, nil
	}
	sim.ApplyThermalLoad(rampTargetTempC, defaultRampDuration)
	if sim.CPUTemperature() > runawayTempC {
		sim.MarkFailed(simulator.FailureThermalRunaway)
		sim.AddLog(fmt.Sprintf("Thermal runaway: %.1f°C exceeds %.1f°C limit", sim.CPUTemperature(), runawayTempC))
		return false, nil
	}
	return true, nil
}

// powerStressScenario boots the unit and loads the PSU; the stress call
// itself decides pass or fail based on rail droop.
type powerStressScenario struct{}

func (powerStressScenario) name() string { return "power_stress" }

func (powerStressScenario) run(sim *simulator.Simulator) (bool, error) {
	if !sim.FullBootSequence() {
		return false, nil
	}
	return sim.ApplyPowerStress(stressLoadPercent), nil
}

// cpuStabilityScenario pins the clock at the soak frequency and samples
// temperature and frequency across fixed intervals. There is no failure
// path beyond boot.
type cpuStabilityScenario struct{}

func (cpuStabilityScenario) name() string { return "cpu_stability" }

func (cpuStabilityScenario) run(sim *simulator.Simulator) (bool, error) {
	if !sim.FullBootSequence() {
		return false, nil
	}
	sim.SetCPUFrequency(soakFreqMHz)
	sim.SetCPUTemperature(soakTempC)
	sim.AddLog(fmt.Sprintf("CPU soak started at %.0f MHz", soakFreqMHz))
	for i := 0; i < stabilityIntervals; i++ {
		sim.ReadSensor("cpu_temp", sim.CPUTemperature(), "°C")
		sim.ReadSensor("cpu_freq", sim.CPUFrequency(), "MHz")
		sim.Idle(stabilityInterval)
	}
	sim.AddLog("CPU stability soak complete")
	return true, nil
}

// firmwareHandoffScenario walks the boot stages one at a time and
// verifies each handoff landed on the expected stage before moving on.
type firmwareHandoffScenario struct{}

func (firmwareHandoffScenario) name() string { return "firmware_handoff" }

func (firmwareHandoffScenario) run(sim *simulator.Simulator) (bool, error) {
	sim.BootFirmware()
	if sim.Stage() != simulator.StageBootloader {
		sim.MarkFailed(simulator.FailureBootFailure)
		sim.AddLog("Handoff check failed: firmware did not reach bootloader")
		return false, nil
	}
	sim.BootBootloader()
	if sim.Stage() != simulator.StageOSInit {
		sim.MarkFailed(simulator.FailureBootFailure)
		sim.AddLog("Handoff check failed: bootloader did not reach OS init")
		return false, nil
	}
	return sim.BootOS(), nil
}
