package simulator

import (
	"fmt"
	"math/rand"
	"time"
)

// BootStage identifies a step in the linear startup progression.
type BootStage string

const (
	StageFirmware   BootStage = "firmware"
	StageBootloader BootStage = "bootloader"
	StageOSInit     BootStage = "os_init"
	StageComplete   BootStage = "complete"
)

// FailureType enumerates the fault categories understood by the injector
// and carried as the simulator's failure reason.
type FailureType string

const (
	FailureNone           FailureType = "none"
	FailureThermalRunaway FailureType = "thermal_runaway"
	FailureVoltageDroop   FailureType = "voltage_droop"
	FailureBootFailure    FailureType = "boot_failure"
	FailureFanStuck       FailureType = "fan_stuck"
)

// ParseFailureType maps a string onto a known failure type.
func ParseFailureType(raw string) (FailureType, error) {
	switch FailureType(raw) {
	case FailureNone, FailureThermalRunaway, FailureVoltageDroop, FailureBootFailure, FailureFanStuck:
		return FailureType(raw), nil
	case "":
		return FailureNone, nil
	default:
		return FailureNone, fmt.Errorf("unknown failure type %q", raw)
	}
}

// SensorReading records a single noisy sensor sample. Readings are
// append-only and never mutated after capture.
type SensorReading struct {
	Name      string
	Value     float64
	Unit      string
	Timestamp time.Time
}

// Initial hardware state and boot-time fixed points.
const (
	initialCPUTempC    = 25.0
	initialCPUFreqMHz  = 2400.0
	initialVoltage12V  = 12.0
	initialVoltage5V   = 5.0
	initialVoltage3V3  = 3.3
	initialFanRPM      = 2000.0
	initialPowerDrawW  = 150.0
	bootloaderFreqMHz  = 3200.0
	postBootPowerDrawW = 250.0
	postBootCPUTempC   = 45.0

	throttleTempC     = 85.0
	throttleStepMHz   = 200.0
	throttleFloorMHz  = 1200.0
	thermalRampSteps  = 10
	firmwareMin12V    = 11.5
	stressMin12V      = 10.8
	fanStallRPM       = 500.0
	stressMaxDrawW    = 400.0
	railDroopPerLoad  = 0.1
	firmwareStageWait = 100 * time.Millisecond
	bootloaderWait    = 50 * time.Millisecond
	osInitWait        = 150 * time.Millisecond
)

// Simulator owns the mutable hardware state of one simulated rack unit:
// the boot stage machine, sensor values, the append-only event log, and
// the append-only sensor history. An instance is cheap and must be
// created fresh per execution attempt; it is not safe for concurrent use.
type Simulator struct {
	stage         BootStage
	cpuTempC      float64
	cpuFreqMHz    float64
	voltage12V    float64
	voltage5V     float64
	voltage3V3    float64
	fanRPM        float64
	powerDrawW    float64
	logs          []string
	history       []SensorReading
	failed        bool
	failureReason FailureType

	noisePercent    float64
	realisticDelays bool
	sleep           func(time.Duration)
	rnd             *rand.Rand
	now             func() time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSensorNoise sets the symmetric uniform noise percentage applied to
// every sensor sample. Zero disables noise entirely.
func WithSensorNoise(percent float64) Option {
	return func(s *Simulator) {
		if percent >= 0 {
			s.noisePercent = percent
		}
	}
}

// WithRealisticDelays toggles the pacing sleeps inside stage transitions
// and ramp steps. Tests disable them for determinism.
func WithRealisticDelays(enabled bool) Option {
	return func(s *Simulator) {
		s.realisticDelays = enabled
	}
}

// WithSleepFunc overrides the sleep implementation used for pacing.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(s *Simulator) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithRandSource injects a deterministic random source for sensor noise.
func WithRandSource(src rand.Source) Option {
	return func(s *Simulator) {
		s.rnd = rand.New(src)
	}
}

// WithTimeSource injects a custom time source for log and reading timestamps.
func WithTimeSource(fn func() time.Time) Option {
	return func(s *Simulator) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New constructs a Simulator in its power-on state.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		sleep: time.Sleep,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
	s.resetHardware()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset returns the hardware to its power-on state, clearing logs,
// sensor history, and any failure flags. Configuration knobs survive.
func (s *Simulator) Reset() {
	s.resetHardware()
}

func (s *Simulator) resetHardware() {
	s.stage = StageFirmware
	s.cpuTempC = initialCPUTempC
	s.cpuFreqMHz = initialCPUFreqMHz
	s.voltage12V = initialVoltage12V
	s.voltage5V = initialVoltage5V
	s.voltage3V3 = initialVoltage3V3
	s.fanRPM = initialFanRPM
	s.powerDrawW = initialPowerDrawW
	s.logs = nil
	s.history = nil
	s.failed = false
	s.failureReason = FailureNone
}

// AddLog appends a timestamped entry to the event log.
func (s *Simulator) AddLog(message string) {
	entry := fmt.Sprintf("[%s] %s", s.now().UTC().Format(time.RFC3339Nano), message)
	s.logs = append(s.logs, entry)
}

// ReadSensor applies the configured noise to the true value and records
// the resulting sample. Noise is drawn independently per call.
func (s *Simulator) ReadSensor(name string, value float64, unit string) SensorReading {
	if s.noisePercent > 0 {
		noise := (s.rnd.Float64()*2 - 1) * s.noisePercent / 100
		value = value * (1 + noise)
	}
	reading := SensorReading{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Timestamp: s.now(),
	}
	s.history = append(s.history, reading)
	return reading
}

// BootFirmware runs the firmware POST stage. It fails with reason
// voltage_droop when the 12V rail is out of spec, and refuses to run at
// all when the unit is already in a failed state.
func (s *Simulator) BootFirmware() bool {
	if s.failed {
		s.AddLog("Firmware initialization aborted: unit already failed")
		return false
	}
	s.AddLog("Starting firmware initialization")
	s.pause(firmwareStageWait)

	s.AddLog("Running POST checks")
	s.ReadSensor("cpu_temp", s.cpuTempC, "°C")
	s.ReadSensor("voltage_12v", s.voltage12V, "V")

	if s.voltage12V < firmwareMin12V {
		s.AddLog("ERROR: Voltage rail 12V out of spec")
		s.markFailed(FailureVoltageDroop)
		return false
	}

	s.AddLog("Firmware initialized successfully")
	s.stage = StageBootloader
	return true
}

// BootBootloader raises the CPU clock and verifies the fan is spinning.
func (s *Simulator) BootBootloader() bool {
	if s.failed {
		s.AddLog("Bootloader stage aborted: unit already failed")
		return false
	}
	s.AddLog("Loading bootloader")
	s.pause(bootloaderWait)

	s.cpuFreqMHz = bootloaderFreqMHz
	s.AddLog(fmt.Sprintf("CPU frequency set to %.0f MHz", s.cpuFreqMHz))

	s.ReadSensor("cpu_freq", s.cpuFreqMHz, "MHz")
	s.ReadSensor("fan_rpm", s.fanRPM, "RPM")

	if s.fanRPM < fanStallRPM {
		s.AddLog("ERROR: Fan not spinning")
		s.markFailed(FailureFanStuck)
		return false
	}

	s.AddLog("Bootloader loaded successfully")
	s.stage = StageOSInit
	return true
}

// BootOS initialises the operating system. The stage always advances;
// the raised power draw and temperature reflect the post-boot load.
func (s *Simulator) BootOS() bool {
	if s.failed {
		s.AddLog("OS initialization aborted: unit already failed")
		return false
	}
	s.AddLog("Initializing operating system")
	s.pause(osInitWait)

	s.powerDrawW = postBootPowerDrawW
	s.cpuTempC = postBootCPUTempC

	s.ReadSensor("power_draw", s.powerDrawW, "W")
	s.ReadSensor("cpu_temp", s.cpuTempC, "°C")

	s.AddLog("OS initialized successfully")
	s.stage = StageComplete
	return true
}

// FullBootSequence drives the three stage transitions in order, stopping
// at the first failure.
func (s *Simulator) FullBootSequence() bool {
	stages := []struct {
		name string
		fn   func() bool
	}{
		{"Firmware", s.BootFirmware},
		{"Bootloader", s.BootBootloader},
		{"OS", s.BootOS},
	}

	for _, stage := range stages {
		if !stage.fn() {
			s.AddLog(fmt.Sprintf("Boot failed at %s stage", stage.name))
			return false
		}
	}

	s.AddLog("System boot complete")
	return true
}

// ApplyThermalLoad ramps the CPU temperature linearly to the target over
// a fixed number of steps, throttling the clock whenever the temperature
// exceeds the throttle threshold.
func (s *Simulator) ApplyThermalLoad(targetTempC float64, duration time.Duration) {
	stepSize := (targetTempC - s.cpuTempC) / thermalRampSteps

	for i := 0; i < thermalRampSteps; i++ {
		s.cpuTempC += stepSize
		s.ReadSensor("cpu_temp", s.cpuTempC, "°C")

		if s.cpuTempC > throttleTempC {
			s.cpuFreqMHz -= throttleStepMHz
			if s.cpuFreqMHz < throttleFloorMHz {
				s.cpuFreqMHz = throttleFloorMHz
			}
			s.AddLog(fmt.Sprintf("Thermal throttling: CPU freq reduced to %.0f MHz", s.cpuFreqMHz))
		}

		s.pause(duration / thermalRampSteps)
	}

	s.AddLog(fmt.Sprintf("Thermal load complete: %.1f°C", s.cpuTempC))
}

// ApplyPowerStress loads all rails proportionally to loadPercent and
// reports whether the 12V rail stayed within its 10% tolerance.
func (s *Simulator) ApplyPowerStress(loadPercent float64) bool {
	s.powerDrawW = stressMaxDrawW * (loadPercent / 100)

	droop := loadPercent / 100 * railDroopPerLoad
	s.voltage12V = initialVoltage12V * (1 - droop)
	s.voltage5V = initialVoltage5V * (1 - droop)
	s.voltage3V3 = initialVoltage3V3 * (1 - droop)

	s.ReadSensor("power_draw", s.powerDrawW, "W")
	s.ReadSensor("voltage_12v", s.voltage12V, "V")
	s.ReadSensor("voltage_5v", s.voltage5V, "V")
	s.ReadSensor("voltage_3v3", s.voltage3V3, "V")

	if s.voltage12V < stressMin12V {
		s.AddLog("CRITICAL: Voltage droop exceeds tolerance")
		s.markFailed(FailureVoltageDroop)
		return false
	}

	s.AddLog(fmt.Sprintf("Power stress applied: %.1fW", s.powerDrawW))
	return true
}

// MarkFailed flags the unit as failed with the given reason. The reason
// is only recorded together with the flag so the two stay consistent.
func (s *Simulator) MarkFailed(reason FailureType) {
	s.markFailed(reason)
}

func (s *Simulator) markFailed(reason FailureType) {
	s.failed = true
	s.failureReason = reason
}

// Idle pauses for the given duration when realistic delays are enabled.
// Scenario protocols use it to model sustained load intervals.
func (s *Simulator) Idle(d time.Duration) {
	s.pause(d)
}

func (s *Simulator) pause(d time.Duration) {
	if s.realisticDelays && d > 0 {
		s.sleep(d)
	}
}

// Stage returns the current boot stage.
func (s *Simulator) Stage() BootStage { return s.stage }

// Failed reports whether the unit is in a failed state.
func (s *Simulator) Failed() bool { return s.failed }

// FailureReason returns the recorded failure reason, FailureNone when
// the unit has not failed.
func (s *Simulator) FailureReason() FailureType { return s.failureReason }

// CPUTemperature returns the current true CPU temperature in °C.
func (s *Simulator) CPUTemperature() float64 { return s.cpuTempC }

// CPUFrequency returns the current CPU clock in MHz.
func (s *Simulator) CPUFrequency() float64 { return s.cpuFreqMHz }

// SetCPUFrequency overrides the CPU clock. Scenario protocols use it to
// pin the clock at a soak frequency.
func (s *Simulator) SetCPUFrequency(mhz float64) { s.cpuFreqMHz = mhz }

// SetCPUTemperature overrides the true CPU temperature.
func (s *Simulator) SetCPUTemperature(tempC float64) { s.cpuTempC = tempC }

// Logs returns a copy of the event log.
func (s *Simulator) Logs() []string {
	return append([]string(nil), s.logs...)
}

// SensorHistory returns a copy of the recorded sensor readings.
func (s *Simulator) SensorHistory() []SensorReading {
	return append([]SensorReading(nil), s.history...)
}

// Metrics returns the current metric snapshot keyed by metric name.
func (s *Simulator) Metrics() map[string]float64 {
	return map[string]float64{
		"cpu_temp_c":      s.cpuTempC,
		"cpu_freq_mhz":    s.cpuFreqMHz,
		"voltage_12v":     s.voltage12V,
		"voltage_5v":      s.voltage5V,
		"voltage_3v3":     s.voltage3V3,
		"fan_rpm":         s.fanRPM,
		"power_draw_w":    s.powerDrawW,
		"sensor_readings": float64(len(s.history)),
	}
}

// Snapshot captures the terminal state handed to the RCA engine after a
// scenario completes. It is a value copy; the simulator can be discarded
// once the snapshot is taken.
type Snapshot struct {
	Stage         BootStage
	Failed        bool
	FailureReason FailureType
	Metrics       map[string]float64
	Logs          []string
}

// Snapshot extracts the current terminal state.
func (s *Simulator) Snapshot() Snapshot {
	return Snapshot{
		Stage:         s.stage,
		Failed:        s.failed,
		FailureReason: s.failureReason,
		Metrics:       s.Metrics(),
		Logs:          s.Logs(),
	}
}
