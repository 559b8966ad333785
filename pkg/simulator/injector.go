package simulator

import (
	"math/rand"
	"time"
)

// Injected pre-failure values.
const (
	injectedRunawayTempC = 95.0
	injectedDroop12V     = 10.5
	injectedDroop5V      = 4.5
)

// FailureInjector forces a Simulator into a pre-failure condition for one
// of the four fault categories. Injection is gated by a single uniform
// random draw against the requested probability.
type FailureInjector struct {
	sim *Simulator
	rnd *rand.Rand
}

// InjectorOption configures a FailureInjector.
type InjectorOption func(*FailureInjector)

// WithInjectorRandSource injects a deterministic random source used for
// the probability draw.
func WithInjectorRandSource(src rand.Source) InjectorOption {
	return func(i *FailureInjector) {
		i.rnd = rand.New(src)
	}
}

// NewFailureInjector constructs an injector operating on the given simulator.
func NewFailureInjector(sim *Simulator, opts ...InjectorOption) *FailureInjector {
	inj := &FailureInjector{
		sim: sim,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(inj)
	}
	return inj
}

// Inject applies the requested failure with the given probability and
// reports whether the mutation was applied. A draw above the probability
// skips the injection without touching simulator state.
func (i *FailureInjector) Inject(failure FailureType, probability float64) bool {
	if failure == FailureNone {
		return false
	}
	if i.rnd.Float64() > probability {
		i.sim.AddLog("Failure injection skipped based on probability")
		return false
	}

	switch failure {
	case FailureThermalRunaway:
		i.sim.AddLog("INJECTED FAILURE: Thermal runaway")
		i.sim.cpuTempC = injectedRunawayTempC
		i.sim.markFailed(FailureThermalRunaway)
	case FailureVoltageDroop:
		i.sim.AddLog("INJECTED FAILURE: Voltage droop")
		i.sim.voltage12V = injectedDroop12V
		i.sim.voltage5V = injectedDroop5V
		i.sim.markFailed(FailureVoltageDroop)
	case FailureBootFailure:
		// No field mutation: the failed flag alone trips the boot
		// transition checks.
		i.sim.AddLog("INJECTED FAILURE: Boot failure")
		i.sim.markFailed(FailureBootFailure)
	case FailureFanStuck:
		i.sim.AddLog("INJECTED FAILURE: Fan stuck")
		i.sim.fanRPM = 0
		i.sim.markFailed(FailureFanStuck)
	default:
		return false
	}
	return true
}
