package core

import "math"

// ConverterMaxVolts is the hard ceiling the adjustable converter will
// never be driven past, regardless of what a client requests.
const ConverterMaxVolts = 15.0

// converterResolution is the PWM resolution driving the converter's duty
// cycle; unlike the historical calibration-table driver this is a plain
// linear 8-bit mapping from volts to duty.
const converterResolution = 255

// LinearConverter is the default ConverterDriver: it resolves a target
// voltage from either a RAM-only override or the persisted config preset,
// clamps it, and maps it linearly onto an 8-bit PWM duty cycle. It
// deliberately does not consult any per-unit calibration table.
type LinearConverter struct {
	cfg *ConfigStore
	hw  PWMWriter

	override float64 // NaN when no override is active
	on       bool
}

// NewLinearConverter wires a LinearConverter to its configuration and PWM
// hardware channel.
func NewLinearConverter(cfg *ConfigStore, hw PWMWriter) *LinearConverter {
	return &LinearConverter{cfg: cfg, hw: hw, override: math.NaN()}
}

// SetOverride sets a RAM-only target voltage that takes precedence over
// the persisted preset until ClearOverride is called.
func (c *LinearConverter) SetOverride(v float64) {
	c.override = v
}

// ClearOverride reverts to the persisted config preset.
func (c *LinearConverter) ClearOverride() {
	c.override = math.NaN()
}

func (c *LinearConverter) targetVolts() float64 {
	if !math.IsNaN(c.override) {
		return c.override
	}
	return c.cfg.Snapshot().ConverterPreset
}

// SetState turns the converter on at its resolved target voltage, or off.
func (c *LinearConverter) SetState(on bool) error {
	c.on = on
	if !on {
		return c.hw.WriteDuty(0, 0)
	}
	v := clampFloat(c.targetVolts(), 0, ConverterMaxVolts)
	duty := uint32(v / ConverterMaxVolts * converterResolution)
	return c.hw.WriteDuty(0, duty)
}

// Target reports the converter's resolved target voltage and whether its
// output is currently live.
func (c *LinearConverter) Target() (volts float64, on bool) {
	return c.targetVolts(), c.on
}
