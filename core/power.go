package core

import (
	"fmt"
	"sync"

	"github.com/amken3d/duskguard/protocol"
)

// ConverterDriver is the interface PowerArbiter drives the adjustable
// converter through. LinearConverter is the default implementation.
type ConverterDriver interface {
	SetState(on bool) error
	Target() (volts float64, on bool)
	SetOverride(v float64)
	ClearOverride()
}

// plainOutputs lists the seven directly-switched rails, in their wire
// order.
var plainOutputs = []string{"d1", "d2", "d3", "d4", "d5", "u12", "u34"}

// PowerArbiter is the single point of contact between the command
// dispatcher and every switched output on the board: five DC rails, two
// USB group switches, the adjustable converter, and (read-mostly) the two
// dew heater channels.
type PowerArbiter struct {
	mu sync.Mutex

	cfg       *ConfigStore
	gpio      GPIODriver
	converter ConverterDriver
	heaters   *HeaterController

	plainState map[string]bool
}

// NewPowerArbiter wires a PowerArbiter to its collaborators.
func NewPowerArbiter(cfg *ConfigStore, gpio GPIODriver, converter ConverterDriver, heaters *HeaterController) *PowerArbiter {
	return &PowerArbiter{
		cfg:        cfg,
		gpio:       gpio,
		converter:  converter,
		heaters:    heaters,
		plainState: make(map[string]bool, len(plainOutputs)),
	}
}

func startupState(cfg PowerStartupStates, name string) Tristate {
	switch name {
	case "d1":
		return cfg.DC1
	case "d2":
		return cfg.DC2
	case "d3":
		return cfg.DC3
	case "d4":
		return cfg.DC4
	case "d5":
		return cfg.DC5
	case "u12":
		return cfg.USBC12
	case "u34":
		return cfg.USB345
	case "adj":
		return cfg.Converter
	}
	return StateOff
}

// Init applies every output's configured startup state. Disabled outputs
// are left off.
func (a *PowerArbiter) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.cfg.Snapshot()
	for _, name := range plainOutputs {
		on := startupState(cfg.PowerStartup, name) == StateOn
		a.plainState[name] = on
		if err := a.gpio.Set(name, on); err != nil {
			return err
		}
	}
	if startupState(cfg.PowerStartup, "adj") == StateOn {
		if err := a.converter.SetState(true); err != nil {
			return err
		}
	}
	return nil
}

func (a *PowerArbiter) isDisabled(cfg Config, name string) bool {
	switch name {
	case "pwm1":
		return cfg.Heaters[0].Mode == ModeDisabled
	case "pwm2":
		return cfg.Heaters[1].Mode == ModeDisabled
	default:
		return startupState(cfg.PowerStartup, name) == StateDisabled
	}
}

// Set applies a single {"set": {...}} entry. "all" fans out to every
// non-disabled output.
func (a *PowerArbiter) Set(name string, val protocol.RawSettable) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.cfg.Snapshot()

	if name == "all" {
		var firstErr error
		for _, n := range append(append([]string{}, plainOutputs...), "adj", "pwm1", "pwm2") {
			if a.isDisabled(cfg, n) {
				continue
			}
			if err := a.setLocked(n, val, cfg); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if a.isDisabled(cfg, name) && wouldEnable(name, val) {
		return fmt.Errorf("Cannot enable disabled output: %s", name)
	}
	return a.setLocked(name, val, cfg)
}

// wouldEnable reports whether val, applied to the named output, is an
// attempt to turn it on. A disabled output only refuses enable attempts —
// turning it (further) off is always allowed.
func wouldEnable(name string, val protocol.RawSettable) bool {
	switch name {
	case "pwm1", "pwm2":
		if val.IsBool {
			return val.Bool
		}
		// Any numeric pwm1/pwm2 set enables the channel, regardless of
		// the power value requested.
		return true
	default:
		if val.IsBool {
			return val.Bool
		}
		return val.Number > 0
	}
}

func (a *PowerArbiter) setLocked(name string, val protocol.RawSettable, cfg Config) error {
	switch name {
	case "adj":
		return a.setConverter(val)
	case "pwm1":
		return a.setHeaterOverride(0, val, cfg)
	case "pwm2":
		return a.setHeaterOverride(1, val, cfg)
	default:
		if !contains(plainOutputs, name) {
			return fmt.Errorf("unknown output: %s", name)
		}
		on := val.IsBool && val.Bool
		if !val.IsBool {
			on = val.Number > 0
		}
		a.plainState[name] = on
		return a.gpio.Set(name, on)
	}
}

func (a *PowerArbiter) setConverter(val protocol.RawSettable) error {
	if val.IsBool {
		if val.Bool {
			a.converter.ClearOverride()
			return a.converter.SetState(true)
		}
		return a.converter.SetState(false)
	}
	if val.Number <= 0 {
		return a.converter.SetState(false)
	}
	a.converter.SetOverride(val.Number)
	return a.converter.SetState(true)
}

// setHeaterOverride implements the same "boolean resets to config
// default, number is a RAM-only override" convention as the converter,
// applied to a dew heater channel's manual power.
func (a *PowerArbiter) setHeaterOverride(channel int, val protocol.RawSettable, cfg Config) error {
	if val.IsBool {
		if val.Bool {
			a.heaters.ClearOverride(channel)
		} else {
			a.heaters.SetOverride(channel, 0)
		}
		return nil
	}
	power := int(val.Number)
	if power < 0 {
		power = 0
	}
	if power > 100 {
		power = 100
	}
	a.heaters.SetOverride(channel, power)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Status projects the current state of every output into its wire form.
func (a *PowerArbiter) Status() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.cfg.Snapshot()
	out := make(map[string]interface{}, len(plainOutputs)+3)
	for _, name := range plainOutputs {
		out[name] = boolToInt(a.plainState[name])
	}

	volts, on := a.converter.Target()
	if on {
		out["adj"] = volts
	} else {
		out["adj"] = false
	}

	for i, key := range []string{"pwm1", "pwm2"} {
		h := cfg.Heaters[i]
		switch {
		case h.Mode == ModeDisabled:
			out[key] = false
		case h.Mode == ModeManual:
			out[key] = a.heaters.LivePower(i)
		default:
			out[key] = true
		}
	}
	return out
}

// RedriveConverterIfOn reapplies the converter's target voltage if it is
// currently live. It's used after a config patch changes the converter
// preset out from under an already-running converter.
func (a *PowerArbiter) RedriveConverterIfOn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, on := a.converter.Target(); on {
		return a.converter.SetState(true)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
