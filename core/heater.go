package core

import "math"

const (
	heaterPWMMax   = 1023
	heaterGamma    = 1.0 / 2.5
	heaterChannels = 2
)

// gammaDuty maps a linear 0-100 power percentage onto the heater's 10-bit
// PWM range through a gamma curve, so perceived heat output (and visible
// LED brightness on some boards) ramps roughly linearly with percentage
// instead of with raw duty cycle.
func gammaDuty(percent float64) uint32 {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return heaterPWMMax
	}
	return uint32(math.Round(math.Pow(percent/100, heaterGamma) * heaterPWMMax))
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// HeaterController evaluates both dew heater channels on a fixed tick and
// drives their PWM outputs. Each channel owns its PID state independently
// so a mode switch or a tuning change on one channel never disturbs the
// other's controller history.
type HeaterController struct {
	cfg   *ConfigStore
	cache *SensorCache
	pwm   PWMWriter

	pids      [heaterChannels]PID
	lastMode  [heaterChannels]HeaterMode
	livePower [heaterChannels]int
	override  [heaterChannels]*int
}

// SetOverride forces a channel's live output power, bypassing whatever
// its configured mode would otherwise compute, until ClearOverride is
// called. This backs the "set" command's numeric pwm1/pwm2 override,
// which is RAM-only and never persisted to configuration.
func (h *HeaterController) SetOverride(channel, power int) {
	if channel < 0 || channel >= heaterChannels {
		return
	}
	v := clampInt(power, 0, 100)
	h.override[channel] = &v
}

// ClearOverride reverts a channel to its configured mode's output.
func (h *HeaterController) ClearOverride(channel int) {
	if channel < 0 || channel >= heaterChannels {
		return
	}
	h.override[channel] = nil
}

// NewHeaterController wires a HeaterController to its configuration,
// sensor cache and PWM hardware.
func NewHeaterController(cfg *ConfigStore, cache *SensorCache, pwm PWMWriter) *HeaterController {
	h := &HeaterController{cfg: cfg, cache: cache, pwm: pwm}
	h.lastMode[0] = ModeDisabled
	h.lastMode[1] = ModeDisabled
	return h
}

// LivePower returns the last commanded output percentage of a channel.
func (h *HeaterController) LivePower(channel int) int {
	if channel < 0 || channel >= heaterChannels {
		return 0
	}
	return h.livePower[channel]
}

// Tick evaluates both heater channels against the current configuration
// and sensor readings, and writes their new PWM duty cycles. It is meant
// to run on a fixed, slower period (around 5s) matching the thermal time
// constant of the heated optics.
func (h *HeaterController) Tick() {
	cfg := h.cfg.Snapshot()
	snap := h.cache.Snapshot()

	for i := 0; i < heaterChannels; i++ {
		hc := cfg.Heaters[i]
		if hc.Mode != h.lastMode[i] {
			h.pids[i].Reset()
			h.lastMode[i] = hc.Mode
		}

		var power int
		var ok bool
		if h.override[i] != nil {
			power, ok = *h.override[i], true
		} else {
			power, ok = h.evaluate(i, cfg, hc, snap)
		}
		if !ok {
			// Missing inputs: emit 0% rather than holding a stale output
			// on a disconnected sensor.
			power = 0
		}
		h.livePower[i] = power
		_ = h.pwm.WriteDuty(i, gammaDuty(float64(h.livePower[i])))
	}
}

// evaluate runs one channel's mode algorithm and returns its resolved
// live power (already clamped to the range that mode's algorithm
// specifies) and whether the required sensor inputs were present.
func (h *HeaterController) evaluate(channel int, cfg Config, hc HeaterConfig, snap CacheSnapshot) (int, bool) {
	switch hc.Mode {
	case ModeDisabled:
		return 0, true

	case ModeManual:
		return clampInt(hc.ManualPower, 0, 100), true

	case ModePID:
		if math.IsNaN(snap.DewPoint) || math.IsNaN(snap.LensTemp) {
			return 0, false
		}
		h.pids[channel].Kp, h.pids[channel].Ki, h.pids[channel].Kd = hc.Kp, hc.Ki, hc.Kd
		setpoint := snap.DewPoint + hc.TargetOffset
		raw := h.pids[channel].Compute(snap.LensTemp, setpoint)
		return clampInt(int(math.Floor(raw)), 0, 100), true

	case ModeMinTemp:
		if math.IsNaN(snap.DewPoint) || math.IsNaN(snap.LensTemp) {
			return 0, false
		}
		h.pids[channel].Kp, h.pids[channel].Ki, h.pids[channel].Kd = hc.Kp, hc.Ki, hc.Kd
		setpoint := math.Max(hc.MinTemp, snap.DewPoint+hc.TargetOffset)
		raw := h.pids[channel].Compute(snap.LensTemp, setpoint)
		return clampInt(int(math.Floor(raw)), 0, 100), true

	case ModeAmbientTrack:
		if math.IsNaN(snap.DewPoint) || math.IsNaN(snap.AmbientTemp) {
			return 0, false
		}
		delta := snap.AmbientTemp - snap.DewPoint
		var power float64
		switch {
		case delta <= hc.EndDelta:
			power = float64(hc.MaxPower)
		case delta < hc.StartDelta:
			power = (hc.StartDelta - delta) / (hc.StartDelta - hc.EndDelta) * float64(hc.MaxPower)
		default:
			power = 0
		}
		return clampInt(int(math.Round(power)), 0, hc.MaxPower), true

	case ModeFollower:
		leader := 1 - channel
		if cfg.Heaters[leader].Mode != ModePID {
			return 0, true
		}
		power := float64(h.livePower[leader]) * hc.PIDSyncFactor
		return clampInt(int(math.Round(power)), 0, 100), true

	default:
		return 0, true
	}
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
