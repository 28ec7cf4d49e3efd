package core

import (
	"math"
	"testing"

	"github.com/amken3d/duskguard/protocol"
)

func patchMode(channel, mode int) protocol.ConfigPatch {
	patches := make([]*protocol.HeaterPatch, channel+1)
	patches[channel] = &protocol.HeaterPatch{Mode: &mode}
	return protocol.ConfigPatch{Heaters: patches}
}

func patchModeManual(channel, manualPower, maxPower int) protocol.ConfigPatch {
	mode := int(ModeManual)
	patches := make([]*protocol.HeaterPatch, channel+1)
	patches[channel] = &protocol.HeaterPatch{Mode: &mode, ManualPower: &manualPower, MaxPower: &maxPower}
	return protocol.ConfigPatch{Heaters: patches}
}

func patchFollower(channel int, psf float64) protocol.ConfigPatch {
	mode := int(ModeFollower)
	patches := make([]*protocol.HeaterPatch, channel+1)
	patches[channel] = &protocol.HeaterPatch{Mode: &mode, PIDSyncFactor: &psf}
	return protocol.ConfigPatch{Heaters: patches}
}

func patchMinTemp(channel int, minTemp float64) protocol.ConfigPatch {
	mode := int(ModeMinTemp)
	patches := make([]*protocol.HeaterPatch, channel+1)
	patches[channel] = &protocol.HeaterPatch{Mode: &mode, MinTemp: &minTemp}
	return protocol.ConfigPatch{Heaters: patches}
}

type fakePWM struct {
	duty map[int]uint32
}

func newFakePWM() *fakePWM { return &fakePWM{duty: map[int]uint32{}} }

func (f *fakePWM) WriteDuty(channel int, duty uint32) error {
	f.duty[channel] = duty
	return nil
}

func newTestHeaterController(t *testing.T) (*HeaterController, *ConfigStore, *SensorCache, *fakePWM) {
	t.Helper()
	store := NewConfigStore(&memBlobStore{})
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cache := NewSensorCache()
	pwm := newFakePWM()
	hc := NewHeaterController(store, cache, pwm)
	return hc, store, cache, pwm
}

func TestGammaDutyEndpoints(t *testing.T) {
	if gammaDuty(0) != 0 {
		t.Errorf("expected 0 duty at 0%%, got %d", gammaDuty(0))
	}
	if gammaDuty(100) != heaterPWMMax {
		t.Errorf("expected max duty at 100%%, got %d", gammaDuty(100))
	}
	if gammaDuty(-5) != 0 {
		t.Errorf("expected clamp to 0 below range")
	}
	if gammaDuty(150) != heaterPWMMax {
		t.Errorf("expected clamp to max above range")
	}
}

func TestGammaDutyMonotonic(t *testing.T) {
	prev := uint32(0)
	for p := 1; p <= 100; p++ {
		d := gammaDuty(float64(p))
		if d < prev {
			t.Fatalf("gammaDuty not monotonic at %d%%: %d < %d", p, d, prev)
		}
		prev = d
	}
}

func TestGammaDutyRounds(t *testing.T) {
	if d := gammaDuty(90); d != 981 {
		t.Errorf("expected gammaDuty(90) = 981, got %d", d)
	}
}

func TestManualModeUsesConfiguredPower(t *testing.T) {
	hc, store, cache, pwm := newTestHeaterController(t)
	m := 0
	mp := 40
	xp := 80
	_, err := store.ApplyPatch(patchModeManual(m, mp, xp))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	_ = cache
	hc.Tick()
	if hc.LivePower(0) != 40 {
		t.Errorf("expected manual power 40, got %d", hc.LivePower(0))
	}
	if pwm.duty[0] == 0 {
		t.Error("expected nonzero PWM duty for 40%% manual power")
	}
}

func TestManualModeIgnoresMaxPowerCeiling(t *testing.T) {
	hc, store, _, _ := newTestHeaterController(t)
	_, err := store.ApplyPatch(patchModeManual(0, 90, 80))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	hc.Tick()
	if hc.LivePower(0) != 90 {
		t.Errorf("expected manual power to clamp to [0,100] not max_power, got %d", hc.LivePower(0))
	}
}

func TestDisabledModeForcesZero(t *testing.T) {
	hc, store, _, pwm := newTestHeaterController(t)
	mode := 5 // ModeDisabled
	_, err := store.ApplyPatch(patchMode(0, mode))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	hc.Tick()
	if hc.LivePower(0) != 0 {
		t.Errorf("expected 0 power for disabled heater, got %d", hc.LivePower(0))
	}
	if pwm.duty[0] != 0 {
		t.Errorf("expected 0 duty for disabled heater, got %d", pwm.duty[0])
	}
}

func TestPIDModeEmitsZeroWhenInputsMissing(t *testing.T) {
	hc, _, _, _ := newTestHeaterController(t)
	// Cache starts with NaN readings everywhere; heater 0 defaults to PID.
	hc.Tick()
	if hc.LivePower(0) != 0 {
		t.Errorf("expected 0%% output when required sensor inputs are missing, got %d", hc.LivePower(0))
	}
}

func TestPIDModeDrivesTowardSetpoint(t *testing.T) {
	hc, _, cache, _ := newTestHeaterController(t)
	cache.update(func(c *CacheSnapshot) {
		c.DewPoint = 10
		c.LensTemp = 8 // colder than dew point + target offset: heater should turn on
	})
	hc.Tick()
	if hc.LivePower(0) <= 0 {
		t.Errorf("expected positive heater output when lens temp is below setpoint, got %d", hc.LivePower(0))
	}
}

func TestFollowerModeTracksPIDLeader(t *testing.T) {
	hc, store, cache, _ := newTestHeaterController(t)
	psf := 0.5
	_, err := store.ApplyPatch(patchFollower(1, psf))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	// Channel 0 defaults to PID, making it a valid leader for channel 1.
	cache.update(func(c *CacheSnapshot) {
		c.DewPoint = 10
		c.LensTemp = 8
	})
	hc.Tick()
	want := clampInt(int(math.Round(float64(hc.LivePower(0))*psf)), 0, 100)
	if hc.LivePower(1) != want {
		t.Errorf("expected follower power %d, got %d", want, hc.LivePower(1))
	}
}

func TestFollowerModeFallsBackToZeroWhenLeaderNotPID(t *testing.T) {
	hc, store, _, _ := newTestHeaterController(t)
	// Scenario 5: leader (channel 0) in Manual mode at 50%, follower
	// (channel 1) with factor 0.5 must emit 0, not 25.
	_, err := store.ApplyPatch(patchModeManual(0, 50, 80))
	if err != nil {
		t.Fatalf("ApplyPatch manual: %v", err)
	}
	_, err = store.ApplyPatch(patchFollower(1, 0.5))
	if err != nil {
		t.Fatalf("ApplyPatch follower: %v", err)
	}
	hc.Tick()
	if hc.LivePower(0) != 50 {
		t.Fatalf("expected leader at 50%%, got %d", hc.LivePower(0))
	}
	if hc.LivePower(1) != 0 {
		t.Errorf("expected follower to fall back to 0 when leader is not in PID mode, got %d", hc.LivePower(1))
	}
}

func TestMinTempUsesFloorSetpointAndRequiresDewPoint(t *testing.T) {
	hc, store, cache, _ := newTestHeaterController(t)
	_, err := store.ApplyPatch(patchMinTemp(0, 10))
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	// Dew point missing: safety gate must force 0, even though lens temp
	// is present.
	cache.update(func(c *CacheSnapshot) { c.LensTemp = 5 })
	hc.Tick()
	if hc.LivePower(0) != 0 {
		t.Errorf("expected 0 power when dew point is missing, got %d", hc.LivePower(0))
	}

	// Dew point + target_offset is below min_temp, so the floor of
	// min_temp governs the setpoint: lens temp below min_temp drives
	// positive output.
	cache.update(func(c *CacheSnapshot) {
		c.DewPoint = -20
		c.LensTemp = 5
	})
	hc.Tick()
	if hc.LivePower(0) <= 0 {
		t.Errorf("expected positive output with lens temp below the min_temp floor, got %d", hc.LivePower(0))
	}
}

func TestAmbientTrackRamp(t *testing.T) {
	// Scenario 4: default heater 1 is AmbientTrack with start_delta=5,
	// end_delta=1, max_power=80.
	cases := []struct {
		ambient, dew float64
		want         int
	}{
		{ambient: 10.5, dew: 10, want: 80}, // delta=0.5 <= end_delta
		{ambient: 11, dew: 10, want: 80},   // delta=1 == end_delta
		{ambient: 13, dew: 10, want: 40},   // delta=3, mid-ramp
		{ambient: 15, dew: 10, want: 0},    // delta=5 == start_delta
		{ambient: 16, dew: 10, want: 0},    // delta=6 > start_delta
	}
	for _, tc := range cases {
		hc, _, cache, _ := newTestHeaterController(t)
		cache.update(func(c *CacheSnapshot) {
			c.AmbientTemp = tc.ambient
			c.DewPoint = tc.dew
		})
		hc.Tick()
		if hc.LivePower(1) != tc.want {
			t.Errorf("delta=%v: expected power %d, got %d", tc.ambient-tc.dew, tc.want, hc.LivePower(1))
		}
	}
}

func TestModeSwitchResetsPIDState(t *testing.T) {
	hc, store, cache, _ := newTestHeaterController(t)
	cache.update(func(c *CacheSnapshot) {
		c.DewPoint = 10
		c.LensTemp = 8
	})
	hc.Tick()
	hc.Tick() // let the integral term build up

	if _, err := store.ApplyPatch(patchMode(0, int(ModeManual))); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	hc.Tick()
	if _, err := store.ApplyPatch(patchMode(0, int(ModePID))); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if hc.pids[0].integral != 0 {
		t.Errorf("expected PID integral reset on mode switch back, got %v", hc.pids[0].integral)
	}
}
