package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/amken3d/duskguard/protocol"
)

type fakeEnvSensor struct {
	temp, humidity float64
	err            error
	heaterOn       bool
	burstCalls     int
	readCalls      int
}

func (f *fakeEnvSensor) Read() (float64, float64, error) {
	f.readCalls++
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.temp, f.humidity, nil
}

func (f *fakeEnvSensor) SetHeaterBurst(enabled bool) error {
	f.burstCalls++
	f.heaterOn = enabled
	return nil
}

type fakeLensSensor struct {
	temp float64
	err  error
}

func (f *fakeLensSensor) Read() (float64, error) { return f.temp, f.err }

type fakePowerSensor struct {
	voltage, currentMA float64
	err                error
}

func (f *fakePowerSensor) Read() (float64, float64, error) { return f.voltage, f.currentMA, f.err }

func newTestPipeline(t *testing.T) (*SensorPipeline, *ConfigStore, *fakeEnvSensor, *fakeLensSensor, *fakePowerSensor) {
	t.Helper()
	store := NewConfigStore(&memBlobStore{})
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	env := &fakeEnvSensor{temp: 20, humidity: 50}
	lens := &fakeLensSensor{temp: 18}
	power := &fakePowerSensor{voltage: 12, currentMA: 500}
	cache := NewSensorCache()
	pipe := NewSensorPipeline(store, cache, env, lens, power)
	return pipe, store, env, lens, power
}

func zeroHumidityOffset(t *testing.T, store *ConfigStore) {
	t.Helper()
	zero := 0.0
	if _, err := store.ApplyPatch(protocol.ConfigPatch{
		SensorOffsets: &protocol.OffsetsPatch{AmbientHumidity: &zero},
	}); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
}

func TestSensorPipelineAcquiresOnFirstTick(t *testing.T) {
	pipe, _, _, _, _ := newTestPipeline(t)
	pipe.Tick(time.Now())

	snap := pipe.cache.Snapshot()
	if math.IsNaN(snap.BusVoltage) {
		t.Error("expected bus voltage to be populated after first tick")
	}
	if math.IsNaN(snap.AmbientTemp) {
		t.Error("expected ambient temp to be populated after first tick")
	}
	if math.IsNaN(snap.DewPoint) {
		t.Error("expected dew point to be computed once temp/humidity known")
	}
}

func TestSensorPipelineFailedReadIsMissing(t *testing.T) {
	pipe, _, _, _, power := newTestPipeline(t)
	power.err = errors.New("i2c timeout")
	pipe.Tick(time.Now())

	snap := pipe.cache.Snapshot()
	if !math.IsNaN(snap.BusVoltage) {
		t.Errorf("expected missing bus voltage on read error, got %v", snap.BusVoltage)
	}
}

func TestDewPointMagnusFormula(t *testing.T) {
	got := dewPointC(20, 50)
	if got < 9 || got > 10 {
		t.Errorf("expected dew point near 9.3C for 20C/50%%, got %v", got)
	}
}

func TestDewPointMissingForNonPositiveHumidity(t *testing.T) {
	if !math.IsNaN(dewPointC(20, 0)) {
		t.Error("expected NaN dew point for zero humidity")
	}
	if !math.IsNaN(dewPointC(20, -5)) {
		t.Error("expected NaN dew point for negative humidity")
	}
}

func TestAutoDryCycleTriggersAfterSustainedHighHumidity(t *testing.T) {
	pipe, store, env, _, _ := newTestPipeline(t)
	zeroHumidityOffset(t, store)
	env.humidity = 99.5

	now := time.Now()
	pipe.Tick(now)
	if pipe.dry.Busy() {
		t.Fatal("drying should not start on the very first tick")
	}

	// Advance past the 300s trigger duration while re-feeding high humidity.
	now = now.Add(301 * time.Second)
	env.readCalls = 0
	pipe.Tick(now)
	if !pipe.dry.Busy() {
		t.Fatal("expected drying cycle to start after sustained high humidity")
	}
	if !env.heaterOn {
		t.Error("expected heater burst to be enabled at start of drying")
	}

	// Still within the 1s heat burst: cycle stays busy, no discard read yet.
	pipe.Tick(now.Add(500 * time.Millisecond))
	if !pipe.dry.Busy() {
		t.Error("expected cycle to remain busy during heat burst")
	}

	// Past the heat burst: one discard read happens and heater turns off.
	pipe.Tick(now.Add(1100 * time.Millisecond))
	if env.heaterOn {
		t.Error("expected heater burst to be disabled after the burst window")
	}

	// Still cooling.
	pipe.Tick(now.Add(30 * time.Second))
	if !pipe.dry.Busy() {
		t.Error("expected cycle to remain busy while cooling")
	}

	// Past the 45s cooldown: cycle should be idle again.
	pipe.Tick(now.Add(47 * time.Second))
	if pipe.dry.Busy() {
		t.Error("expected cycle to be idle after cooldown completes")
	}
}

func TestAutoDryHumidityDropResetsArmTimer(t *testing.T) {
	pipe, store, env, _, _ := newTestPipeline(t)
	zeroHumidityOffset(t, store)
	env.humidity = 99.5
	now := time.Now()
	pipe.Tick(now)

	// Humidity drops back below threshold before the trigger duration
	// elapses: the arm timer must reset, not just pause.
	env.humidity = 50
	pipe.Tick(now.Add(200 * time.Second))

	env.humidity = 99.5
	pipe.Tick(now.Add(400 * time.Second))
	if pipe.dry.Busy() {
		t.Error("expected arm timer reset by the humidity dip to prevent an early trigger")
	}
}

func TestTriggerDryIgnoresReentrantCalls(t *testing.T) {
	pipe, _, _, _, _ := newTestPipeline(t)
	now := time.Now()
	if !pipe.TriggerDry(now) {
		t.Fatal("expected first trigger to start a cycle")
	}
	if pipe.TriggerDry(now) {
		t.Error("expected a second trigger to be ignored while a cycle is in flight")
	}
}
