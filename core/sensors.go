package core

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// CacheSnapshot is a point-in-time copy of everything the sensor pipeline
// knows. A reading that hasn't been acquired yet, or that failed, is
// represented as math.NaN() rather than a zero value or a historical
// sentinel, so "missing" can never be confused with a real measurement.
type CacheSnapshot struct {
	BusVoltage      float64
	BusCurrent      float64
	BusPower        float64
	AmbientTemp     float64
	AmbientHumidity float64
	DewPoint        float64
	LensTemp        float64
	HeaterPower     [2]int
	HeapFree        uint64
	HeapMinFree     uint64
	HeapMaxAlloc    uint64
	HeapSize        uint64
}

func missingSnapshot() CacheSnapshot {
	return CacheSnapshot{
		BusVoltage:      math.NaN(),
		BusCurrent:      math.NaN(),
		BusPower:        math.NaN(),
		AmbientTemp:     math.NaN(),
		AmbientHumidity: math.NaN(),
		DewPoint:        math.NaN(),
		LensTemp:        math.NaN(),
	}
}

// SensorCache holds the latest readings, guarded by a mutex shared between
// the pipeline (sole writer) and any number of readers (the command
// dispatcher, mainly).
type SensorCache struct {
	mu   sync.Mutex
	data CacheSnapshot
}

// NewSensorCache returns a cache with every reading marked missing.
func NewSensorCache() *SensorCache {
	return &SensorCache{data: missingSnapshot()}
}

// Snapshot returns a copy of the current readings.
func (c *SensorCache) Snapshot() CacheSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// update applies fn to the cache under lock, with a bounded wait so a
// slow reader can never stall the acquisition tick indefinitely. If the
// lock can't be acquired in time the update is skipped for this tick.
func (c *SensorCache) update(fn func(*CacheSnapshot)) {
	if !tryLockFor(&c.mu, 10*time.Millisecond) {
		return
	}
	defer c.mu.Unlock()
	fn(&c.data)
}

// dewPointC computes dew point in Celsius from temperature and relative
// humidity using the Magnus formula. Humidity readings that make the
// result physically meaningless report NaN instead of the original
// firmware's -273.15 sentinel.
func dewPointC(tempC, humidityPct float64) float64 {
	if humidityPct <= 0 || math.IsNaN(tempC) || math.IsNaN(humidityPct) {
		return math.NaN()
	}
	const a = 17.62
	const b = 243.12
	gamma := math.Log(humidityPct/100) + a*tempC/(b+tempC)
	return b * gamma / (a - gamma)
}

// dryState is a phase of the ambient-humidity sensor's maintenance drying
// cycle, driven forward one pipeline tick at a time instead of blocking
// the caller for the cycle's ~46 second duration.
type dryState int

const (
	dryIdle dryState = iota
	dryHeating
	dryCooling
)

const (
	dryHeatBurst  = 1 * time.Second
	dryCoolPeriod = 45 * time.Second
)

// autoDryFSM re-implements the sensor's blocking drying routine as a
// cooperative state machine. Only one cycle can run at a time; a second
// trigger while one is in flight is ignored rather than queued.
type autoDryFSM struct {
	state      dryState
	armedAt    time.Time
	phaseUntil time.Time
	busy       bool
}

// Busy reports whether a drying cycle is currently in progress, during
// which humidity updates are suppressed.
func (f *autoDryFSM) Busy() bool { return f.busy }

// Trigger starts a drying cycle immediately, ignoring the request if one
// is already in flight. It returns whether the cycle was actually started.
func (f *autoDryFSM) Trigger(now time.Time, env EnvSensor) bool {
	if f.busy {
		return false
	}
	f.busy = true
	f.state = dryHeating
	f.phaseUntil = now.Add(dryHeatBurst)
	_ = env.SetHeaterBurst(true)
	return true
}

// tick advances the arming timer and any in-flight cycle by one pipeline
// tick, starting a new cycle automatically once humidity has stayed at or
// above threshold for the configured trigger duration.
func (f *autoDryFSM) tick(now time.Time, cfg AutoDryConfig, humidity float64, env EnvSensor) {
	switch f.state {
	case dryIdle:
		if !cfg.Enabled || math.IsNaN(humidity) {
			f.armedAt = time.Time{}
			return
		}
		if humidity < cfg.HumidityThreshold {
			f.armedAt = time.Time{}
			return
		}
		if f.armedAt.IsZero() {
			f.armedAt = now
			return
		}
		if now.Sub(f.armedAt) >= cfg.TriggerDuration {
			f.armedAt = time.Time{}
			f.Trigger(now, env)
		}
	case dryHeating:
		if now.Before(f.phaseUntil) {
			return
		}
		// One discarded measurement while the heater is still hot, then
		// the element is switched off and the sensor is left to cool.
		_, _, _ = env.Read()
		_ = env.SetHeaterBurst(false)
		f.state = dryCooling
		f.phaseUntil = now.Add(dryCoolPeriod)
	case dryCooling:
		if now.Before(f.phaseUntil) {
			return
		}
		f.state = dryIdle
		f.busy = false
	}
}

// SensorPipeline reads the physical sensors on their configured
// intervals, applies calibration offsets and median filtering, computes
// derived readings, and writes the results into a SensorCache.
type SensorPipeline struct {
	cfg   *ConfigStore
	cache *SensorCache

	env   EnvSensor
	lens  LensSensor
	power PowerSensor

	voltageFilter  *medianFilter
	currentFilter  *medianFilter
	ambTempFilter  *medianFilter
	ambHumFilter   *medianFilter
	lensTempFilter *medianFilter

	lastBusRead  time.Time
	lastEnvRead  time.Time
	lastLensRead time.Time

	dry autoDryFSM
}

// NewSensorPipeline wires a SensorPipeline to its configuration, cache and
// physical sensor drivers.
func NewSensorPipeline(cfg *ConfigStore, cache *SensorCache, env EnvSensor, lens LensSensor, power PowerSensor) *SensorPipeline {
	return &SensorPipeline{
		cfg:            cfg,
		cache:          cache,
		env:            env,
		lens:           lens,
		power:          power,
		voltageFilter:  newMedianFilter(5),
		currentFilter:  newMedianFilter(5),
		ambTempFilter:  newMedianFilter(5),
		ambHumFilter:   newMedianFilter(5),
		lensTempFilter: newMedianFilter(5),
	}
}

// Tick acquires whichever sensor groups are due, refilters and re-offsets
// them, advances the auto-dry state machine, and recomputes dew point. It
// is meant to be called on a fast, fixed period (around 100ms).
func (p *SensorPipeline) Tick(now time.Time) {
	cfg := p.cfg.Snapshot()

	p.voltageFilter.SetCapacity(cfg.AveragingCounts.BusVoltage)
	p.currentFilter.SetCapacity(cfg.AveragingCounts.BusCurrent)
	p.ambTempFilter.SetCapacity(cfg.AveragingCounts.AmbientTemp)
	p.ambHumFilter.SetCapacity(cfg.AveragingCounts.AmbientHumidity)
	p.lensTempFilter.SetCapacity(cfg.AveragingCounts.LensTemp)

	if due(now, p.lastBusRead, cfg.UpdateIntervals.BusSensor) {
		p.lastBusRead = now
		p.readBus(cfg)
	}

	envHumidity := math.NaN()
	if due(now, p.lastEnvRead, cfg.UpdateIntervals.EnvSensor) {
		p.lastEnvRead = now
		envHumidity = p.readEnv(cfg)
	} else {
		envHumidity = p.cache.Snapshot().AmbientHumidity
	}

	p.dry.tick(now, cfg.AutoDry, envHumidity, p.env)

	if due(now, p.lastLensRead, cfg.UpdateIntervals.LensSensor) {
		p.lastLensRead = now
		p.readLens(cfg)
	}

	snap := p.cache.Snapshot()
	dp := dewPointC(snap.AmbientTemp, snap.AmbientHumidity)
	p.cache.update(func(c *CacheSnapshot) {
		c.DewPoint = dp
	})
}

func due(now, last time.Time, intervalMS int) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= time.Duration(intervalMS)*time.Millisecond
}

func (p *SensorPipeline) readBus(cfg Config) {
	v, i, err := p.power.Read()
	if err != nil {
		p.cache.update(func(c *CacheSnapshot) {
			c.BusVoltage = math.NaN()
			c.BusCurrent = math.NaN()
			c.BusPower = math.NaN()
		})
		return
	}
	voltage := p.voltageFilter.Push(v) + cfg.SensorOffsets.BusVoltage
	current := p.currentFilter.Push(i) + cfg.SensorOffsets.BusCurrent
	p.cache.update(func(c *CacheSnapshot) {
		c.BusVoltage = voltage
		c.BusCurrent = current
		c.BusPower = voltage * current / 1000 // mA -> A folded into the watts calc
	})
}

func (p *SensorPipeline) readEnv(cfg Config) float64 {
	// While the drying cycle is running, its own reads happen inside the
	// state machine; the regular acquisition path is suppressed so a
	// discarded, heater-perturbed sample never reaches the cache.
	if p.dry.Busy() {
		return p.cache.Snapshot().AmbientHumidity
	}

	t, h, err := p.env.Read()
	if err != nil {
		p.cache.update(func(c *CacheSnapshot) {
			c.AmbientTemp = math.NaN()
			c.AmbientHumidity = math.NaN()
		})
		return math.NaN()
	}
	temp := p.ambTempFilter.Push(t) + cfg.SensorOffsets.AmbientTemp
	humidity := p.ambHumFilter.Push(h) + cfg.SensorOffsets.AmbientHumidity
	p.cache.update(func(c *CacheSnapshot) {
		c.AmbientTemp = temp
		c.AmbientHumidity = humidity
	})
	return humidity
}

func (p *SensorPipeline) readLens(cfg Config) {
	t, err := p.lens.Read()
	if err != nil {
		p.cache.update(func(c *CacheSnapshot) { c.LensTemp = math.NaN() })
		return
	}
	temp := p.lensTempFilter.Push(t) + cfg.SensorOffsets.LensTemp
	p.cache.update(func(c *CacheSnapshot) { c.LensTemp = temp })
}

// TriggerDry starts an ambient-sensor drying cycle on demand, e.g. from
// the "dry_sensor" command. It returns false if a cycle is already
// running.
func (p *SensorPipeline) TriggerDry(now time.Time) bool {
	return p.dry.Trigger(now, p.env)
}

// SetHeaterPower records the live output power of a dew heater channel so
// it can be reported alongside the rest of the sensor readings.
func (p *SensorPipeline) SetHeaterPower(channel int, percent int) {
	if channel < 0 || channel > 1 {
		return
	}
	p.cache.update(func(c *CacheSnapshot) { c.HeaterPower[channel] = percent })
}

// RefreshHeapStats samples Go's own heap counters as the native analogue
// of the embedded firmware's free-heap telemetry. It's meant to run on a
// slow tick (around 60s).
func (p *SensorPipeline) RefreshHeapStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	p.cache.update(func(c *CacheSnapshot) {
		c.HeapFree = m.HeapIdle
		c.HeapSize = m.HeapSys
		c.HeapMaxAlloc = m.HeapInuse
		if c.HeapMinFree == 0 || m.HeapIdle < c.HeapMinFree {
			c.HeapMinFree = m.HeapIdle
		}
	})
}
