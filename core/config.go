package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/amken3d/duskguard/protocol"
)

// Tristate is the startup state of a plain power output: it can be forced
// off, forced on, or disabled entirely (refusing later "set" commands).
type Tristate int32

const (
	StateOff Tristate = iota
	StateOn
	StateDisabled
)

// HeaterMode selects how a dew heater channel derives its output power.
type HeaterMode int32

const (
	ModeManual HeaterMode = iota
	ModePID
	ModeAmbientTrack
	ModeFollower
	ModeMinTemp
	ModeDisabled
)

// SensorOffsets are per-sensor calibration offsets applied after averaging.
type SensorOffsets struct {
	AmbientTemp     float64
	AmbientHumidity float64
	LensTemp        float64
	BusVoltage      float64
	BusCurrent      float64
}

// UpdateIntervals are the minimum refresh periods, in milliseconds, between
// physical reads of each sensor group.
type UpdateIntervals struct {
	BusSensor  int
	EnvSensor  int
	LensSensor int
}

// PowerStartupStates are the tri-state startup states of the eight
// non-heater outputs.
type PowerStartupStates struct {
	DC1       Tristate
	DC2       Tristate
	DC3       Tristate
	DC4       Tristate
	DC5       Tristate
	USBC12    Tristate
	USB345    Tristate
	Converter Tristate
}

// AveragingCounts are the median-filter window sizes per sensor, clamped
// to [1, 20] wherever they are consumed.
type AveragingCounts struct {
	AmbientTemp     int
	AmbientHumidity int
	LensTemp        int
	BusVoltage      int
	BusCurrent      int
}

// AutoDryConfig configures the ambient-humidity sensor's maintenance
// drying cycle.
type AutoDryConfig struct {
	Enabled           bool
	HumidityThreshold float64
	TriggerDuration   time.Duration
}

// HeaterConfig is the full tuning and mode configuration for one dew
// heater channel.
type HeaterConfig struct {
	Name             string
	EnabledOnStartup bool
	Mode             HeaterMode
	ManualPower      int
	TargetOffset     float64
	Kp, Ki, Kd       float64
	StartDelta       float64
	EndDelta         float64
	MaxPower         int
	PIDSyncFactor    float64
	MinTemp          float64
}

// Config is the complete, in-memory configuration of the controller.
type Config struct {
	SensorOffsets   SensorOffsets
	UpdateIntervals UpdateIntervals
	PowerStartup    PowerStartupStates
	AveragingCounts AveragingCounts
	ConverterPreset float64
	AutoDry         AutoDryConfig
	Heaters         [2]HeaterConfig
}

// DefaultConfig returns the factory-default configuration, matching the
// values the controller has always shipped with.
func DefaultConfig() Config {
	heater := HeaterConfig{
		EnabledOnStartup: false,
		ManualPower:      0,
		TargetOffset:     3,
		Kp:               20,
		Ki:               1,
		Kd:               15,
		StartDelta:       5,
		EndDelta:         1,
		MaxPower:         80,
		PIDSyncFactor:    1,
		MinTemp:          0,
	}
	h0, h1 := heater, heater
	h0.Name = "PWM1"
	h0.Mode = ModePID
	h1.Name = "PWM2"
	h1.Mode = ModeAmbientTrack

	return Config{
		SensorOffsets: SensorOffsets{AmbientHumidity: -10},
		UpdateIntervals: UpdateIntervals{
			BusSensor:  1000,
			EnvSensor:  1000,
			LensSensor: 1000,
		},
		AveragingCounts: AveragingCounts{
			AmbientTemp:     5,
			AmbientHumidity: 5,
			LensTemp:        5,
			BusVoltage:      5,
			BusCurrent:      5,
		},
		ConverterPreset: 0,
		AutoDry: AutoDryConfig{
			Enabled:           true,
			HumidityThreshold: 99.0,
			TriggerDuration:   300 * time.Second,
		},
		Heaters: [2]HeaterConfig{h0, h1},
	}
}

// BlobStore is the out-of-scope persistence primitive a ConfigStore saves
// its serialized state to and loads it back from.
type BlobStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileBlobStore is a BlobStore backed by a single file on a regular
// filesystem, used by the host tooling and any target with real storage.
type FileBlobStore struct {
	Path string
}

func NewFileBlobStore(path string) *FileBlobStore {
	return &FileBlobStore{Path: path}
}

func (f *FileBlobStore) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileBlobStore) Save(data []byte) error {
	return os.WriteFile(f.Path, data, 0o644)
}

// ConfigStore owns the live configuration, guards it with a mutex, and
// persists it to a BlobStore on every mutation.
type ConfigStore struct {
	mu    sync.Mutex
	cfg   Config
	blob  BlobStore
}

// NewConfigStore creates a ConfigStore over the given blob store. Call
// Init before first use to load persisted state or fall back to defaults.
func NewConfigStore(blob BlobStore) *ConfigStore {
	return &ConfigStore{blob: blob, cfg: DefaultConfig()}
}

// Init loads the persisted configuration. If none exists, or it is
// corrupt or the wrong size, it falls back to defaults and reports
// usedDefaults=true.
func (s *ConfigStore) Init() (usedDefaults bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, loadErr := s.blob.Load()
	if loadErr != nil {
		s.cfg = DefaultConfig()
		return true, s.persistLocked()
	}
	cfg, decodeErr := decodeConfig(data)
	if decodeErr != nil {
		s.cfg = DefaultConfig()
		return true, s.persistLocked()
	}
	s.cfg = cfg
	return false, nil
}

// Snapshot returns a copy of the current configuration.
func (s *ConfigStore) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reset restores factory defaults and persists them.
func (s *ConfigStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = DefaultConfig()
	return s.persistLocked()
}

func (s *ConfigStore) persistLocked() error {
	return s.blob.Save(encodeConfig(s.cfg))
}

// ToWire projects the configuration into its JSON wire representation.
func (s *ConfigStore) ToWire() protocol.WireConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return toWire(s.cfg)
}

func toWire(cfg Config) protocol.WireConfig {
	w := protocol.WireConfig{
		SensorOffsets: protocol.WireOffsets{
			AmbientTemp:     cfg.SensorOffsets.AmbientTemp,
			AmbientHumidity: cfg.SensorOffsets.AmbientHumidity,
			LensTemp:        cfg.SensorOffsets.LensTemp,
			BusVoltage:      cfg.SensorOffsets.BusVoltage,
			BusCurrent:      cfg.SensorOffsets.BusCurrent,
		},
		UpdateIntervals: protocol.WireIntervals{
			BusSensor:  cfg.UpdateIntervals.BusSensor,
			EnvSensor:  cfg.UpdateIntervals.EnvSensor,
			LensSensor: cfg.UpdateIntervals.LensSensor,
		},
		PowerStartup: protocol.WirePowerStates{
			DC1:       int(cfg.PowerStartup.DC1),
			DC2:       int(cfg.PowerStartup.DC2),
			DC3:       int(cfg.PowerStartup.DC3),
			DC4:       int(cfg.PowerStartup.DC4),
			DC5:       int(cfg.PowerStartup.DC5),
			USBC12:    int(cfg.PowerStartup.USBC12),
			USB345:    int(cfg.PowerStartup.USB345),
			Converter: int(cfg.PowerStartup.Converter),
		},
		AveragingCounts: protocol.WireAveraging{
			AmbientTemp:     cfg.AveragingCounts.AmbientTemp,
			AmbientHumidity: cfg.AveragingCounts.AmbientHumidity,
			LensTemp:        cfg.AveragingCounts.LensTemp,
			BusVoltage:      cfg.AveragingCounts.BusVoltage,
			BusCurrent:      cfg.AveragingCounts.BusCurrent,
		},
		ConverterPreset: cfg.ConverterPreset,
		AutoDry: protocol.WireAutoDry{
			Enabled:           cfg.AutoDry.Enabled,
			HumidityThreshold: cfg.AutoDry.HumidityThreshold,
			TriggerSeconds:    int(cfg.AutoDry.TriggerDuration / time.Second),
		},
	}
	for i, h := range cfg.Heaters {
		w.Heaters[i] = protocol.WireHeater{
			Name:          h.Name,
			Enabled:       h.EnabledOnStartup,
			Mode:          int(h.Mode),
			ManualPower:   h.ManualPower,
			TargetOffset:  h.TargetOffset,
			Kp:            h.Kp,
			Ki:            h.Ki,
			Kd:            h.Kd,
			StartDelta:    h.StartDelta,
			EndDelta:      h.EndDelta,
			MaxPower:      h.MaxPower,
			PIDSyncFactor: h.PIDSyncFactor,
			MinTemp:       h.MinTemp,
		}
	}
	return w
}

// ApplyPatch merges a partial configuration update into the live
// configuration, persists the result, and reports whether the patch
// carried an adjustable converter preset, so the caller can re-drive the
// converter if its output is live.
func (s *ConfigStore) ApplyPatch(patch protocol.ConfigPatch) (converterPresetChanged bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.SensorOffsets != nil {
		applyOffsetsPatch(&s.cfg.SensorOffsets, patch.SensorOffsets)
	}
	if patch.UpdateIntervals != nil {
		p := patch.UpdateIntervals
		applyIntPtr(&s.cfg.UpdateIntervals.BusSensor, p.BusSensor)
		applyIntPtr(&s.cfg.UpdateIntervals.EnvSensor, p.EnvSensor)
		applyIntPtr(&s.cfg.UpdateIntervals.LensSensor, p.LensSensor)
	}
	if patch.PowerStartup != nil {
		p := patch.PowerStartup
		applyTristatePtr(&s.cfg.PowerStartup.DC1, p.DC1)
		applyTristatePtr(&s.cfg.PowerStartup.DC2, p.DC2)
		applyTristatePtr(&s.cfg.PowerStartup.DC3, p.DC3)
		applyTristatePtr(&s.cfg.PowerStartup.DC4, p.DC4)
		applyTristatePtr(&s.cfg.PowerStartup.DC5, p.DC5)
		applyTristatePtr(&s.cfg.PowerStartup.USBC12, p.USBC12)
		applyTristatePtr(&s.cfg.PowerStartup.USB345, p.USB345)
		applyTristatePtr(&s.cfg.PowerStartup.Converter, p.Converter)
	}
	if patch.AveragingCounts != nil {
		p := patch.AveragingCounts
		applyIntPtr(&s.cfg.AveragingCounts.AmbientTemp, p.AmbientTemp)
		applyIntPtr(&s.cfg.AveragingCounts.AmbientHumidity, p.AmbientHumidity)
		applyIntPtr(&s.cfg.AveragingCounts.LensTemp, p.LensTemp)
		applyIntPtr(&s.cfg.AveragingCounts.BusVoltage, p.BusVoltage)
		applyIntPtr(&s.cfg.AveragingCounts.BusCurrent, p.BusCurrent)
	}
	if patch.ConverterPreset != nil {
		s.cfg.ConverterPreset = *patch.ConverterPreset
		converterPresetChanged = true
	}
	if patch.AutoDry != nil {
		p := patch.AutoDry
		if p.Enabled != nil {
			s.cfg.AutoDry.Enabled = *p.Enabled
		}
		if p.HumidityThreshold != nil {
			s.cfg.AutoDry.HumidityThreshold = *p.HumidityThreshold
		}
		if p.TriggerSeconds != nil {
			secs := *p.TriggerSeconds
			if secs > 600 {
				secs = 600
			}
			s.cfg.AutoDry.TriggerDuration = time.Duration(secs) * time.Second
		}
	}
	for i, hp := range patch.Heaters {
		if hp == nil || i >= len(s.cfg.Heaters) {
			continue
		}
		applyHeaterPatch(&s.cfg.Heaters[i], hp)
	}

	return converterPresetChanged, s.persistLocked()
}

func applyOffsetsPatch(dst *SensorOffsets, p *protocol.OffsetsPatch) {
	applyFloatPtr(&dst.AmbientTemp, p.AmbientTemp)
	applyFloatPtr(&dst.AmbientHumidity, p.AmbientHumidity)
	applyFloatPtr(&dst.LensTemp, p.LensTemp)
	applyFloatPtr(&dst.BusVoltage, p.BusVoltage)
	applyFloatPtr(&dst.BusCurrent, p.BusCurrent)
}

func applyHeaterPatch(dst *HeaterConfig, p *protocol.HeaterPatch) {
	if p.Name != nil {
		dst.Name = *p.Name
	}
	if p.Enabled != nil {
		dst.EnabledOnStartup = *p.Enabled
	}
	if p.Mode != nil {
		dst.Mode = HeaterMode(*p.Mode)
	}
	if p.ManualPower != nil {
		dst.ManualPower = *p.ManualPower
	}
	// The original firmware only accepts a target offset patch when it is
	// strictly positive; zero or negative values are treated as absent.
	if p.TargetOffset != nil && *p.TargetOffset > 0 {
		dst.TargetOffset = *p.TargetOffset
	}
	applyFloatPtr(&dst.Kp, p.Kp)
	applyFloatPtr(&dst.Ki, p.Ki)
	applyFloatPtr(&dst.Kd, p.Kd)
	applyFloatPtr(&dst.StartDelta, p.StartDelta)
	applyFloatPtr(&dst.EndDelta, p.EndDelta)
	applyIntPtr(&dst.MaxPower, p.MaxPower)
	applyFloatPtr(&dst.PIDSyncFactor, p.PIDSyncFactor)
	applyFloatPtr(&dst.MinTemp, p.MinTemp)
}

func applyFloatPtr(dst *float64, p *float64) {
	if p != nil {
		*dst = *p
	}
}

func applyIntPtr(dst *int, p *int) {
	if p != nil {
		*dst = *p
	}
}

func applyTristatePtr(dst *Tristate, p *int) {
	if p != nil {
		*dst = Tristate(*p)
	}
}

// binaryHeater is the fixed-width on-disk layout of one HeaterConfig.
type binaryHeater struct {
	Name             [32]byte
	EnabledOnStartup uint8
	Mode             int32
	ManualPower      int32
	TargetOffset     float64
	Kp, Ki, Kd       float64
	StartDelta       float64
	EndDelta         float64
	MaxPower         int32
	PIDSyncFactor    float64
	MinTemp          float64
}

// binaryConfig is the fixed-width on-disk layout of the whole Config. Its
// size is checked on load exactly the way the original firmware checked
// sizeof(Config) against its flash-backed file.
type binaryConfig struct {
	Offsets    [5]float64
	Intervals  [3]int32
	PowerState [8]int32
	Averaging  [5]int32
	ConverterPreset float64
	AutoDryEnabled  uint8
	AutoDryThreshold float64
	AutoDryTriggerMS int64
	Heaters          [2]binaryHeater
}

func nameToBytes(s string) [32]byte {
	var out [32]byte
	copy(out[:31], s)
	return out
}

func bytesToName(b [32]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

func encodeConfig(cfg Config) []byte {
	bc := binaryConfig{
		Offsets: [5]float64{
			cfg.SensorOffsets.AmbientTemp,
			cfg.SensorOffsets.AmbientHumidity,
			cfg.SensorOffsets.LensTemp,
			cfg.SensorOffsets.BusVoltage,
			cfg.SensorOffsets.BusCurrent,
		},
		Intervals: [3]int32{
			int32(cfg.UpdateIntervals.BusSensor),
			int32(cfg.UpdateIntervals.EnvSensor),
			int32(cfg.UpdateIntervals.LensSensor),
		},
		PowerState: [8]int32{
			int32(cfg.PowerStartup.DC1),
			int32(cfg.PowerStartup.DC2),
			int32(cfg.PowerStartup.DC3),
			int32(cfg.PowerStartup.DC4),
			int32(cfg.PowerStartup.DC5),
			int32(cfg.PowerStartup.USBC12),
			int32(cfg.PowerStartup.USB345),
			int32(cfg.PowerStartup.Converter),
		},
		Averaging: [5]int32{
			int32(cfg.AveragingCounts.AmbientTemp),
			int32(cfg.AveragingCounts.AmbientHumidity),
			int32(cfg.AveragingCounts.LensTemp),
			int32(cfg.AveragingCounts.BusVoltage),
			int32(cfg.AveragingCounts.BusCurrent),
		},
		ConverterPreset:  cfg.ConverterPreset,
		AutoDryThreshold: cfg.AutoDry.HumidityThreshold,
		AutoDryTriggerMS: cfg.AutoDry.TriggerDuration.Milliseconds(),
	}
	if cfg.AutoDry.Enabled {
		bc.AutoDryEnabled = 1
	}
	for i, h := range cfg.Heaters {
		bh := binaryHeater{
			Name:          nameToBytes(h.Name),
			Mode:          int32(h.Mode),
			ManualPower:   int32(h.ManualPower),
			TargetOffset:  h.TargetOffset,
			Kp:            h.Kp,
			Ki:            h.Ki,
			Kd:            h.Kd,
			StartDelta:    h.StartDelta,
			EndDelta:      h.EndDelta,
			MaxPower:      int32(h.MaxPower),
			PIDSyncFactor: h.PIDSyncFactor,
			MinTemp:       h.MinTemp,
		}
		if h.EnabledOnStartup {
			bh.EnabledOnStartup = 1
		}
		bc.Heaters[i] = bh
	}

	buf := new(bytes.Buffer)
	buf.Grow(binary.Size(bc))
	_ = binary.Write(buf, binary.LittleEndian, &bc)
	return buf.Bytes()
}

func decodeConfig(data []byte) (Config, error) {
	var bc binaryConfig
	want := binary.Size(bc)
	if len(data) != want {
		return Config{}, fmt.Errorf("core: config blob is %d bytes, want %d", len(data), want)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &bc); err != nil {
		return Config{}, err
	}

	cfg := Config{
		SensorOffsets: SensorOffsets{
			AmbientTemp:     bc.Offsets[0],
			AmbientHumidity: bc.Offsets[1],
			LensTemp:        bc.Offsets[2],
			BusVoltage:      bc.Offsets[3],
			BusCurrent:      bc.Offsets[4],
		},
		UpdateIntervals: UpdateIntervals{
			BusSensor:  int(bc.Intervals[0]),
			EnvSensor:  int(bc.Intervals[1]),
			LensSensor: int(bc.Intervals[2]),
		},
		PowerStartup: PowerStartupStates{
			DC1:       Tristate(bc.PowerState[0]),
			DC2:       Tristate(bc.PowerState[1]),
			DC3:       Tristate(bc.PowerState[2]),
			DC4:       Tristate(bc.PowerState[3]),
			DC5:       Tristate(bc.PowerState[4]),
			USBC12:    Tristate(bc.PowerState[5]),
			USB345:    Tristate(bc.PowerState[6]),
			Converter: Tristate(bc.PowerState[7]),
		},
		AveragingCounts: AveragingCounts{
			AmbientTemp:     int(bc.Averaging[0]),
			AmbientHumidity: int(bc.Averaging[1]),
			LensTemp:        int(bc.Averaging[2]),
			BusVoltage:      int(bc.Averaging[3]),
			BusCurrent:      int(bc.Averaging[4]),
		},
		ConverterPreset: bc.ConverterPreset,
		AutoDry: AutoDryConfig{
			Enabled:           bc.AutoDryEnabled != 0,
			HumidityThreshold: bc.AutoDryThreshold,
			TriggerDuration:   time.Duration(bc.AutoDryTriggerMS) * time.Millisecond,
		},
	}
	for i, bh := range bc.Heaters {
		cfg.Heaters[i] = HeaterConfig{
			Name:             bytesToName(bh.Name),
			EnabledOnStartup: bh.EnabledOnStartup != 0,
			Mode:             HeaterMode(bh.Mode),
			ManualPower:      int(bh.ManualPower),
			TargetOffset:     bh.TargetOffset,
			Kp:               bh.Kp,
			Ki:               bh.Ki,
			Kd:               bh.Kd,
			StartDelta:       bh.StartDelta,
			EndDelta:         bh.EndDelta,
			MaxPower:         int(bh.MaxPower),
			PIDSyncFactor:    bh.PIDSyncFactor,
			MinTemp:          bh.MinTemp,
		}
	}
	return cfg, nil
}
