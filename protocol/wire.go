package protocol

import (
	"encoding/json"
	"fmt"
)

// RawSettable holds one value from a {"set": {...}} request body, where
// each output accepts either a boolean or a number depending on its kind.
// It defers interpretation to the power arbiter, which knows what each
// output name expects.
type RawSettable struct {
	IsBool bool
	Bool   bool
	Number float64
}

// UnmarshalJSON accepts either a JSON boolean or a JSON number.
func (r *RawSettable) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		r.IsBool = true
		r.Bool = b
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		r.IsBool = false
		r.Number = n
		return nil
	}
	return fmt.Errorf("protocol: set value must be a bool or a number, got %s", data)
}

// The JSON key dictionary below is normative: short keys must be preserved
// verbatim for host compatibility, matching the wire dictionary the device
// firmware has always used.

// WireOffsets carries the sensor offsets, keyed st, sh, dt, iv, ic on the
// wire; averaging counts use the same keys through WireAveraging.
type WireOffsets struct {
	AmbientTemp     float64 `json:"st"`
	AmbientHumidity float64 `json:"sh"`
	LensTemp        float64 `json:"dt"`
	BusVoltage      float64 `json:"iv"`
	BusCurrent      float64 `json:"ic"`
}

// WireAveraging is WireOffsets' integer twin, used for averaging_counts.
type WireAveraging struct {
	AmbientTemp     int `json:"st"`
	AmbientHumidity int `json:"sh"`
	LensTemp        int `json:"dt"`
	BusVoltage      int `json:"iv"`
	BusCurrent      int `json:"ic"`
}

// WireIntervals carries the three per-sensor refresh periods in milliseconds.
type WireIntervals struct {
	BusSensor int `json:"i"`
	EnvSensor int `json:"s"`
	LensSensor int `json:"d"`
}

// WirePowerStates carries the tri-state (0=Off, 1=On, 2=Disabled) startup
// state of every non-heater output.
type WirePowerStates struct {
	DC1       int `json:"d1"`
	DC2       int `json:"d2"`
	DC3       int `json:"d3"`
	DC4       int `json:"d4"`
	DC5       int `json:"d5"`
	USBC12    int `json:"u12"`
	USB345    int `json:"u34"`
	Converter int `json:"adj"`
}

// WireAutoDry carries the auto-dry maintenance-cycle configuration. Note
// the trigger duration is in seconds on the wire but milliseconds
// internally.
type WireAutoDry struct {
	Enabled           bool    `json:"en"`
	HumidityThreshold float64 `json:"ht"`
	TriggerSeconds    int     `json:"td"`
}

// WireHeater is the full per-channel dew heater configuration projection.
type WireHeater struct {
	Name          string  `json:"n"`
	Enabled       bool    `json:"en"`
	Mode          int     `json:"m"`
	ManualPower   int     `json:"mp"`
	TargetOffset  float64 `json:"to"`
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	StartDelta    float64 `json:"sd"`
	EndDelta      float64 `json:"ed"`
	MaxPower      int     `json:"xp"`
	PIDSyncFactor float64 `json:"psf"`
	MinTemp       float64 `json:"mt"`
}

// WireConfig is the full configuration projection returned by
// {"get":"config"} and {"sc":...}.
type WireConfig struct {
	SensorOffsets   WireOffsets   `json:"so"`
	UpdateIntervals WireIntervals `json:"ui"`
	PowerStartup    WirePowerStates `json:"ps"`
	AveragingCounts WireAveraging `json:"ac"`
	ConverterPreset float64       `json:"av"`
	AutoDry         WireAutoDry   `json:"ad"`
	Heaters         [2]WireHeater `json:"dh"`
}

// --- Patch types: every field is a pointer so that an absent JSON key is
// distinguishable from an explicit zero value, giving field-wise merge
// semantics for {"sc": {...}} requests. ---

type OffsetsPatch struct {
	AmbientTemp     *float64 `json:"st"`
	AmbientHumidity *float64 `json:"sh"`
	LensTemp        *float64 `json:"dt"`
	BusVoltage      *float64 `json:"iv"`
	BusCurrent      *float64 `json:"ic"`
}

type AveragingPatch struct {
	AmbientTemp     *int `json:"st"`
	AmbientHumidity *int `json:"sh"`
	LensTemp        *int `json:"dt"`
	BusVoltage      *int `json:"iv"`
	BusCurrent      *int `json:"ic"`
}

type IntervalsPatch struct {
	BusSensor  *int `json:"i"`
	EnvSensor  *int `json:"s"`
	LensSensor *int `json:"d"`
}

type PowerStatesPatch struct {
	DC1       *int `json:"d1"`
	DC2       *int `json:"d2"`
	DC3       *int `json:"d3"`
	DC4       *int `json:"d4"`
	DC5       *int `json:"d5"`
	USBC12    *int `json:"u12"`
	USB345    *int `json:"u34"`
	Converter *int `json:"adj"`
}

type AutoDryPatch struct {
	Enabled           *bool    `json:"en"`
	HumidityThreshold *float64 `json:"ht"`
	// TriggerSeconds is capped at 600 before being converted to the
	// internal millisecond representation.
	TriggerSeconds *int `json:"td"`
}

type HeaterPatch struct {
	Name          *string  `json:"n"`
	Enabled       *bool    `json:"en"`
	Mode          *int     `json:"m"`
	ManualPower   *int     `json:"mp"`
	TargetOffset  *float64 `json:"to"`
	Kp            *float64 `json:"kp"`
	Ki            *float64 `json:"ki"`
	Kd            *float64 `json:"kd"`
	StartDelta    *float64 `json:"sd"`
	EndDelta      *float64 `json:"ed"`
	MaxPower      *int     `json:"xp"`
	PIDSyncFactor *float64 `json:"psf"`
	MinTemp       *float64 `json:"mt"`
}

// ConfigPatch is the shape of an {"sc": {...}} request body. Absent keys
// (nil pointers, or a shorter/absent dh array) preserve the prior value.
type ConfigPatch struct {
	SensorOffsets   *OffsetsPatch     `json:"so"`
	UpdateIntervals *IntervalsPatch   `json:"ui"`
	PowerStartup    *PowerStatesPatch `json:"ps"`
	AveragingCounts *AveragingPatch   `json:"ac"`
	ConverterPreset *float64          `json:"av"`
	AutoDry         *AutoDryPatch     `json:"ad"`
	Heaters         []*HeaterPatch    `json:"dh"`
}

// WireSensors is the sensor output projection. Only non-missing readings
// are emitted, hence every field is a pointer with omitempty.
type WireSensors struct {
	BusVoltage      *float64 `json:"v,omitempty"`
	BusCurrent      *float64 `json:"i,omitempty"`
	BusPower        *float64 `json:"p,omitempty"`
	AmbientTemp     *float64 `json:"t_amb,omitempty"`
	AmbientHumidity *float64 `json:"h_amb,omitempty"`
	DewPoint        *float64 `json:"d,omitempty"`
	LensTemp        *float64 `json:"t_lens,omitempty"`
	HeaterPower1    *int     `json:"pwm1,omitempty"`
	HeaterPower2    *int     `json:"pwm2,omitempty"`
	HeapFree        *uint64  `json:"hf,omitempty"`
	HeapMinFree     *uint64  `json:"hmf,omitempty"`
	HeapMaxAlloc    *uint64  `json:"hma,omitempty"`
	HeapSize        *uint64  `json:"hs,omitempty"`
}

// WireRequest is the envelope every incoming line is parsed into. Only one
// of these fields is normally populated per request.
type WireRequest struct {
	Command *string                    `json:"command,omitempty"`
	Get     *string                    `json:"get,omitempty"`
	Set     map[string]RawSettable     `json:"set,omitempty"`
	SC      *ConfigPatch               `json:"sc,omitempty"`
}

// WireError is the error envelope used for every error reply.
type WireError struct {
	Error string `json:"error"`
}

// WireStatusMessage is a simple {"status": "..."} reply.
type WireStatusMessage struct {
	Status string `json:"status"`
}

// WireVersion is the {"version": "..."} reply.
type WireVersion struct {
	Version string `json:"version"`
}
