package protocol

import (
	"encoding/json"
	"testing"
)

func TestConfigPatchAbsentKeysStayNil(t *testing.T) {
	var patch ConfigPatch
	if err := json.Unmarshal([]byte(`{"av":13.5}`), &patch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if patch.ConverterPreset == nil || *patch.ConverterPreset != 13.5 {
		t.Fatalf("expected converter preset 13.5, got %v", patch.ConverterPreset)
	}
	if patch.SensorOffsets != nil {
		t.Errorf("expected so to stay nil, got %+v", patch.SensorOffsets)
	}
	if patch.Heaters != nil {
		t.Errorf("expected dh to stay nil, got %+v", patch.Heaters)
	}
}

func TestConfigPatchHeaterArrayPartial(t *testing.T) {
	var patch ConfigPatch
	body := `{"dh":[{"kp":30}]}`
	if err := json.Unmarshal([]byte(body), &patch); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(patch.Heaters) != 1 {
		t.Fatalf("expected exactly one heater patch entry, got %d", len(patch.Heaters))
	}
	if patch.Heaters[0].Kp == nil || *patch.Heaters[0].Kp != 30 {
		t.Fatalf("expected kp=30, got %v", patch.Heaters[0].Kp)
	}
	if patch.Heaters[0].Ki != nil {
		t.Errorf("expected ki to stay nil, got %v", patch.Heaters[0].Ki)
	}
}

func TestRawSettableBoolAndNumber(t *testing.T) {
	var req WireRequest
	body := `{"set":{"d1":true,"adj":13.2,"all":false}}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !req.Set["d1"].IsBool || !req.Set["d1"].Bool {
		t.Errorf("expected d1=true, got %+v", req.Set["d1"])
	}
	if req.Set["adj"].IsBool {
		t.Errorf("expected adj to be numeric, got %+v", req.Set["adj"])
	}
	if req.Set["adj"].Number != 13.2 {
		t.Errorf("expected adj=13.2, got %v", req.Set["adj"].Number)
	}
	if !req.Set["all"].IsBool || req.Set["all"].Bool {
		t.Errorf("expected all=false, got %+v", req.Set["all"])
	}
}

func TestRawSettableRejectsString(t *testing.T) {
	var r RawSettable
	if err := json.Unmarshal([]byte(`"nope"`), &r); err == nil {
		t.Error("expected error unmarshaling a string into RawSettable")
	}
}

func TestWireSensorsOmitsMissing(t *testing.T) {
	v := 12.1
	s := WireSensors{BusVoltage: &v}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]interface{}
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(round) != 1 {
		t.Fatalf("expected exactly one key, got %v", round)
	}
	if _, ok := round["v"]; !ok {
		t.Errorf("expected key %q present, got %v", "v", round)
	}
}

func TestWireConfigRoundTrip(t *testing.T) {
	cfg := WireConfig{
		SensorOffsets:   WireOffsets{AmbientHumidity: -10},
		UpdateIntervals: WireIntervals{BusSensor: 1000, EnvSensor: 1000, LensSensor: 1000},
		PowerStartup:    WirePowerStates{DC1: 1, Converter: 2},
		AveragingCounts: WireAveraging{AmbientTemp: 5},
		ConverterPreset: 5.5,
		AutoDry:         WireAutoDry{Enabled: true, HumidityThreshold: 99, TriggerSeconds: 300},
		Heaters: [2]WireHeater{
			{Name: "PWM1", Mode: 1, Kp: 20, Ki: 1, Kd: 15},
			{Name: "PWM2", Mode: 2},
		},
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round WireConfig
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", round, cfg)
	}
}
