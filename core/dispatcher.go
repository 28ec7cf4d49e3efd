package core

import (
	"encoding/json"
	"math"
	"time"

	"github.com/amken3d/duskguard/protocol"
)

// FirmwareVersion is reported verbatim by {"get":"version"}.
const FirmwareVersion = "1.0.0"

// CommandDispatcher turns a stream of incoming bytes into line-delimited
// JSON requests and replies to each one over a SerialWriter. Requests are
// handled in a fixed priority order, exactly mirroring the order the
// firmware has always evaluated them in.
type CommandDispatcher struct {
	cfg     *ConfigStore
	sensors *SensorPipeline
	cache   *SensorCache
	power   *PowerArbiter
	heaters *HeaterController
	writer  *protocol.SerialWriter
	lineBuf *protocol.LineBuffer

	onReboot func()
}

// NewCommandDispatcher wires a CommandDispatcher to its collaborators.
// onReboot may be nil in tests; the real firmware entrypoint supplies one
// that resets the MCU.
func NewCommandDispatcher(cfg *ConfigStore, sensors *SensorPipeline, cache *SensorCache, power *PowerArbiter, heaters *HeaterController, writer *protocol.SerialWriter, onReboot func()) *CommandDispatcher {
	return &CommandDispatcher{
		cfg:      cfg,
		sensors:  sensors,
		cache:    cache,
		power:    power,
		heaters:  heaters,
		writer:   writer,
		lineBuf:  protocol.NewLineBuffer(protocol.DefaultLineCapacity),
		onReboot: onReboot,
	}
}

// HandleByte feeds one incoming byte from the transport. Once it
// completes a line, the request is parsed and dispatched.
func (d *CommandDispatcher) HandleByte(b byte) {
	line, ok := d.lineBuf.Feed(b)
	if !ok {
		return
	}
	d.handleLine(line)
}

func (d *CommandDispatcher) handleLine(line []byte) {
	var req protocol.WireRequest
	if err := json.Unmarshal(line, &req); err != nil {
		d.reply(protocol.WireError{Error: "invalid command"})
		return
	}

	switch {
	case isCommand(req, "reboot"):
		d.reply(protocol.WireStatusMessage{Status: "rebooting"})
		if d.onReboot != nil {
			d.onReboot()
		}

	case isCommand(req, "factory_reset"):
		if err := d.cfg.Reset(); err != nil {
			d.reply(protocol.WireError{Error: err.Error()})
			return
		}
		d.reply(protocol.WireStatusMessage{Status: "rebooting"})
		if d.onReboot != nil {
			d.onReboot()
		}

	case isCommand(req, "dry_sensor"):
		if d.sensors.TriggerDry(time.Now()) {
			d.reply(protocol.WireStatusMessage{Status: "drying"})
		} else {
			d.reply(protocol.WireError{Error: "drying cycle already in progress"})
		}

	case isGet(req, "status"):
		d.reply(d.buildStatus())

	case req.Set != nil:
		for name, val := range req.Set {
			if err := d.power.Set(name, val); err != nil {
				d.reply(protocol.WireError{Error: err.Error()})
				return
			}
		}
		d.reply(d.buildStatus())

	case isGet(req, "config"):
		d.reply(d.cfg.ToWire())

	case isGet(req, "sensors"):
		d.reply(d.buildSensors())

	case isGet(req, "version"):
		d.reply(protocol.WireVersion{Version: FirmwareVersion})

	case req.SC != nil:
		changed, err := d.cfg.ApplyPatch(*req.SC)
		if err != nil {
			d.reply(protocol.WireError{Error: err.Error()})
			return
		}
		if changed {
			_ = d.power.RedriveConverterIfOn()
		}
		d.reply(d.cfg.ToWire())

	default:
		d.reply(protocol.WireError{Error: "unknown command in valid JSON"})
	}
}

func (d *CommandDispatcher) reply(v interface{}) {
	_ = d.writer.WriteJSON(v)
}

func isCommand(req protocol.WireRequest, name string) bool {
	return req.Command != nil && *req.Command == name
}

func isGet(req protocol.WireRequest, name string) bool {
	return req.Get != nil && *req.Get == name
}

func (d *CommandDispatcher) buildStatus() map[string]interface{} {
	status := d.power.Status()
	cfg := d.cfg.Snapshot()
	status["dm"] = []int{int(cfg.Heaters[0].Mode), int(cfg.Heaters[1].Mode)}
	return status
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func maybe(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	r := round1(v)
	return &r
}

func (d *CommandDispatcher) buildSensors() protocol.WireSensors {
	snap := d.cache.Snapshot()
	p1 := d.heaters.LivePower(0)
	p2 := d.heaters.LivePower(1)
	hf, hmf, hma, hs := snap.HeapFree, snap.HeapMinFree, snap.HeapMaxAlloc, snap.HeapSize

	return protocol.WireSensors{
		BusVoltage:      maybe(snap.BusVoltage),
		BusCurrent:      maybe(snap.BusCurrent),
		BusPower:        maybe(snap.BusPower),
		AmbientTemp:     maybe(snap.AmbientTemp),
		AmbientHumidity: maybe(snap.AmbientHumidity),
		DewPoint:        maybe(snap.DewPoint),
		LensTemp:        maybe(snap.LensTemp),
		HeaterPower1:    &p1,
		HeaterPower2:    &p2,
		HeapFree:        &hf,
		HeapMinFree:     &hmf,
		HeapMaxAlloc:    &hma,
		HeapSize:        &hs,
	}
}
