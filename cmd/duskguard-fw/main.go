//go:build tinygo

// Command duskguard-fw is the controller firmware: it wires the sensor
// acquisition pipeline, heater PID loops, and power output arbiter to the
// board's real peripherals and serves the line-delimited JSON command
// protocol over USB-CDC.
package main

import (
	"machine"
	"time"

	"github.com/amken3d/duskguard/core"
	"github.com/amken3d/duskguard/protocol"
	"github.com/amken3d/duskguard/targets/hardware"
)

const (
	sensorTickInterval  = 100 * time.Millisecond
	heaterTickInterval  = 5 * time.Second
	heapStatsInterval   = 60 * time.Second
	watchdogCheck       = 5 * time.Second
	configPath          = "/config.bin"
	taskSensors         = "sensors"
	taskHeaters         = "heaters"
	taskSerial          = "serial"
)

func main() {
	logger := core.NewLogger(func(line string) { machine.Serial.Write([]byte(line + "\r\n")) }, core.LevelInfo)

	store := core.NewConfigStore(core.NewFileBlobStore(configPath))
	usedDefaults, err := store.Init()
	if err != nil {
		logger.Error("config init failed: %v", err)
	}
	if usedDefaults {
		logger.Warn("config store empty or corrupt, started from factory defaults")
	}

	pins := buildPinMap()

	i2c := machine.I2C0
	i2c.Configure(machine.I2CConfig{Frequency: machine.TWI_FREQ_400KHZ, SDA: pins.I2C.SDA, SCL: pins.I2C.SCL})

	env := hardware.NewEnvSensor(i2c)
	lens, err := hardware.NewLensSensor(pins.OneWirePin)
	if err != nil {
		logger.Error("lens probe init failed: %v", err)
	}
	power, err := hardware.NewPowerSensor(i2c)
	if err != nil {
		logger.Error("power monitor init failed: %v", err)
	}

	gpio := hardware.NewGPIO(pins.PlainOutputs)
	heaterPWM, err := hardware.NewPWM(pins.HeaterChannels, 1023)
	if err != nil {
		logger.Error("heater pwm init failed: %v", err)
	}
	converterPWM, err := hardware.NewPWM(pins.ConverterChannel, 255)
	if err != nil {
		logger.Error("converter pwm init failed: %v", err)
	}

	cache := core.NewSensorCache()
	pipeline := core.NewSensorPipeline(store, cache, env, lens, power)
	heaters := core.NewHeaterController(store, cache, heaterPWM)
	converter := core.NewLinearConverter(store, converterPWM)
	arbiter := core.NewPowerArbiter(store, gpio, converter, heaters)
	if err := arbiter.Init(); err != nil {
		logger.Error("power arbiter init failed: %v", err)
	}

	watchdog := core.NewWatchdog(core.WatchdogTimeout, func(task string) {
		logger.Error("watchdog stall detected in %s, resetting", task)
		machine.CPUReset()
	})
	watchdog.Register(taskSensors)
	watchdog.Register(taskHeaters)
	watchdog.Register(taskSerial)

	machine.Serial.Configure(machine.UARTConfig{})
	writer := protocol.NewSerialWriter(machine.Serial)
	dispatcher := core.NewCommandDispatcher(store, pipeline, cache, arbiter, heaters, writer, func() {
		machine.CPUReset()
	})

	go func() {
		for {
			pipeline.Tick(time.Now())
			watchdog.Feed(taskSensors)
			time.Sleep(sensorTickInterval)
		}
	}()

	go func() {
		for {
			heaters.Tick()
			watchdog.Feed(taskHeaters)
			time.Sleep(heaterTickInterval)
		}
	}()

	go func() {
		for {
			pipeline.RefreshHeapStats()
			time.Sleep(heapStatsInterval)
		}
	}()

	go func() {
		for {
			watchdog.Check(time.Now())
			time.Sleep(watchdogCheck)
		}
	}()

	logger.Info("duskguard-fw ready")

	buf := make([]byte, 1)
	for {
		if machine.Serial.Buffered() > 0 {
			n, err := machine.Serial.Read(buf)
			if err == nil && n > 0 {
				dispatcher.HandleByte(buf[0])
			}
			watchdog.Feed(taskSerial)
			continue
		}
		watchdog.Feed(taskSerial)
		time.Sleep(time.Millisecond)
	}
}

type i2cPins struct {
	SDA machine.Pin
	SCL machine.Pin
}

type pinMap struct {
	I2C              i2cPins
	OneWirePin       machine.Pin
	PlainOutputs     map[string]machine.Pin
	HeaterChannels   map[int]hardware.PWMChannel
	ConverterChannel map[int]hardware.PWMChannel
}

// buildPinMap mirrors the reference board's pin assignment: DC outputs on
// 12-14/26-27, USB switches on 18-19, the adjustable converter on 25, dew
// heaters on 32-33, I2C on 21-22, and the lens probe's OneWire bus on 23.
func buildPinMap() pinMap {
	return pinMap{
		I2C:        i2cPins{SDA: machine.Pin(21), SCL: machine.Pin(22)},
		OneWirePin: machine.Pin(23),
		PlainOutputs: map[string]machine.Pin{
			"d1":   machine.Pin(13),
			"d2":   machine.Pin(12),
			"d3":   machine.Pin(14),
			"d4":   machine.Pin(27),
			"d5":   machine.Pin(26),
			"u12": machine.Pin(19),
			"u34": machine.Pin(18),
		},
		HeaterChannels: map[int]hardware.PWMChannel{
			0: {PWM: machine.PWM0, Pin: machine.Pin(33)},
			1: {PWM: machine.PWM1, Pin: machine.Pin(32)},
		},
		ConverterChannel: map[int]hardware.PWMChannel{
			0: {PWM: machine.PWM2, Pin: machine.Pin(25)},
		},
	}
}
