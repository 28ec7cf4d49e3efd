//go:build tinygo

// Package hardware wires the core control loops to the real peripherals:
// an SHT40 for ambient temperature/humidity, a DS18B20 on a OneWire bus
// for the lens temperature probe, an INA219 for bus voltage/current, and
// the board's GPIO/PWM pins for outputs.
package hardware

import (
	"errors"
	"time"

	"machine"

	"tinygo.org/x/drivers/ds18b20"
	"tinygo.org/x/drivers/ina219"
	"tinygo.org/x/drivers/onewire"
	"tinygo.org/x/drivers/sht4x"

	"github.com/amken3d/duskguard/core"
)

// PinMap describes which board pins each output and bus lives on. Actual
// pin assignments come from the board's hardware revision, not from this
// package.
type PinMap struct {
	I2C          *machine.I2C
	OneWirePin   machine.Pin
	PlainOutputs map[string]machine.Pin
	PWMChannels  map[int]PWMChannel
}

// PWMChannel is a single hardware PWM output.
type PWMChannel struct {
	PWM machine.PWM
	Pin machine.Pin
}

// GPIO drives the plain digital outputs (dc1-5, usbc12, usb345).
type GPIO struct {
	pins map[string]machine.Pin
}

// NewGPIO configures every pin in pins as a digital output and returns a
// driver for them.
func NewGPIO(pins map[string]machine.Pin) *GPIO {
	for _, pin := range pins {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	}
	return &GPIO{pins: pins}
}

// Set drives the named output high or low.
func (g *GPIO) Set(name string, on bool) error {
	pin, ok := g.pins[name]
	if !ok {
		return errors.New("hardware: unknown output " + name)
	}
	pin.Set(on)
	return nil
}

// PWM drives the heater and converter PWM channels.
type PWM struct {
	channels map[int]PWMChannel
	tops     map[int]uint32
	maxDuty  uint32
}

// NewPWM configures each channel's PWM peripheral and returns a driver
// scaling logical duty values (0..maxDuty) onto the peripheral's own
// counter top.
func NewPWM(channels map[int]PWMChannel, maxDuty uint32) (*PWM, error) {
	tops := make(map[int]uint32, len(channels))
	for ch, pc := range channels {
		if err := pc.PWM.Configure(machine.PWMConfig{}); err != nil {
			return nil, err
		}
		top, err := pc.PWM.Channel(pc.Pin)
		if err != nil {
			return nil, err
		}
		tops[ch] = top
	}
	return &PWM{channels: channels, tops: tops, maxDuty: maxDuty}, nil
}

// WriteDuty scales a 0..maxDuty logical duty value onto the channel's
// hardware counter and writes it.
func (p *PWM) WriteDuty(channel int, duty uint32) error {
	pc, ok := p.channels[channel]
	if !ok {
		return errors.New("hardware: unknown pwm channel")
	}
	top := p.tops[channel]
	scaled := uint32((uint64(duty) * uint64(top)) / uint64(p.maxDuty))
	pc.PWM.Set(pc.Pin, scaled)
	return nil
}

// EnvSensor reads ambient temperature and humidity from an SHT40, using
// its built-in heater for the drying burst rather than a separate GPIO.
type EnvSensor struct {
	dev sht4x.Device
}

// NewEnvSensor configures an SHT40 on bus at its default address.
func NewEnvSensor(bus *machine.I2C) *EnvSensor {
	dev := sht4x.New(bus)
	dev.Configure()
	return &EnvSensor{dev: dev}
}

// Read returns the current temperature in Celsius and relative humidity
// as a percentage.
func (e *EnvSensor) Read() (tempC, humidityPct float64, err error) {
	t, h, err := e.dev.ReadTemperatureHumidity()
	if err != nil {
		return 0, 0, err
	}
	return float64(t) / 1000.0, float64(h) / 1000.0, nil
}

// SetHeaterBurst fires the sensor's on-die heater as a one-second
// high-power pulse, used to drive off condensation during an auto-dry
// cycle. A call with enabled=false does nothing.
func (e *EnvSensor) SetHeaterBurst(enabled bool) error {
	if enabled {
		return e.dev.Heater(sht4x.HeaterHigh, sht4x.Duration1s)
	}
	return nil
}

// LensSensor reads a DS18B20 on a OneWire bus for the lens/dew-heater
// contact temperature.
type LensSensor struct {
	bus    *onewire.OneWire
	sensor ds18b20.Device
}

// NewLensSensor configures a OneWire bus on pin and binds the first
// DS18B20 found on it.
func NewLensSensor(pin machine.Pin) (*LensSensor, error) {
	bus := onewire.New(pin)
	rom, err := ds18b20.Search(bus, nil)
	if err != nil {
		return nil, err
	}
	return &LensSensor{bus: bus, sensor: ds18b20.New(bus, rom)}, nil
}

// Read returns the probe temperature in Celsius.
func (l *LensSensor) Read() (tempC float64, err error) {
	if err := l.sensor.RequestTemperature(); err != nil {
		return 0, err
	}
	time.Sleep(750 * time.Millisecond)
	c, err := l.sensor.ReadTemperature()
	if err != nil {
		return 0, err
	}
	return float64(c) / 1000.0, nil
}

// PowerSensor reads bus voltage and current from an INA219.
type PowerSensor struct {
	dev *ina219.Device
}

// NewPowerSensor configures an INA219 on bus at its default address.
func NewPowerSensor(bus *machine.I2C) (*PowerSensor, error) {
	dev := ina219.New(bus, ina219.Address)
	if err := dev.Configure(ina219.Config{}); err != nil {
		return nil, err
	}
	return &PowerSensor{dev: &dev}, nil
}

// Read returns bus voltage in volts and bus current in milliamps.
func (p *PowerSensor) Read() (busVoltageV, busCurrentMA float64, err error) {
	v, err := p.dev.GetBusVoltage()
	if err != nil {
		return 0, 0, err
	}
	i, err := p.dev.GetCurrent()
	if err != nil {
		return 0, 0, err
	}
	return v, i, nil
}

var (
	_ core.GPIODriver = (*GPIO)(nil)
	_ core.PWMWriter  = (*PWM)(nil)
	_ core.EnvSensor  = (*EnvSensor)(nil)
	_ core.LensSensor = (*LensSensor)(nil)
	_ core.PowerSensor = (*PowerSensor)(nil)
)
