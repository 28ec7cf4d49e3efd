// Package client implements a small request/response API over the
// controller's line-delimited JSON protocol, for host-side tooling.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/amken3d/duskguard/protocol"
)

// Client talks to one controller over an io.ReadWriter (typically a
// serial.Port). Requests and their replies are matched purely by
// send-then-receive-next-line ordering, the same way the device itself
// only ever emits one reply line per request line.
type Client struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	reader *bufio.Reader
}

// New wraps rw as a Client.
func New(rw io.ReadWriter) *Client {
	return &Client{rw: rw, reader: bufio.NewReader(rw)}
}

func (c *Client) roundTrip(req interface{}, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := c.rw.Write(data); err != nil {
		return fmt.Errorf("client: write request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("client: read reply: %w", err)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(line, resp)
}

// GetStatus fetches the power/output status document.
func (c *Client) GetStatus() (map[string]interface{}, error) {
	var status map[string]interface{}
	err := c.roundTrip(map[string]string{"get": "status"}, &status)
	return status, err
}

// GetConfig fetches the full configuration document.
func (c *Client) GetConfig() (protocol.WireConfig, error) {
	var cfg protocol.WireConfig
	err := c.roundTrip(map[string]string{"get": "config"}, &cfg)
	return cfg, err
}

// GetSensors fetches the current sensor readings.
func (c *Client) GetSensors() (protocol.WireSensors, error) {
	var sensors protocol.WireSensors
	err := c.roundTrip(map[string]string{"get": "sensors"}, &sensors)
	return sensors, err
}

// GetVersion fetches the firmware version string.
func (c *Client) GetVersion() (string, error) {
	var v protocol.WireVersion
	err := c.roundTrip(map[string]string{"get": "version"}, &v)
	return v.Version, err
}

// SetConfig applies a partial configuration patch and returns the
// resulting configuration.
func (c *Client) SetConfig(patch protocol.ConfigPatch) (protocol.WireConfig, error) {
	var cfg protocol.WireConfig
	err := c.roundTrip(map[string]interface{}{"sc": patch}, &cfg)
	return cfg, err
}

// Set applies a single {"set": {...}} update (e.g. Set("d1", true)) and
// returns the resulting status document.
func (c *Client) Set(name string, value interface{}) (map[string]interface{}, error) {
	var status map[string]interface{}
	err := c.roundTrip(map[string]interface{}{"set": map[string]interface{}{name: value}}, &status)
	return status, err
}

// DrySensor triggers the ambient-humidity sensor's maintenance drying
// cycle.
func (c *Client) DrySensor() (protocol.WireStatusMessage, error) {
	var status protocol.WireStatusMessage
	err := c.roundTrip(map[string]string{"command": "dry_sensor"}, &status)
	return status, err
}

// Reboot asks the controller to restart.
func (c *Client) Reboot() (protocol.WireStatusMessage, error) {
	var status protocol.WireStatusMessage
	err := c.roundTrip(map[string]string{"command": "reboot"}, &status)
	return status, err
}

// FactoryReset restores the controller's factory-default configuration.
func (c *Client) FactoryReset() (map[string]interface{}, error) {
	var status map[string]interface{}
	err := c.roundTrip(map[string]string{"command": "factory_reset"}, &status)
	return status, err
}
