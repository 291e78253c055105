// Package efc drives the EFC focus controller, which is reached over
// MQTT. Commands are published to "<root>/commands" and acknowledged on
// "<root>/responses"; the controller also publishes periodic telemetry
// on "<root>/telemetry", which doubles as its presence beacon.
package efc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

const deviceName = "EFC focuser"

type cmdCode uint8

// Focuser commands
const (
	cmdMove     cmdCode = 'M' // Issue a relative move; 0 halts the motor
	cmdPosition cmdCode = 'P' // Read the step position
	cmdStatus   cmdCode = 'S' // Read the motor status word
	cmdExtent   cmdCode = 'X' // Read the maximum step position
	cmdVersion  cmdCode = 'V' // Read firmware version
)

const (
	// probeTimeout bounds how long Enumerate waits for a telemetry
	// beacon before declaring the controller absent.
	probeTimeout = 3 * time.Second

	// presenceWindow is how long a telemetry beacon counts as proof the
	// controller is alive.
	presenceWindow = 10 * time.Second
)

// telemetryMsg represents the telemetry message received periodically
// from the EFC controller under the "telemetry" topic.
type telemetryMsg struct {
	Position    int     `json:"pos"`
	Target      int     `json:"target"`
	Moving      int     `json:"moving"`
	Temperature float32 `json:"temp"`
}

type Response struct {
	Code  cmdCode // The code of the command that was sent
	Value string  // The value of the response
	Error bool    // True if there was an error
}

// createMQTTClient initializes and connects a new MQTT client from the
// stored broker configuration.
func createMQTTClient(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID("atlasd")
	opts.AddBroker(cfg.Host)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Driver implements focuser.Device for the EFC controller. The broker
// connection is established on first use and kept for the life of the
// process so telemetry keeps flowing between sessions.
type Driver struct {
	config Config
	logger log.FieldLogger

	client       mqtt.Client
	responseChan chan Response

	mu        sync.Mutex
	lastSeen  time.Time
	telemetry telemetryMsg
}

func New(db *bolt.DB, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	config, err := store.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get focuser config: %v", err)
	}

	return &Driver{
		config:       config,
		logger:       logger.WithField("driver", "efc"),
		responseChan: make(chan Response, 1),
	}, nil
}

// Close drops the broker connection. Open handles become useless.
func (d *Driver) Close() {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(100)
		d.logger.Info("Disconnected from MQTT broker")
	}
}

func (d *Driver) ensureConnected() error {
	if d.client != nil && d.client.IsConnected() {
		return nil
	}

	client, err := createMQTTClient(d.config)
	if err != nil {
		return err
	}

	root := d.config.TopicRoot
	if token := client.Subscribe(root+"/telemetry", 0, d.telemetryHandler); token.Wait() && token.Error() != nil {
		client.Disconnect(100)
		return fmt.Errorf("failed to subscribe to telemetry topic: %v", token.Error())
	}
	if token := client.Subscribe(root+"/responses", 0, d.responseHandler); token.Wait() && token.Error() != nil {
		client.Disconnect(100)
		return fmt.Errorf("failed to subscribe to responses topic: %v", token.Error())
	}

	d.client = client
	d.logger.Info("Connected to MQTT broker")
	return nil
}

// Enumerate reports the controller if its telemetry beacon has been
// heard recently.
func (d *Driver) Enumerate() ([]focuser.Ref, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(probeTimeout)
	for {
		d.mu.Lock()
		seen := d.lastSeen
		d.mu.Unlock()

		if !seen.IsZero() && time.Since(seen) < presenceWindow {
			return []focuser.Ref{{Name: deviceName, Path: d.config.TopicRoot}}, nil
		}
		if time.Now().After(deadline) {
			d.logger.Warn("No telemetry received from the focuser")
			return nil, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (d *Driver) Open(ref focuser.Ref) (focuser.Handle, error) {
	if err := d.ensureConnected(); err != nil {
		return nil, err
	}

	resp, err := d.sendCommand(string(cmdVersion))
	if err != nil {
		return nil, fmt.Errorf("focuser not responding: %v", err)
	}
	d.logger.Infof("Connected to %s, firmware %s", deviceName, strings.Trim(resp.Value, "()"))

	return &Handle{d: d}, nil
}

func (d *Driver) sendCommand(cmd string) (Response, error) {
	if d.client == nil || !d.client.IsConnected() {
		return Response{}, fmt.Errorf("MQTT client is not connected")
	}

	// Create the message string
	msg := "_" + cmd + ";"
	d.logger.Debugf("Sending command: %s", msg)

	topic := d.config.TopicRoot + "/commands"
	if token := d.client.Publish(topic, 0, false, msg); token.Wait() && token.Error() != nil {
		return Response{}, fmt.Errorf("failed to publish command: %v", token.Error())
	}

	// Wait for the response
	select {
	case resp := <-d.responseChan:
		if resp.Error {
			return resp, fmt.Errorf("command failed: %c", resp.Code)
		}
		if resp.Code != cmdCode(cmd[0]) {
			return resp, fmt.Errorf("unexpected response command: %c", resp.Code)
		}

		d.logger.Debugf("Response: %+v", resp)
		return resp, nil

	case <-time.After(5 * time.Second):
		return Response{}, fmt.Errorf("timeout waiting for response")
	}
}

// telemetryHandler processes the telemetry messages.
func (d *Driver) telemetryHandler(client mqtt.Client, msg mqtt.Message) {
	var telemetry telemetryMsg
	if err := json.Unmarshal(msg.Payload(), &telemetry); err != nil {
		d.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}

	d.logger.Debugf("Telemetry: %+v", telemetry)

	d.mu.Lock()
	d.telemetry = telemetry
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

func (d *Driver) responseHandler(client mqtt.Client, msg mqtt.Message) {
	resp, err := parseResponse(string(msg.Payload()))
	if err != nil {
		d.logger.Errorf("Failed to parse response: %v", err)
		return
	}

	// Attempt to send the response to the channel with a timeout
	select {
	case d.responseChan <- resp:
		// Successfully sent the response
	case <-time.After(1 * time.Second):
		d.logger.Warn("Timeout while sending response to the channel")
	}
}

// Responses have the format:
// "_ACK_<command>;"
// "_ACK_<command>=<value>;"
// "_NACK_<command>;"
func parseResponse(msg string) (Response, error) {
	var resp Response

	fields := strings.Split(msg, "_")
	if len(fields) != 3 {
		return resp, fmt.Errorf("bad number of fields: %s", msg)
	}
	if !strings.HasSuffix(fields[2], ";") {
		return resp, fmt.Errorf("invalid response suffix: %s", msg)
	}

	// Check if the response is an acknowledgment or not
	if fields[1] == "NACK" {
		resp.Error = true
	} else if fields[1] != "ACK" {
		return resp, fmt.Errorf("invalid response format: %s", msg)
	}

	// Extract the command and value
	cmd := strings.Trim(fields[2], ";")

	parts := strings.Split(cmd, "=")
	if len(parts[0]) != 1 {
		return resp, fmt.Errorf("invalid command format: %s", msg)
	}
	resp.Code = cmdCode(parts[0][0])

	if len(parts) == 2 {
		resp.Value = parts[1]
	} else if len(parts) != 1 {
		return resp, fmt.Errorf("invalid response value: %s", msg)
	}

	return resp, nil
}

// Handle is an open command session with the controller. Closing it
// keeps the broker connection up so the telemetry beacon stays visible
// to later enumerations.
type Handle struct {
	d *Driver
}

func (h *Handle) commandValue(code cmdCode) (int, error) {
	resp, err := h.d.sendCommand(string(code))
	if err != nil {
		return 0, err
	}

	value, err := strconv.Atoi(resp.Value)
	if err != nil {
		return 0, fmt.Errorf("bad %c response value %q: %v", code, resp.Value, err)
	}
	return value, nil
}

func (h *Handle) Move(steps int) error {
	_, err := h.d.sendCommand(fmt.Sprintf("%c=%d", cmdMove, steps))
	return err
}

func (h *Handle) Position() (int, error) {
	return h.commandValue(cmdPosition)
}

func (h *Handle) StatusBits() (int, error) {
	return h.commandValue(cmdStatus)
}

func (h *Handle) MaxExtent() (int, error) {
	return h.commandValue(cmdExtent)
}

func (h *Handle) Close() error {
	h.d.logger.Infof("%s released", deviceName)
	return nil
}
