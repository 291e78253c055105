// Package atlas drives the Atlas focus controller over its USB serial
// bridge.
//
// The controller speaks a line oriented ASCII protocol. Commands are CR
// terminated; replies are LF terminated, with an optional value line
// followed by "ok", or "err <reason>" on failure.
//
//	ID    -> "ATLAS <firmware>", "ok"   identification
//	MV n  -> "ok"                       relative move, 0 halts the motor
//	PO    -> "<position>", "ok"         current step position
//	BT    -> "<bits>", "ok"             motor status word
//	MX    -> "<extent>", "ok"           maximum step position
package atlas

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

const (
	deviceName  = "Atlas focus controller"
	identPrefix = "ATLAS"

	// The controller answers every command within a second; a stalled
	// read means the unit was unplugged mid exchange.
	readTimeout = 2 * time.Second
)

// Driver implements focuser.Device for Atlas units on a serial port.
type Driver struct {
	config Config
	logger log.FieldLogger
}

func New(db *bolt.DB, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	config, err := store.GetSerialConfig()
	if err != nil {
		return nil, err
	}

	return &Driver{
		config: config,
		logger: logger.WithField("driver", "atlas"),
	}, nil
}

// Enumerate reports the configured port if the system currently lists
// it. The controller is not probed until Open.
func (d *Driver) Enumerate() ([]focuser.Ref, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial port scan failed: %v", err)
	}
	d.logger.Debugf("Serial ports: %v", ports)

	for _, port := range ports {
		if port == d.config.Port {
			return []focuser.Ref{{Name: deviceName, Path: port}}, nil
		}
	}
	return nil, nil
}

func (d *Driver) Open(ref focuser.Ref) (focuser.Handle, error) {
	mode := serial.Mode{
		BaudRate: d.config.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	stream, err := serial.Open(ref.Path, &mode)
	if err != nil {
		return nil, err
	}
	stream.SetReadTimeout(readTimeout)

	h := &Handle{stream: stream, logger: d.logger}
	ident, err := h.identify()
	if err != nil {
		stream.Close()
		return nil, err
	}

	d.logger.Infof("Connected to %s on %s", ident, ref.Path)
	return h, nil
}

// Handle is an open serial session with one controller.
type Handle struct {
	mu     sync.Mutex // one command/reply exchange on the wire at a time
	stream io.ReadWriteCloser
	logger log.FieldLogger
}

func (h *Handle) identify() (string, error) {
	ident, err := h.sendCommandWithReply("ID")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(ident, identPrefix) {
		return "", fmt.Errorf("unexpected identification %q, not an Atlas controller", ident)
	}
	return ident, nil
}

func (h *Handle) emitCommand(format string, a ...any) error {
	out := fmt.Sprintf(format, a...)
	h.logger.Debugf("Sending command: %s", out)

	_, err := h.stream.Write([]byte(out + "\r"))
	return err
}

// awaitReply reads one LF terminated line. A read timeout surfaces as a
// truncated line, which the callers reject.
func (h *Handle) awaitReply() string {
	buf := []byte{0}
	out := []byte{}

	for {
		n, err := h.stream.Read(buf)
		if err != nil || n != 1 {
			break
		}
		if buf[0] == '\r' {
			continue
		}
		if buf[0] == '\n' {
			break
		}
		out = append(out, buf[0])
	}

	return string(out)
}

func (h *Handle) sendCommand(format string, a ...any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.emitCommand(format, a...); err != nil {
		return err
	}
	if ack := h.awaitReply(); ack != "ok" {
		return fmt.Errorf("expected 'ok', got %q", ack)
	}
	return nil
}

func (h *Handle) sendCommandWithReply(format string, a ...any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.emitCommand(format, a...); err != nil {
		return "", err
	}
	reply := h.awaitReply()
	if ack := h.awaitReply(); ack != "ok" {
		return "", fmt.Errorf("expected 'ok', got %q", ack)
	}
	return reply, nil
}

func (h *Handle) Move(steps int) error {
	return h.sendCommand("MV %d", steps)
}

func (h *Handle) Position() (int, error) {
	reply, err := h.sendCommandWithReply("PO")
	if err != nil {
		return 0, err
	}

	var pos int
	if _, err := fmt.Sscanf(reply, "%d", &pos); err != nil {
		return 0, fmt.Errorf("bad position reply %q: %v", reply, err)
	}
	return pos, nil
}

func (h *Handle) StatusBits() (int, error) {
	reply, err := h.sendCommandWithReply("BT")
	if err != nil {
		return 0, err
	}

	var bits int
	if _, err := fmt.Sscanf(reply, "%d", &bits); err != nil {
		return 0, fmt.Errorf("bad status reply %q: %v", reply, err)
	}
	return bits, nil
}

func (h *Handle) MaxExtent() (int, error) {
	reply, err := h.sendCommandWithReply("MX")
	if err != nil {
		return 0, err
	}

	var max int
	if _, err := fmt.Sscanf(reply, "%d", &max); err != nil {
		return 0, fmt.Errorf("bad extent reply %q: %v", reply, err)
	}
	return max, nil
}

func (h *Handle) Close() error {
	return h.stream.Close()
}
