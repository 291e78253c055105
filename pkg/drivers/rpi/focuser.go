// Package rpi drives a stepper focuser wired straight to Raspberry Pi
// GPIO pins through an A4988 style driver board. The motor has no
// encoder, so the step position is counted in software and persisted
// across restarts.
package rpi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

const deviceName = "GPIO stepper focuser"

var errNotOpen = errors.New("gpio focuser is not open")

// Focuser implements focuser.Device for the GPIO wired stepper.
type Focuser struct {
	config Config
	store  *store
	logger log.FieldLogger
	gpio   Driver

	mu     sync.Mutex
	open   bool
	pos    int
	moving bool
	stop   chan struct{}
	done   chan struct{}
}

func New(db *bolt.DB, logger log.FieldLogger) (*Focuser, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	config, err := store.GetConfig()
	if err != nil {
		return nil, err
	}

	logger = logger.WithField("driver", "rpi")
	gpio, err := NewDriver(config.MockGPIO, logger)
	if err != nil {
		return nil, err
	}

	pos := config.LastPosition
	if pos < 0 {
		pos = 0
	}
	if pos > config.MaxSteps {
		pos = config.MaxSteps
	}

	return &Focuser{
		config: config,
		store:  store,
		logger: logger,
		gpio:   gpio,
		pos:    pos,
	}, nil
}

// Close releases the GPIO mapping. The motor driver is disabled first
// so the motor does not hold torque while the daemon is down.
func (f *Focuser) Close() error {
	f.haltTrain()

	f.mu.Lock()
	f.open = false
	f.mu.Unlock()

	f.gpio.WritePin(f.config.EnablePin, High)
	return f.gpio.Close()
}

// Enumerate reports the wired unit. A bare stepper cannot be probed, so
// it is always listed.
func (f *Focuser) Enumerate() ([]focuser.Ref, error) {
	return []focuser.Ref{{Name: deviceName, Path: "gpio"}}, nil
}

func (f *Focuser) Open(ref focuser.Ref) (focuser.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open {
		return nil, fmt.Errorf("%s is already open", deviceName)
	}

	if err := f.gpio.SetupPin(f.config.StepPin, Output); err != nil {
		return nil, err
	}
	if err := f.gpio.SetupPin(f.config.DirPin, Output); err != nil {
		return nil, err
	}
	if err := f.gpio.SetupPin(f.config.EnablePin, Output); err != nil {
		return nil, err
	}

	// The A4988 enable input is active low.
	if err := f.gpio.WritePin(f.config.EnablePin, Low); err != nil {
		return nil, err
	}

	f.open = true
	f.logger.Infof("%s enabled at step %d", deviceName, f.pos)
	return &conn{f: f}, nil
}

// haltTrain stops a running pulse train and waits for it to wind down.
func (f *Focuser) haltTrain() {
	f.mu.Lock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	done := f.done
	f.mu.Unlock()

	if done != nil {
		<-done
	}
}

// runTrain emits the pulse train for one move, counting the position
// step by step so readers see live progress.
func (f *Focuser) runTrain(steps int, stop, done chan struct{}) {
	defer func() {
		f.mu.Lock()
		f.moving = false
		if f.done == done {
			f.stop, f.done = nil, nil
		}
		pos := f.pos
		f.mu.Unlock()

		if err := f.store.SetLastPosition(pos); err != nil {
			f.logger.Warnf("Failed to persist position: %v", err)
		}
		close(done)
	}()

	dirLevel := High
	delta := 1
	if steps < 0 {
		dirLevel = Low
		delta = -1
		steps = -steps
	}

	if err := f.gpio.WritePin(f.config.DirPin, dirLevel); err != nil {
		f.logger.Errorf("Failed to set direction: %v", err)
		return
	}

	for i := 0; i < steps; i++ {
		select {
		case <-stop:
			f.logger.Debugf("Pulse train halted after %d of %d steps", i, steps)
			return
		default:
		}

		if err := f.stepPulse(); err != nil {
			f.logger.Errorf("Step pulse failed: %v", err)
			return
		}

		f.mu.Lock()
		f.pos += delta
		f.mu.Unlock()
	}
}

func (f *Focuser) stepPulse() error {
	if err := f.gpio.WritePin(f.config.StepPin, High); err != nil {
		return err
	}
	time.Sleep(f.config.StepDelay())
	if err := f.gpio.WritePin(f.config.StepPin, Low); err != nil {
		return err
	}
	time.Sleep(f.config.StepDelay())
	return nil
}

// conn is an open handle on the stepper.
type conn struct {
	f *Focuser
}

func (c *conn) Move(steps int) error {
	f := c.f

	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return errNotOpen
	}
	f.mu.Unlock()

	// One pulse train at a time; a new command supersedes the old one.
	f.haltTrain()

	if steps == 0 {
		return nil
	}

	f.mu.Lock()
	// Clamp the request at the end stops instead of grinding past them.
	if f.pos+steps > f.config.MaxSteps {
		steps = f.config.MaxSteps - f.pos
	}
	if f.pos+steps < 0 {
		steps = -f.pos
	}
	if steps == 0 {
		f.mu.Unlock()
		return nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	f.stop, f.done = stop, done
	f.moving = true
	f.mu.Unlock()

	go f.runTrain(steps, stop, done)
	return nil
}

func (c *conn) Position() (int, error) {
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return 0, errNotOpen
	}
	return f.pos, nil
}

func (c *conn) StatusBits() (int, error) {
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return 0, errNotOpen
	}
	if f.moving {
		return 0x01, nil
	}
	return 0, nil
}

func (c *conn) MaxExtent() (int, error) {
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return 0, errNotOpen
	}
	return f.config.MaxSteps, nil
}

func (c *conn) Close() error {
	f := c.f

	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return errNotOpen
	}
	f.mu.Unlock()

	f.haltTrain()

	f.mu.Lock()
	f.open = false
	pos := f.pos
	f.mu.Unlock()

	// Drop the holding torque while no session owns the motor.
	if err := f.gpio.WritePin(f.config.EnablePin, High); err != nil {
		f.logger.Warnf("Failed to disable motor driver: %v", err)
	}

	if err := f.store.SetLastPosition(pos); err != nil {
		f.logger.Warnf("Failed to persist position: %v", err)
	}

	f.logger.Infof("%s disabled at step %d", deviceName, pos)
	return nil
}
