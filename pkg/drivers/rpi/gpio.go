package rpi

import (
	log "github.com/sirupsen/logrus"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs. It
// allows plugging in the real Raspberry Pi implementation or a mock
// for bench development on a PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver. If mock is true the pins only exist
// in the log output.
func NewDriver(mock bool, logger log.FieldLogger) (Driver, error) {
	if mock {
		logger.Info("Using mock GPIO driver")
		return &MockDriver{logger: logger}, nil
	}
	return NewRPiDriver(logger)
}

// MockDriver logs pin operations instead of touching hardware.
type MockDriver struct {
	logger log.FieldLogger
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	m.logger.Debugf("gpio: setup pin %d mode %d", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.logger.Debugf("gpio: write pin %d level %v", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.logger.Debugf("gpio: read pin %d", pin)
	return Low, nil
}

func (m *MockDriver) Close() error {
	m.logger.Debug("gpio: close (mock)")
	return nil
}
