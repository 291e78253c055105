package rpi

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

// recordingDriver records GPIO calls for verification. The pulse train
// writes from its own goroutine, so access is locked.
type recordingDriver struct {
	mu    sync.Mutex
	calls []gpioCall
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level Level
}

func (d *recordingDriver) SetupPin(pin int, mode PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (Level, error) {
	return Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) pulsesOnPin(pin int) int {
	pulses := 0
	for _, c := range d.writeCallsForPin(pin) {
		if c.level == High {
			pulses++
		}
	}
	return pulses
}

var testConfig = Config{
	StepPin:     17,
	DirPin:      27,
	EnablePin:   22,
	MaxSteps:    20000,
	StepDelayUS: 1,
}

func newTestFocuser(t *testing.T, cfg Config, pos int) (*Focuser, *recordingDriver) {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "atlasd.db"), 0600, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := NewStore(db)
	assert.NoError(t, err)

	logger := log.New()
	logger.SetOutput(io.Discard)

	drv := &recordingDriver{}
	return &Focuser{
		config: cfg,
		store:  st,
		logger: logger,
		gpio:   drv,
		pos:    pos,
	}, drv
}

func openConn(t *testing.T, f *Focuser, drv *recordingDriver) focuser.Handle {
	t.Helper()

	h, err := f.Open(focuser.Ref{Path: "gpio"})
	assert.NoError(t, err)
	drv.reset()
	return h
}

func settled(h focuser.Handle) func() bool {
	return func() bool {
		bits, err := h.StatusBits()
		return err == nil && bits == 0
	}
}

func TestMoveForwardCountsSteps(t *testing.T) {
	f, drv := newTestFocuser(t, testConfig, 0)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Move(10))
	assert.Eventually(t, settled(h), time.Second, time.Millisecond)

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, 10, pos)

	// Direction is latched high before the first pulse.
	dirWrites := drv.writeCallsForPin(testConfig.DirPin)
	if assert.NotEmpty(t, dirWrites) {
		assert.Equal(t, High, dirWrites[0].level)
	}
	assert.Equal(t, 10, drv.pulsesOnPin(testConfig.StepPin))
}

func TestMoveBackwardCountsSteps(t *testing.T) {
	f, drv := newTestFocuser(t, testConfig, 100)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Move(-5))
	assert.Eventually(t, settled(h), time.Second, time.Millisecond)

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, 95, pos)

	dirWrites := drv.writeCallsForPin(testConfig.DirPin)
	if assert.NotEmpty(t, dirWrites) {
		assert.Equal(t, Low, dirWrites[0].level)
	}
	assert.Equal(t, 5, drv.pulsesOnPin(testConfig.StepPin))
}

func TestMoveZeroHaltsTrain(t *testing.T) {
	cfg := testConfig
	cfg.StepDelayUS = 500
	f, drv := newTestFocuser(t, cfg, 0)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Move(5000))

	bits, err := h.StatusBits()
	assert.NoError(t, err)
	assert.Equal(t, 0x01, bits)

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, h.Move(0))

	bits, err = h.StatusBits()
	assert.NoError(t, err)
	assert.Zero(t, bits)

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Greater(t, pos, 0)
	assert.Less(t, pos, 5000)

	// No pulses trickle in after the halt.
	time.Sleep(20 * time.Millisecond)
	again, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, pos, again)
}

func TestMoveClampsAtEndStops(t *testing.T) {
	cfg := testConfig
	cfg.MaxSteps = 300
	f, drv := newTestFocuser(t, cfg, cfg.MaxSteps-50)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Move(1000))
	assert.Eventually(t, settled(h), time.Second, time.Millisecond)

	pos, err := h.Position()
	assert.NoError(t, err)
	assert.Equal(t, cfg.MaxSteps, pos)

	assert.NoError(t, h.Move(-100000))
	assert.Eventually(t, settled(h), 5*time.Second, time.Millisecond)

	pos, err = h.Position()
	assert.NoError(t, err)
	assert.Zero(t, pos)
}

func TestMovePersistsPosition(t *testing.T) {
	f, drv := newTestFocuser(t, testConfig, 0)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Move(42))
	assert.Eventually(t, func() bool {
		cfg, err := f.store.GetConfig()
		return err == nil && cfg.LastPosition == 42
	}, time.Second, time.Millisecond)

	assert.NoError(t, h.Close())
}

func TestCloseDisablesMotor(t *testing.T) {
	f, drv := newTestFocuser(t, testConfig, 10)
	h := openConn(t, f, drv)

	assert.NoError(t, h.Close())

	enableWrites := drv.writeCallsForPin(testConfig.EnablePin)
	if assert.NotEmpty(t, enableWrites) {
		assert.Equal(t, High, enableWrites[len(enableWrites)-1].level)
	}

	_, err := h.Position()
	assert.ErrorIs(t, err, errNotOpen)
	assert.ErrorIs(t, h.Move(5), errNotOpen)

	cfg, err := f.store.GetConfig()
	assert.NoError(t, err)
	assert.Equal(t, 10, cfg.LastPosition)
}

func TestSingleOpen(t *testing.T) {
	f, drv := newTestFocuser(t, testConfig, 0)
	openConn(t, f, drv)

	_, err := f.Open(focuser.Ref{Path: "gpio"})
	assert.Error(t, err)
}
