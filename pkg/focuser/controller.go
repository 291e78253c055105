package focuser

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// movingMask covers the motor activity bits of the device status word.
// The motor has settled when all three read zero.
const movingMask = 0x07

const (
	DefaultMoveTimeout  = 2 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
	DefaultSettleDelay  = 500 * time.Millisecond
)

// Config carries the controller tunables.
type Config struct {
	// MoveTimeout bounds a single move. A move that has not settled when
	// it elapses is reported as Failed and the focuser stays flagged as
	// Moving until an operator intervenes.
	MoveTimeout time.Duration

	// PollInterval is the delay between successive position and status
	// reads while a move is in flight.
	PollInterval time.Duration

	// SettleDelay is how long to wait after the stop command issued
	// during initialization before trusting the position readout.
	SettleDelay time.Duration

	// ControlHosts lists the caller hosts allowed to issue control
	// commands. Empty means no restriction.
	ControlHosts []string
}

// Controller owns the focuser lifecycle and executes moves against an
// injected Device. All methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	dev    Device
	logger log.FieldLogger

	allowed map[string]bool

	// cmdMu serializes Initialize, Shutdown and SetFocus. It is only
	// ever try-acquired: contenders are turned away with Blocked rather
	// than queued behind a move that may run for minutes.
	cmdMu sync.Mutex

	// mu guards the fields below. It is held for short copy sections
	// only, never across a device call.
	mu      sync.Mutex
	status  State
	handle  Handle
	current int
	target  int
	max     int
}

func NewController(cfg Config, dev Device, logger log.FieldLogger) *Controller {
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = DefaultMoveTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	allowed := make(map[string]bool, len(cfg.ControlHosts))
	for _, host := range cfg.ControlHosts {
		allowed[host] = true
	}

	return &Controller{
		cfg:     cfg,
		dev:     dev,
		logger:  logger.WithField("component", "focuser"),
		allowed: allowed,
	}
}

func (c *Controller) authorized(caller string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	return c.allowed[caller]
}

// Initialize connects to the focuser. The first enumerated unit is
// opened, any residual motion from a previous run is stopped, and the
// settled position and maximum extent become the session baseline.
func (c *Controller) Initialize(caller string) StatusCode {
	if !c.authorized(caller) {
		return InvalidControlIP
	}
	if !c.cmdMu.TryLock() {
		return Blocked
	}
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	connected := c.status != Disabled
	c.mu.Unlock()
	if connected {
		return NotDisconnected
	}

	refs, err := c.dev.Enumerate()
	if err != nil {
		c.logger.Errorf("Enumeration failed: %v", err)
		return DeviceNotFound
	}
	if len(refs) == 0 {
		c.logger.Error("No focuser found")
		return DeviceNotFound
	}

	ref := refs[0]
	handle, err := c.dev.Open(ref)
	if err != nil {
		c.logger.Errorf("Failed to open %s: %v", ref.Name, err)
		return DeviceNotFound
	}
	c.logger.Infof("Connected to %s", ref.Name)

	c.mu.Lock()
	c.handle = handle
	c.status = Initializing
	c.mu.Unlock()

	code := c.baseline(handle)
	if code != Succeeded {
		handle.Close()
		c.mu.Lock()
		c.handle = nil
		c.status = Disabled
		c.mu.Unlock()
	}
	return code
}

// baseline halts any residual motion and seeds the position fields from
// the settled device.
func (c *Controller) baseline(handle Handle) StatusCode {
	if err := handle.Move(0); err != nil {
		c.logger.Errorf("Stop command failed: %v", err)
		return Failed
	}
	time.Sleep(c.cfg.SettleDelay)

	pos, err := handle.Position()
	if err != nil {
		c.logger.Errorf("Position read failed: %v", err)
		return Failed
	}
	max, err := handle.MaxExtent()
	if err != nil {
		c.logger.Errorf("Extent read failed: %v", err)
		return Failed
	}

	c.mu.Lock()
	c.current = pos
	c.target = pos
	c.max = max
	c.status = Idle
	c.mu.Unlock()

	c.logger.Infof("Focuser online at step %d of %d", pos, max)
	return Succeeded
}

// Shutdown releases the device and returns the controller to Disabled.
func (c *Controller) Shutdown(caller string) StatusCode {
	if !c.authorized(caller) {
		return InvalidControlIP
	}
	if !c.cmdMu.TryLock() {
		return Blocked
	}
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.status == Disabled {
		c.mu.Unlock()
		return NotConnected
	}
	handle := c.handle
	c.mu.Unlock()

	if err := handle.Close(); err != nil {
		c.logger.Warnf("Closing focuser: %v", err)
	}

	c.mu.Lock()
	c.handle = nil
	c.status = Disabled
	c.current = 0
	c.target = 0
	c.max = 0
	c.mu.Unlock()

	c.logger.Info("Focuser disconnected")
	return Succeeded
}

// SetFocus drives the focuser to an absolute step position, or to an
// offset from the current target when offset is true. The call blocks
// until the motor settles, the configured timeout elapses, or a
// concurrent Stop halts the motor under it.
//
// A move that times out returns Failed and leaves the reported status
// as Moving: the focuser is treated as stuck until an operator clears
// it with Shutdown and a fresh Initialize.
func (c *Controller) SetFocus(caller string, steps int, offset bool) StatusCode {
	if !c.authorized(caller) {
		return InvalidControlIP
	}
	if !c.cmdMu.TryLock() {
		return Blocked
	}
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.status == Moving {
		// A previous move timed out and was never cleared.
		c.mu.Unlock()
		return Blocked
	}
	if c.status != Idle {
		c.mu.Unlock()
		return NotConnected
	}

	target := steps
	if offset {
		target += c.target
	}
	if target < 0 || target > c.max {
		max := c.max
		c.mu.Unlock()
		c.logger.Warnf("Requested step %d outside [0, %d]", target, max)
		return PositionOutsideLimits
	}

	relative := target - c.current
	c.target = target
	c.status = Moving
	handle := c.handle
	c.mu.Unlock()

	c.logger.Infof("Moving %+d steps to %d", relative, target)
	if err := handle.Move(relative); err != nil {
		// The device never accepted the command, so there is no motion
		// to wait out.
		c.logger.Errorf("Move command failed: %v", err)
		c.mu.Lock()
		c.target = c.current
		c.status = Idle
		c.mu.Unlock()
		return Failed
	}

	return c.pollUntilSettled(handle)
}

// pollUntilSettled tracks an in-flight move, mirroring the device
// position into the shared state each pass so status readers observe
// live progress.
func (c *Controller) pollUntilSettled(handle Handle) StatusCode {
	deadline := time.Now().Add(c.cfg.MoveTimeout)
	for {
		pos, err := handle.Position()
		if err != nil {
			c.logger.Warnf("Position read failed: %v", err)
		} else {
			c.mu.Lock()
			c.current = pos
			c.mu.Unlock()
		}

		bits, err := handle.StatusBits()
		if err != nil {
			c.logger.Warnf("Status read failed: %v", err)
		} else if bits&movingMask == 0 {
			c.mu.Lock()
			c.status = Idle
			pos = c.current
			c.mu.Unlock()
			c.logger.Infof("Move complete at step %d", pos)
			return Succeeded
		}

		if time.Now().After(deadline) {
			c.logger.Errorf("Move timed out after %s, focuser may be stuck", c.cfg.MoveTimeout)
			return Failed
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// Stop halts any motion in progress and resyncs the target to wherever
// the motor actually stopped. It deliberately skips the command lock so
// it can cut short a move held by a concurrent SetFocus; that caller's
// poll loop observes the settled motor and returns normally.
//
// Stop does not touch the lifecycle status. In particular it cannot
// clear the Moving flag latched by a timed-out move; recovery from a
// stuck focuser goes through Shutdown.
func (c *Controller) Stop(caller string) StatusCode {
	if !c.authorized(caller) {
		return InvalidControlIP
	}

	c.mu.Lock()
	if c.status == Disabled || c.status == Initializing {
		c.mu.Unlock()
		return NotConnected
	}
	handle := c.handle
	c.mu.Unlock()

	c.logger.Info("Stopping focuser")
	if err := handle.Move(0); err != nil {
		c.logger.Errorf("Stop command failed: %v", err)
		return Failed
	}

	pos, err := handle.Position()
	if err != nil {
		c.logger.Errorf("Position read failed: %v", err)
		return Failed
	}

	c.mu.Lock()
	c.current = pos
	c.target = pos
	c.mu.Unlock()
	return Succeeded
}

// ReportStatus returns a snapshot of the focuser state. It never takes
// the command lock, so it stays responsive while a move is in flight.
func (c *Controller) ReportStatus() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{
		Date:   time.Now().UTC(),
		Status: c.status,
	}
	if c.status == Idle || c.status == Moving {
		current, target := c.current, c.target
		report.CurrentSteps = &current
		report.TargetSteps = &target
	}
	return report
}
