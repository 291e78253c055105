package focuser_simulator

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

const (
	deviceName   = "Focuser Simulator"
	deviceSerial = "SIM0001"
)

var errNotOpen = errors.New("focuser simulator is not open")

// Simulator implements focuser.Device with a constant rate motion
// model. Position state lives on the simulator, so it survives open and
// close cycles within one process run.
type Simulator struct {
	logger log.FieldLogger
	store  *store
	config Config

	mu         sync.Mutex
	open       bool
	pos        float64
	target     float64
	lastUpdate time.Time
}

func New(db *bolt.DB, logger log.FieldLogger) (*Simulator, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	config, err := store.GetSimConfig()
	if err != nil {
		return nil, err
	}

	return &Simulator{
		logger:     logger.WithField("driver", "simulator"),
		store:      store,
		config:     config,
		pos:        float64(config.InitialSteps),
		target:     float64(config.InitialSteps),
		lastUpdate: time.Now(),
	}, nil
}

// Enumerate reports the simulated unit, which is always attached.
func (d *Simulator) Enumerate() ([]focuser.Ref, error) {
	return []focuser.Ref{{Name: deviceName, Serial: deviceSerial, Path: "sim0"}}, nil
}

func (d *Simulator) Open(ref focuser.Ref) (focuser.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return nil, fmt.Errorf("%s is already open", deviceName)
	}
	d.open = true
	d.logger.Infof("%s opened", deviceName)
	return &handle{sim: d}, nil
}

// advance applies the motion elapsed since the last update. Callers
// must hold mu.
func (d *Simulator) advance() {
	now := time.Now()
	dt := now.Sub(d.lastUpdate).Seconds()
	d.lastUpdate = now

	if d.pos == d.target {
		return
	}

	delta := float64(d.config.StepsPerSec) * dt
	if d.pos < d.target {
		d.pos = math.Min(d.pos+delta, d.target)
	} else {
		d.pos = math.Max(d.pos-delta, d.target)
	}
}

type handle struct {
	sim *Simulator
}

func (h *handle) Move(steps int) error {
	d := h.sim
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return errNotOpen
	}
	d.advance()

	if steps == 0 {
		d.target = d.pos
		d.logger.Debugf("Halted at step %d", int(math.Round(d.pos)))
		return nil
	}

	// The mechanism stalls against its end stops instead of erroring.
	target := d.pos + float64(steps)
	target = math.Max(0, math.Min(target, float64(d.config.MaxSteps)))
	d.target = target

	d.logger.Debugf("Moving %+d steps towards %d", steps, int(target))
	return nil
}

func (h *handle) Position() (int, error) {
	d := h.sim
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, errNotOpen
	}
	d.advance()
	return int(math.Round(d.pos)), nil
}

func (h *handle) StatusBits() (int, error) {
	d := h.sim
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, errNotOpen
	}
	d.advance()
	if d.pos != d.target {
		return 0x01, nil
	}
	return 0, nil
}

func (h *handle) MaxExtent() (int, error) {
	d := h.sim
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, errNotOpen
	}
	return d.config.MaxSteps, nil
}

func (h *handle) Close() error {
	d := h.sim
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return errNotOpen
	}
	d.open = false
	d.logger.Infof("%s closed", deviceName)
	return nil
}
