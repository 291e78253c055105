package rpi

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket    = "atlasd"
	configKey = "rpi_config"
)

type Config struct {
	StepPin   int `json:"step_pin"`
	DirPin    int `json:"dir_pin"`
	EnablePin int `json:"enable_pin"`

	MaxSteps    int `json:"max_steps"`
	StepDelayUS int `json:"step_delay_us"` // per half-cycle of the STEP pulse

	// MockGPIO swaps the hardware driver for a logging mock, for bench
	// runs away from the Pi.
	MockGPIO bool `json:"mock_gpio"`

	// LastPosition is the software step counter persisted at the end of
	// every move; there is no encoder to read it back from.
	LastPosition int `json:"last_position"`
}

// StepDelay returns the half-cycle pulse delay as a duration.
func (c Config) StepDelay() time.Duration {
	if c.StepDelayUS <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.StepDelayUS) * time.Microsecond
}

var defaultConfig = Config{
	StepPin:     17,
	DirPin:      27,
	EnablePin:   22,
	MaxSteps:    20000,
	StepDelayUS: 600,
}

type store struct {
	db *bolt.DB
}

func NewStore(db *bolt.DB) (*store, error) {
	st := store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults() error {
	if _, err := s.GetConfig(); err != nil {
		log.Infof("Setting default GPIO config")
		return s.SetConfig(defaultConfig)
	}

	return nil
}

// SetConfig saves the GPIO configuration as a json string in the
// database.
func (s *store) SetConfig(cfg Config) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(configKey), value)
	})
}

// GetConfig retrieves the GPIO configuration from the database.
func (s *store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(configKey))
		if value == nil {
			return fmt.Errorf("key config not found")
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// SetLastPosition updates only the persisted step counter.
func (s *store) SetLastPosition(pos int) error {
	cfg, err := s.GetConfig()
	if err != nil {
		return err
	}

	cfg.LastPosition = pos
	return s.SetConfig(cfg)
}
