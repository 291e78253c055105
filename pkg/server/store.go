package server

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket    = "atlasd"
	configKey = "control_config"
)

// ControlConfig carries the daemon-wide control settings. They are
// loaded once at startup; setup form changes apply on the next start.
type ControlConfig struct {
	// ControlHosts lists the hosts allowed to issue control commands.
	// An empty list allows everyone.
	ControlHosts []string `json:"control_hosts"`

	MoveTimeoutSec int `json:"move_timeout_sec"`
	PollIntervalMS int `json:"poll_interval_ms"`
	SettleDelayMS  int `json:"settle_delay_ms"`
}

func (c ControlConfig) MoveTimeout() time.Duration {
	return time.Duration(c.MoveTimeoutSec) * time.Second
}

func (c ControlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c ControlConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// Fresh databases only trust the local machine; operators widen the
// list through the setup page.
var defaultControlConfig = ControlConfig{
	ControlHosts:   []string{"127.0.0.1", "::1"},
	MoveTimeoutSec: 120,
	PollIntervalMS: 500,
	SettleDelayMS:  500,
}

type Store struct {
	db *bolt.DB
}

// NewStore creates a new store instance and sets default values if they
// are not already set.
func NewStore(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if _, err := s.GetControlConfig(); err != nil {
		log.Infof("Setting default control config")
		return s.SetControlConfig(defaultControlConfig)
	}

	return nil
}

// SetControlConfig saves the control configuration as a json string in
// the database.
func (s *Store) SetControlConfig(cfg ControlConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(configKey), value)
	})
}

// GetControlConfig retrieves the control configuration from the
// database.
func (s *Store) GetControlConfig() (ControlConfig, error) {
	var cfg ControlConfig

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
