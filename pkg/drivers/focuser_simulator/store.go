package focuser_simulator

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket = "atlasd"

	defaultMaxSteps     = 80000
	defaultStepsPerSec  = 4000
	defaultInitialSteps = 40000

	simConfigKey = "sim_config"
)

type Config struct {
	MaxSteps     int `json:"max_steps"`
	StepsPerSec  int `json:"steps_per_sec"`
	InitialSteps int `json:"initial_steps"`
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
	if _, err := s.GetSimConfig(); err != nil {
		log.Infof("Setting default simulator config")
		return s.SetSimConfig(Config{
			MaxSteps:     defaultMaxSteps,
			StepsPerSec:  defaultStepsPerSec,
			InitialSteps: defaultInitialSteps,
		})
	}

	return nil
}

// SetSimConfig saves the simulator configuration as a json string in
// the database.
func (s *store) SetSimConfig(cfg Config) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(simConfigKey), value)
	})
}

// GetSimConfig retrieves the simulator configuration from the database.
func (s *store) GetSimConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(simConfigKey))
		if value == nil {
			return fmt.Errorf("key config not found")
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
