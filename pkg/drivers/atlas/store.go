package atlas

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket = "atlasd"

	// Deployments pin the controller to a stable name with a udev rule.
	defaultPort = "/dev/focuser"
	defaultBaud = 9600

	serialConfigKey = "atlas_config"
)

type Config struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
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
	if _, err := s.GetSerialConfig(); err != nil {
		log.Infof("Setting default serial config")
		return s.SetSerialConfig(Config{
			Port: defaultPort,
			Baud: defaultBaud,
		})
	}

	return nil
}

// SetSerialConfig saves the serial configuration as a json string in
// the database.
func (s *store) SetSerialConfig(cfg Config) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(cfg)
		return b.Put([]byte(serialConfigKey), value)
	})
}

// GetSerialConfig retrieves the serial configuration from the database.
func (s *store) GetSerialConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(serialConfigKey))
		if value == nil {
			return fmt.Errorf("key config not found")
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
