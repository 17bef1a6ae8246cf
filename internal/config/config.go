package config

import (
	"encoding/json"
	"os"

	"bitmex-fleet-bot-go/internal/models"
)

// LoadConfig reads the JSON config file at path into a Config and applies
// defaults for the fields the file may omit.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	if config.ReconcileIntervalSec <= 0 {
		config.ReconcileIntervalSec = 15
	}
	if config.BusBufferSize <= 0 {
		config.BusBufferSize = 1024
	}
	if config.DBPath == "" {
		config.DBPath = "fleet_db"
	}

	return config, nil
}
