package models

// Config holds the fleet process configuration loaded from the JSON config
// file. Exchange credentials and notification tokens come from the
// environment, not from this file.
type Config struct {
	DBPath string `json:"db_path"`

	// ReconcileIntervalSec is the coordinator heartbeat; every tick the
	// desired bot set is reconciled against the live workers. Defaults to 15.
	ReconcileIntervalSec int `json:"reconcile_interval_sec"`

	// BusBufferSize bounds every bus topic; publishes to a full topic are
	// dropped, not queued.
	BusBufferSize int `json:"bus_buffer_size"`

	// IsTestnet routes traders, streams and price feeds to the exchanges'
	// testnet endpoints.
	IsTestnet bool `json:"is_testnet"`

	// ViewerRefreshSec controls how often the console viewer redraws the
	// fleet table. Zero disables the viewer.
	ViewerRefreshSec int `json:"viewer_refresh_sec"`

	LogConfig LogConfig `json:"log"`
}

// LogConfig defines logging behaviour.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // max size of a single log file (MB)
	MaxBackups int    `json:"max_backups"` // number of rotated files to keep
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	Compress   bool   `json:"compress"`    // gzip rotated files
}
