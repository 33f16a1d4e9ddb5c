package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/lanwarden/lanwarden/pkg/models"
)

// Config holds the lanwarden runtime configuration
type Config struct {
	ConfigDir           string        `json:"config_dir"`            // Directory for keys, salts and trust lists
	PluginDir           string        `json:"plugin_dir"`            // Directory scanned for plugin files
	Interface           string        `json:"interface"`             // Network interface to scan from
	Network             string        `json:"network"`               // Target network in CIDR notation
	ScanTimeout         time.Duration `json:"scan_timeout"`          // Timeout for a single discovery probe
	ScanInterval        time.Duration `json:"scan_interval"`         // Interval between continuous scans
	MaxConcurrentScans  int           `json:"max_concurrent_scans"`  // Ceiling on overlapping scans
	RateLimitRequests   int           `json:"rate_limit_requests"`   // Scan admissions per rate window
	RateLimitWindow     time.Duration `json:"rate_limit_window"`     // Rate limiter window length
	SandboxMaxMemoryMB  int           `json:"sandbox_max_memory_mb"` // Plugin memory ceiling in MB
	SandboxMaxCPUTime   time.Duration `json:"sandbox_max_cpu_time"`  // Plugin execution time ceiling
	EncryptDeviceFields bool          `json:"encrypt_device_fields"` // Encrypt stored device identifiers
	WatchPlugins        bool          `json:"watch_plugins"`         // Re-discover plugins on directory changes
	APIPort             string        `json:"api_port"`              // Port for the HTTP API
	Verbose             bool          `json:"verbose"`               // Enable verbose output
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		ConfigDir:          "data/config",
		PluginDir:          "data/plugins",
		Interface:          "eth0",
		Network:            "192.168.1.0/24",
		ScanTimeout:        30 * time.Second,
		ScanInterval:       5 * time.Minute,
		MaxConcurrentScans: 3,
		RateLimitRequests:  5,
		RateLimitWindow:    time.Minute,
		SandboxMaxMemoryMB: 100,
		SandboxMaxCPUTime:  30 * time.Second,
		WatchPlugins:       true,
		APIPort:            "8080",
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(filePath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, err
	}

	err = json.Unmarshal(data, &cfg)
	return cfg, err
}

// WriteDevicesToFile writes discovered devices to a JSON file
func WriteDevicesToFile(devices []models.NetworkDevice, filePath string) error {
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, data, 0644)
}
