// Package config loads and persists node configuration as toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddress       = "localhost:4300"
	DefaultPoolFile      = "coordinators.toml"
	DefaultKeyIterations = 4000
	DefaultAsyncWorkers  = 4
)

// Duration is a time.Duration stored as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Synergy     SynergyConfig     `toml:"synergy"`
	Network     NetworkConfig     `toml:"network"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
}

// SynergyConfig holds settings shared by both node roles.
type SynergyConfig struct {
	TransactionTimeout Duration `toml:"transaction_timeout"`
	TickPeriod         Duration `toml:"tick_period"`
	ReconnectDelay     Duration `toml:"reconnect_delay"`
	KeyIterations      int      `toml:"key_iterations"`
	AsyncWorkers       int      `toml:"async_workers"`
}

type NetworkConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Address  string `toml:"address"`   // listen address
	PoolFile string `toml:"pool_file"` // registered coordinators
}

type CoordinatorConfig struct {
	ID         string           `toml:"id"`
	Name       string           `toml:"name"`
	Password   string           `toml:"password"`
	Address    string           `toml:"address"` // hub address
	Enabled    bool             `toml:"enabled"`
	Attributes []string         `toml:"attributes"`
	Resources  map[string]int32 `toml:"resources"`
}

func DefaultConfig() Config {
	return Config{
		Synergy: SynergyConfig{
			TransactionTimeout: Duration{30 * time.Second},
			TickPeriod:         Duration{50 * time.Millisecond},
			ReconnectDelay:     Duration{5 * time.Second},
			KeyIterations:      DefaultKeyIterations,
			AsyncWorkers:       DefaultAsyncWorkers,
		},
		Network: NetworkConfig{
			ID:       "network",
			Name:     "network",
			Address:  DefaultAddress,
			PoolFile: DefaultPoolFile,
		},
		Coordinator: CoordinatorConfig{
			Address:   DefaultAddress,
			Enabled:   true,
			Resources: map[string]int32{},
		},
	}
}

// Load reads path over the defaults. When path does not exist the
// defaults are written there and returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("bad config %s: %w", path, err)
	}
	return cfg, nil
}

// Save replaces path with cfg. The file is readable by its owner only.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := toml.NewEncoder(tmpFile)
	if err := encoder.Encode(cfg); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmpFile.Chmod(0600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish config %s: %w", path, err)
	}
	cleanupTmp = false
	return nil
}

func (c Config) Validate() error {
	s := c.Synergy
	if s.TransactionTimeout.Duration <= 0 {
		return fmt.Errorf("transaction_timeout must be positive, got %s", s.TransactionTimeout)
	}
	if s.TickPeriod.Duration <= 0 {
		return fmt.Errorf("tick_period must be positive, got %s", s.TickPeriod)
	}
	if s.ReconnectDelay.Duration <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", s.ReconnectDelay)
	}
	if s.KeyIterations <= 0 {
		return fmt.Errorf("key_iterations must be positive, got %d", s.KeyIterations)
	}
	return nil
}

// OverrideNetwork applies non-empty command line values and reports
// whether anything changed.
func (c *Config) OverrideNetwork(id, address string) bool {
	dirty := false
	if id != "" && id != c.Network.ID {
		c.Network.ID = id
		dirty = true
	}
	if address != "" && address != c.Network.Address {
		c.Network.Address = address
		dirty = true
	}
	return dirty
}

// OverrideCoordinator applies non-empty command line values and reports
// whether anything changed.
func (c *Config) OverrideCoordinator(id, password, address string) bool {
	dirty := false
	if id != "" && id != c.Coordinator.ID {
		c.Coordinator.ID = id
		dirty = true
	}
	if password != "" && password != c.Coordinator.Password {
		c.Coordinator.Password = password
		dirty = true
	}
	if address != "" && address != c.Coordinator.Address {
		c.Coordinator.Address = address
		dirty = true
	}
	return dirty
}
