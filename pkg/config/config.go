package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/ovh/configstore"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/controller/sim"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
)

// StoreAlias is the configstore item holding the YAML configuration.
const StoreAlias = "blearb"

// Config holds application configuration
type Config struct {
	LogLevel           logrus.Level            `yaml:"log_level" json:"log_level"`
	Scan               scan.Options            `yaml:"scan" json:"scan"`
	Advertise          advertise.Options       `yaml:"advertise" json:"advertise"`
	Throttle           ThrottleConfig          `yaml:"throttle" json:"throttle"`
	DispatchBufferSize uint32                  `yaml:"dispatch_buffer_size" json:"dispatch_buffer_size" default:"1024"`
	Controller         controller.Capabilities `yaml:"controller" json:"controller"`
	Sim                sim.Options             `yaml:"sim" json:"sim"`
	MQTT               notify.MQTTConfig       `yaml:"mqtt" json:"mqtt"`
}

// ThrottleConfig bounds how often one application may start scans.
type ThrottleConfig struct {
	Window      time.Duration `yaml:"window" json:"window" default:"30s"`
	HistorySize int           `yaml:"history_size" json:"history_size" default:"5"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Parse reads a YAML document over the defaults.
func Parse(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the YAML configuration at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadStore reads the configuration from the StoreAlias item of store. A missing item
// yields the defaults.
func LoadStore(store *configstore.Store) (*Config, error) {
	var notFound configstore.ErrItemNotFound

	item, err := configstore.Filter().Store(store).Slice(StoreAlias).Squash().GetFirstItem()
	if err != nil {
		if errors.As(err, &notFound) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("configstore: %w", err)
	}

	value, err := item.Value()
	if err != nil {
		return nil, fmt.Errorf("configstore: get %q: %w", StoreAlias, err)
	}
	return Parse([]byte(value))
}

// Validate rejects values the coordinators cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Scan.OperationTimeout <= 0:
		return errors.New("scan.operation_timeout must be positive")
	case c.Scan.ScanTimeout <= 0:
		return errors.New("scan.scan_timeout must be positive")
	case c.Scan.NotifyThreshold < 0 || c.Scan.NotifyThreshold > 100:
		return errors.New("scan.notify_threshold must be a percentage")
	case c.Scan.ReservedFilterSlots < 1:
		return errors.New("scan.reserved_filter_slots must be at least 1")
	case c.Advertise.OperationTimeout <= 0:
		return errors.New("advertise.operation_timeout must be positive")
	case c.Throttle.HistorySize < 1:
		return errors.New("throttle.history_size must be at least 1")
	case c.Throttle.Window <= 0:
		return errors.New("throttle.window must be positive")
	case c.DispatchBufferSize == 0:
		return errors.New("dispatch_buffer_size must be positive")
	}
	return nil
}

// RegistryOptions returns the usage stats settings of the application registry.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		HistorySize:     c.Throttle.HistorySize,
		ExcessiveWindow: c.Throttle.Window,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
