package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ovh/configstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Scan.OperationTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Scan.ScanTimeout)
	assert.Equal(t, 95, cfg.Scan.NotifyThreshold)
	assert.Equal(t, 3, cfg.Scan.ReservedFilterSlots)
	assert.Equal(t, 500*time.Millisecond, cfg.Advertise.OperationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Throttle.Window)
	assert.Equal(t, 5, cfg.Throttle.HistorySize)
	assert.Equal(t, uint32(1024), cfg.DispatchBufferSize)
	assert.True(t, cfg.Controller.MultiAdvertising)
	assert.Equal(t, 16, cfg.Controller.MaxOffloadedFilters)
	assert.Equal(t, "blearb", cfg.MQTT.TopicPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
scan:
  scan_timeout: 10s
controller:
  multi_advertising: false
  max_offloaded_filters: 8
throttle:
  history_size: 3
`))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.Scan.ScanTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Scan.OperationTimeout, "unset fields keep their defaults")
	assert.False(t, cfg.Controller.MultiAdvertising)
	assert.Equal(t, 8, cfg.Controller.MaxOffloadedFilters)
	assert.Equal(t, 3, cfg.RegistryOptions().HistorySize)
	assert.Equal(t, 30*time.Second, cfg.RegistryOptions().ExcessiveWindow)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed yaml", doc: "scan: [1"},
		{name: "negative threshold", doc: "scan:\n  notify_threshold: -1\n"},
		{name: "threshold over 100", doc: "scan:\n  notify_threshold: 101\n"},
		{name: "zero history", doc: "throttle:\n  history_size: 0\n"},
		{name: "no reserved slots", doc: "scan:\n  reserved_filter_slots: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blearb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("advertise:\n  device_name: bench\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bench", cfg.Advertise.DeviceName)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadStore(t *testing.T) {
	store := configstore.NewStore()
	store.RegisterProvider("test", func() (configstore.ItemList, error) {
		return configstore.ItemList{Items: []configstore.Item{
			configstore.NewItem(StoreAlias, "dispatch_buffer_size: 64\nmqtt:\n  broker: tcp://localhost:1883\n", 1),
		}}, nil
	})

	cfg, err := LoadStore(store)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), cfg.DispatchBufferSize)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
}

func TestLoadStore_MissingItemYieldsDefaults(t *testing.T) {
	store := configstore.NewStore()
	store.RegisterProvider("empty", func() (configstore.ItemList, error) {
		return configstore.ItemList{}, nil
	})

	cfg, err := LoadStore(store)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
