package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/listening-post/internal/api"
	"github.com/roman-kulish/listening-post/internal/control"
	"github.com/roman-kulish/listening-post/internal/listen"
	"github.com/roman-kulish/listening-post/internal/scan"
	"github.com/roman-kulish/listening-post/internal/storage"
	"github.com/roman-kulish/listening-post/internal/transport"
	"github.com/roman-kulish/listening-post/internal/waterfall"
)

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Backend   BackendConfig   `yaml:"backend"`
	Transport TransportConfig `yaml:"transport"`
	Scan      ScanConfig      `yaml:"scan"`
	Waterfall WaterfallConfig `yaml:"waterfall"`
	Listen    ListenConfig    `yaml:"listen"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel    string `yaml:"logLevel"`
	Development bool   `yaml:"development"`
}

// BackendConfig locates the radio backend
type BackendConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	Device     string        `yaml:"device"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retryCount"`
}

// TransportConfig controls stream transport selection and reconnects
type TransportConfig struct {
	PreferDuplex     bool          `yaml:"preferDuplex"`
	ReconnectBackoff time.Duration `yaml:"reconnectBackoff"`
	MaxReconnects    int           `yaml:"maxReconnects"`
	PollInterval     time.Duration `yaml:"pollInterval"`
}

// ConsumerConfig locates the REST and stream endpoints of one backend consumer
type ConsumerConfig struct {
	Endpoint  control.Endpoint `yaml:"endpoint"`
	Websocket string           `yaml:"websocket"` // duplex channel URL
	Events    string           `yaml:"events"`    // event stream path of the fallback pair
}

type ScanConfig struct {
	ConsumerConfig `yaml:",inline"`
	Tracker        scan.Config `yaml:"tracker"`
}

type WaterfallConfig struct {
	ConsumerConfig `yaml:",inline"`
	Pipeline       waterfall.Config `yaml:"pipeline"`
}

type ListenConfig struct {
	ConsumerConfig `yaml:",inline"`
	Coordinator    listen.Config `yaml:"coordinator"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string        `yaml:"dataDirectory"`
	QueueSize     int           `yaml:"queueSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used for every key the file omits
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Backend: BackendConfig{
			Device:     "0",
			Timeout:    control.RequestTimeout,
			RetryCount: control.RequestRetryCount,
		},
		Transport: TransportConfig{
			PreferDuplex:     true,
			ReconnectBackoff: transport.DefaultReconnectBackoff,
			PollInterval:     transport.DefaultPollInterval,
		},
		Scan:      ScanConfig{Tracker: scan.DefaultConfig()},
		Waterfall: WaterfallConfig{Pipeline: waterfall.DefaultConfig()},
		Listen:    ListenConfig{Coordinator: listen.DefaultConfig()},
		Storage: StorageConfig{
			DataDirectory: storageDir,
			QueueSize:     storage.DefaultQueueSize,
			FlushInterval: storage.DefaultFlushInterval,
		},
		API: APIConfig{Addr: api.DefaultAddr},
	}
}

// LoadConfig reads the configuration file at path over the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := DefaultConfig()
	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if config.Listen.Coordinator.Device == "" {
		config.Listen.Coordinator.Device = config.Backend.Device
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.baseURL is required")
	}
	if _, err := url.Parse(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend.baseURL: %w", err)
	}
	if c.Backend.Device == "" {
		return errors.New("backend.device is required")
	}

	consumers := map[string]ConsumerConfig{
		"scan":      c.Scan.ConsumerConfig,
		"waterfall": c.Waterfall.ConsumerConfig,
		"listen":    c.Listen.ConsumerConfig,
	}
	for name, consumer := range consumers {
		if err := consumer.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if err := c.Scan.Tracker.Validate(); err != nil {
		return err
	}
	if err := c.Waterfall.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Listen.Coordinator.Validate(); err != nil {
		return err
	}

	if c.Transport.MaxReconnects < 0 {
		return errors.New("transport.maxReconnects must not be negative")
	}
	if c.Storage.QueueSize <= 0 {
		return errors.New("storage.queueSize must be positive")
	}
	return nil
}

func (c ConsumerConfig) Validate() error {
	if c.Endpoint.Start == "" || c.Endpoint.Stop == "" {
		return errors.New("endpoint.start and endpoint.stop are required")
	}
	if c.Websocket == "" && c.Events == "" {
		return errors.New("at least one of websocket or events is required")
	}
	return nil
}
