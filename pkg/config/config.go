package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/codec"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/pkg/connection"
	"github.com/srg/blemgr/scanner"
	"gopkg.in/yaml.v3"
)

// Decoder types
const (
	DecoderRaw    = "raw"
	DecoderLayout = "layout"
	DecoderLua    = "lua"
)

// DecoderConfig selects how inbound payloads are turned into records
type DecoderConfig struct {
	Type string `yaml:"type" default:"raw"`
	// Layout is an inline field layout, LayoutFile a YAML file holding one
	Layout     *codec.Layout `yaml:"layout,omitempty"`
	LayoutFile string        `yaml:"layout_file,omitempty"`
	// Script is the path of a Lua decoder script
	Script string `yaml:"script,omitempty"`
}

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" default:"info"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"5s"`
	ScanDuration    time.Duration `yaml:"scan_duration"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	WriteQueueSize  int           `yaml:"write_queue_size" default:"32"`
	WithResponse    bool          `yaml:"with_response"`

	ServiceUUID string   `yaml:"service_uuid"`
	WriteChar   string   `yaml:"write_char"`
	NotifyChars []string `yaml:"notify_chars"`

	Filter  scanner.Filter `yaml:"filter"`
	Decoder DecoderConfig  `yaml:"decoder"`
}

// DefaultConfig returns default configuration values: Nordic UART Service
// characteristics, 5s connect and write timeouts and the raw decoder.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.Decoder)
	cfg.ServiceUUID = connection.SerialServiceUUID
	cfg.WriteChar = connection.SerialRxCharUUID
	cfg.NotifyChars = []string{connection.SerialTxCharUUID}
	return cfg
}

// Load reads a YAML configuration file on top of the defaults and validates it.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.ScanDuration < 0 || c.StaleAfter < 0 {
		return fmt.Errorf("scan_duration and stale_after must not be negative")
	}
	if c.WriteQueueSize <= 0 {
		return fmt.Errorf("write_queue_size must be positive, got %d", c.WriteQueueSize)
	}

	if c.ServiceUUID != "" {
		if _, err := device.ValidateUUID(c.ServiceUUID); err != nil {
			return fmt.Errorf("invalid service_uuid: %w", err)
		}
	}
	if _, err := device.ValidateUUID(c.WriteChar); err != nil {
		return fmt.Errorf("invalid write_char: %w", err)
	}
	if len(c.NotifyChars) > 0 {
		if _, err := device.ValidateUUID(c.NotifyChars...); err != nil {
			return fmt.Errorf("invalid notify_chars: %w", err)
		}
	}
	if len(c.Filter.ServiceUUIDs) > 0 {
		if _, err := device.ValidateUUID(c.Filter.ServiceUUIDs...); err != nil {
			return fmt.Errorf("invalid filter services: %w", err)
		}
	}

	switch c.Decoder.Type {
	case DecoderRaw:
	case DecoderLayout:
		if c.Decoder.Layout == nil && c.Decoder.LayoutFile == "" {
			return fmt.Errorf("decoder %q requires layout or layout_file", DecoderLayout)
		}
		if c.Decoder.Layout != nil {
			if err := c.Decoder.Layout.Normalize(); err != nil {
				return err
			}
		}
	case DecoderLua:
		if c.Decoder.Script == "" {
			return fmt.Errorf("decoder %q requires script", DecoderLua)
		}
	default:
		return fmt.Errorf("unknown decoder type %q (expected %s, %s or %s)",
			c.Decoder.Type, DecoderRaw, DecoderLayout, DecoderLua)
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when invalid
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// SubscribeChars returns the normalized notify characteristics
func (c *Config) SubscribeChars() []string {
	return slices.Compact(device.NormalizeUUIDs(c.NotifyChars))
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
