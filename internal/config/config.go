// Package config loads server configuration.
//
// Values come from DefaultConfig, then an optional YAML file, then
// SPOOLBUDDY_* environment variables. Command-line flags are applied last
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spoolbuddy/backend/internal/logger"
	"github.com/spoolbuddy/backend/internal/printer"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SPOOLBUDDY_"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   logger.Config   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Printers are upserted into storage at startup.
	Printers []PrinterSeed `yaml:"printers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`

	// WriteTimeout is a floor; see Config.HTTPWriteTimeout.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file. Its directory is created on open.
	Path string `yaml:"path"`
}

// MQTTConfig holds printer protocol settings. Zero values fall back to the
// printer package defaults.
type MQTTConfig struct {
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	ClientIDPrefix     string        `yaml:"client_id_prefix"`
	KeepAlive          time.Duration `yaml:"keepalive"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	CalibrationTTL     time.Duration `yaml:"calibration_ttl"`
	CalibrationTimeout time.Duration `yaml:"calibration_timeout"`
	CalibrationRetries int           `yaml:"calibration_retries"`
	CalibrationNozzles []string      `yaml:"calibration_nozzles"`
}

// SchedulerConfig sets the periodic fleet jobs. A zero interval disables
// the job.
type SchedulerConfig struct {
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// PrinterSeed is a printer declared in the config file.
type PrinterSeed struct {
	Serial      string `yaml:"serial"`
	Name        string `yaml:"name"`
	Model       string `yaml:"model"`
	IPAddress   string `yaml:"ip_address"`
	AccessCode  string `yaml:"access_code"`
	AutoConnect bool   `yaml:"auto_connect"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	p := printer.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8099",
			StaticDir:    "./static",
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/spoolbuddy.db",
		},
		Logging: logger.DefaultConfig(),
		MQTT: MQTTConfig{
			Port:               p.Port,
			Username:           p.Username,
			ClientIDPrefix:     p.ClientIDPrefix,
			KeepAlive:          p.KeepAlive,
			ConnectTimeout:     p.ConnectTimeout,
			PublishTimeout:     p.PublishTimeout,
			GracePeriod:        p.GracePeriod,
			CalibrationTTL:     p.CalibrationTTL,
			CalibrationTimeout: p.CalibrationTimeout,
			CalibrationRetries: p.CalibrationRetries,
			CalibrationNozzles: p.CalibrationNozzles,
		},
		Scheduler: SchedulerConfig{
			RefreshInterval:   5 * time.Minute,
			ReconnectInterval: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnv overrides fields from SPOOLBUDDY_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}

	str("ADDR", &c.Server.Addr)
	str("STATIC_DIR", &c.Server.StaticDir)
	str("DB_PATH", &c.Database.Path)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_OUTPUT", &c.Logging.Output)
	integer("MQTT_PORT", &c.MQTT.Port)
	duration("GRACE_PERIOD", &c.MQTT.GracePeriod)
	duration("CALIBRATION_TTL", &c.MQTT.CalibrationTTL)
	duration("CALIBRATION_TIMEOUT", &c.MQTT.CalibrationTimeout)
	integer("CALIBRATION_RETRIES", &c.MQTT.CalibrationRetries)
	duration("REFRESH_INTERVAL", &c.Scheduler.RefreshInterval)
	duration("RECONNECT_INTERVAL", &c.Scheduler.ReconnectInterval)

	if v, ok := lookup(EnvPrefix + "DEBUG"); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG: %w", EnvPrefix, err))
		} else {
			c.Logging.Debug = debug
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port))
	}
	if c.Scheduler.RefreshInterval < 0 || c.Scheduler.ReconnectInterval < 0 {
		errs = append(errs, errors.New("scheduler intervals must not be negative"))
	}

	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		if p.Serial == "" {
			errs = append(errs, fmt.Errorf("printers[%d]: serial is required", i))
			continue
		}
		if seen[p.Serial] {
			errs = append(errs, fmt.Errorf("printers[%d]: duplicate serial %s", i, p.Serial))
		}
		seen[p.Serial] = true
	}

	return errors.Join(errs...)
}

// writeSlack covers encoding and network time after a K-profile fetch ends.
const writeSlack = 5 * time.Second

// HTTPWriteTimeout returns the server write deadline. The configured value
// is raised when needed so that a K-profile request, queued behind another
// one and then running out all of its own attempts, still gets its answer
// written.
func (c *Config) HTTPWriteTimeout() time.Duration {
	floor := 2*c.PrinterConfig().CalibrationBudget() + writeSlack
	if c.Server.WriteTimeout > floor {
		return c.Server.WriteTimeout
	}
	return floor
}

// DataDir returns the directory holding the database file.
func (c *Config) DataDir() string {
	return filepath.Dir(c.Database.Path)
}

// PrinterConfig maps the MQTT section onto the printer package settings.
func (c *Config) PrinterConfig() printer.Config {
	p := printer.DefaultConfig()
	m := c.MQTT

	if m.Port > 0 {
		p.Port = m.Port
	}
	if m.Username != "" {
		p.Username = m.Username
	}
	if m.ClientIDPrefix != "" {
		p.ClientIDPrefix = m.ClientIDPrefix
	}
	if m.KeepAlive > 0 {
		p.KeepAlive = m.KeepAlive
	}
	if m.ConnectTimeout > 0 {
		p.ConnectTimeout = m.ConnectTimeout
	}
	if m.PublishTimeout > 0 {
		p.PublishTimeout = m.PublishTimeout
	}
	if m.GracePeriod > 0 {
		p.GracePeriod = m.GracePeriod
	}
	if m.CalibrationTTL > 0 {
		p.CalibrationTTL = m.CalibrationTTL
	}
	if m.CalibrationTimeout > 0 {
		p.CalibrationTimeout = m.CalibrationTimeout
	}
	if m.CalibrationRetries > 0 {
		p.CalibrationRetries = m.CalibrationRetries
	}
	if m.CalibrationNozzles != nil {
		p.CalibrationNozzles = m.CalibrationNozzles
	}

	return p
}
