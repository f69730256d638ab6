// Package config loads and validates the TOML configuration file. Loading
// always fills defaults first, so an empty file yields a runnable
// single-node setup with the SQLite backend.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/tunnelward/portlease/internal/probe"
	"github.com/tunnelward/portlease/internal/secrets"
)

const (
	DefaultListenAddress   = "127.0.0.1:7070"
	DefaultSQLitePath      = "./portlease.db"
	DefaultMinPort         = 2200
	DefaultMaxPort         = 2299
	DefaultReclaimInterval = time.Hour
	DefaultStaleThreshold  = 24 * time.Hour
	DefaultProbeInterval   = 5 * time.Minute
	DefaultProbeTimeout    = 10 * time.Second
	DefaultProbeCommand    = "uptime"
	DefaultProbeHost       = "127.0.0.1"
)

// Duration is a time.Duration that unmarshals from TOML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Server struct {
	ListenAddress string   `toml:"listen-address" validate:"required,hostname_port"`
	AuthTokens    []string `toml:"auth-tokens"`
	PidFile       string   `toml:"pid-file"`
}

type Storage struct {
	Driver      string `toml:"driver" validate:"oneof=sqlite postgres memory"`
	SQLitePath  string `toml:"sqlite-path"`
	PostgresDSN string `toml:"postgres-dsn"`
}

type Pool struct {
	MinPort int `toml:"min-port" validate:"min=1,max=65535"`
	MaxPort int `toml:"max-port" validate:"min=1,max=65535"`
}

type Health struct {
	ReclaimInterval Duration `toml:"reclaim-interval"`
	StaleThreshold  Duration `toml:"stale-threshold"`

	ProbeEnabled  bool     `toml:"probe-enabled"`
	ProbeInterval Duration `toml:"probe-interval"`
	ProbeTimeout  Duration `toml:"probe-timeout"`
	ProbeCommand  string   `toml:"probe-command"`
	ProbeHost     string   `toml:"probe-host"`
}

type Logging struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
	Sink   string `toml:"sink"`
}

type Metrics struct {
	Enabled bool `toml:"enabled"`
}

type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service-name"`
}

type Config struct {
	Server  Server  `toml:"server"`
	Storage Storage `toml:"storage"`
	Pool    Pool    `toml:"pool"`
	Health  Health  `toml:"health"`
	Logging Logging `toml:"logging"`
	Metrics Metrics `toml:"metrics"`
	Tracing Tracing `toml:"tracing"`
}

func Default() Config {
	var cfg Config
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	defaultString(&c.Server.ListenAddress, DefaultListenAddress)
	defaultString(&c.Storage.Driver, "sqlite")
	defaultString(&c.Storage.SQLitePath, DefaultSQLitePath)
	if c.Pool.MinPort == 0 {
		c.Pool.MinPort = DefaultMinPort
	}
	if c.Pool.MaxPort == 0 {
		c.Pool.MaxPort = DefaultMaxPort
	}
	if c.Health.ReclaimInterval == 0 {
		c.Health.ReclaimInterval = Duration(DefaultReclaimInterval)
	}
	if c.Health.StaleThreshold == 0 {
		c.Health.StaleThreshold = Duration(DefaultStaleThreshold)
	}
	if c.Health.ProbeInterval == 0 {
		c.Health.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	defaultString(&c.Health.ProbeCommand, DefaultProbeCommand)
	defaultString(&c.Health.ProbeHost, DefaultProbeHost)
	defaultString(&c.Logging.Level, "info")
	defaultString(&c.Logging.Format, "json")
	defaultString(&c.Logging.Sink, "stderr")
	defaultString(&c.Tracing.ServiceName, "portlease")
}

func defaultString(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// Read parses TOML from r, fills defaults, and validates. Unknown keys are
// rejected so a typo in the config file fails fast.
func Read(r io.Reader) (Config, error) {
	var cfg Config
	meta, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the config file at path. A missing file is not an error; the
// defaults apply.
func Load(path string) (Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			if verr := cfg.Validate(); verr != nil {
				return Config{}, verr
			}
			return cfg, nil
		}
		return Config{}, err
	}
	defer fin.Close()
	return Read(fin)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config field %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if c.Pool.MinPort > c.Pool.MaxPort {
		return fmt.Errorf("pool min-port %d exceeds max-port %d", c.Pool.MinPort, c.Pool.MaxPort)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("storage sqlite-path is required with the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("storage postgres-dsn is required with the postgres driver")
		}
	}

	if c.Health.ReclaimInterval < 0 || c.Health.StaleThreshold < 0 {
		return errors.New("health intervals must not be negative")
	}
	if c.Health.ProbeEnabled {
		if c.Health.ProbeInterval <= 0 {
			return errors.New("health probe-interval must be positive when probing is enabled")
		}
		if c.Health.ProbeTimeout <= 0 {
			return errors.New("health probe-timeout must be positive when probing is enabled")
		}
		if err := probe.ValidateCommand(c.Health.ProbeCommand); err != nil {
			return fmt.Errorf("health probe-command: %w", err)
		}
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return errors.New("tracing endpoint is required when tracing is enabled")
	}

	for _, token := range c.Server.AuthTokens {
		if !secrets.IsRef(token) {
			continue
		}
		if err := secrets.ValidateRef(strings.TrimSpace(token)); err != nil {
			return fmt.Errorf("server auth-tokens: %w", err)
		}
	}
	if secrets.IsRef(c.Storage.PostgresDSN) {
		if err := secrets.ValidateRef(strings.TrimSpace(c.Storage.PostgresDSN)); err != nil {
			return fmt.Errorf("storage postgres-dsn: %w", err)
		}
	}

	return nil
}
