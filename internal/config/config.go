package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	ConfigPathEnv   = "AUTOHOLDS_CONFIG"
	dbDriverEnv     = "DATABASE_DRIVER"
	dbDSNEnv        = "DATABASE_DSN"
	sierraURLEnv    = "SIERRA_BASE_URL"
	sierraKeyEnv    = "SIERRA_CLIENT_KEY"
	sierraSecretEnv = "SIERRA_CLIENT_SECRET"
	logLevelEnv     = "AUTOHOLDS_LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Sierra    SierraConfig    `yaml:"sierra"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// SierraConfig describes the catalog API and how hard to push it.
type SierraConfig struct {
	BaseURL         string        `yaml:"baseUrl" validate:"required,url"`
	ClientKey       string        `yaml:"clientKey" validate:"required"`
	ClientSecret    string        `yaml:"clientSecret" validate:"required"`
	Fields          string        `yaml:"fields" validate:"required"`
	RecordType      string        `yaml:"recordType" validate:"required"`
	PageSize        int           `yaml:"pageSize" validate:"gte=1,lte=2000"`
	RequestTimeout  time.Duration `yaml:"requestTimeout" validate:"gte=0"`
	HoldsPerSecond  float64       `yaml:"holdsPerSecond" validate:"gte=0"`
	HoldBurst       int           `yaml:"holdBurst" validate:"gte=1"`
	LoginMaxElapsed time.Duration `yaml:"loginMaxElapsed" validate:"gte=0"`
}

// SchedulerConfig defines how often unattended runs happen.
type SchedulerConfig struct {
	Interval time.Duration  `yaml:"interval" validate:"gt=0"`
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// LoggingConfig sets the operational log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

// TracingConfig controls OpenTelemetry span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	Endpoint    string  `yaml:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio" validate:"gte=0,lte=1"`
}

// Load reads the YAML file named by AUTOHOLDS_CONFIG (if any) and applies
// environment overrides.
func Load() Config {
	return LoadFile(os.Getenv(ConfigPathEnv))
}

// LoadFile reads YAML configuration from path (if not empty) and applies
// environment overrides. Unreadable files fall back to defaults.
func LoadFile(path string) Config {
	cfg := defaultConfig()

	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			slog.Warn("config: cannot read file, falling back to defaults", "path", path, "error", err)
		} else {
			fileCfg := cfg
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				slog.Warn("config: cannot parse file, falling back to defaults", "path", path, "error", err)
			} else {
				cfg = fileCfg
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(dbDriverEnv); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(dbDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(sierraURLEnv); v != "" {
		c.Sierra.BaseURL = v
	}
	if v := os.Getenv(sierraKeyEnv); v != "" {
		c.Sierra.ClientKey = v
	}
	if v := os.Getenv(sierraSecretEnv); v != "" {
		c.Sierra.ClientSecret = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("config: unknown timezone, reverting to default", "timezone", tz, "default", defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

// Validate reports every invalid setting at once, named by its YAML path.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "autoholds.db"},
		Sierra: SierraConfig{
			Fields:          "id,createdDate,author,materialType,lang",
			RecordType:      "b",
			PageSize:        50,
			RequestTimeout:  30 * time.Second,
			HoldsPerSecond:  5,
			HoldBurst:       1,
			LoginMaxElapsed: 2 * time.Minute,
		},
		Scheduler: SchedulerConfig{Interval: 15 * time.Minute, Timezone: defaultTimezone, location: tz},
		Logging:   LoggingConfig{Level: "info"},
		Tracing: TracingConfig{
			ServiceName: "autoholds",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}
