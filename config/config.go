/*
config.go - Runtime configuration

PURPOSE:
  Loads settings from defaults, an optional config file and the
  environment, in increasing order of precedence.

SOURCES:
  1. Defaults (SetDefaults)
  2. Config file given by --config (toml, yaml or json by extension)
  3. Environment: LEDGER_ prefix, dots become underscores
     (anomaly.warning_pct → LEDGER_ANOMALY_WARNING_PCT)

VALIDATION:
  Load rejects an unknown time zone, a non-positive anomaly window and
  thresholds where warning_pct exceeds critical_pct.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/meter-ledger/ledger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEDGER"

type Config struct {
	HTTP    HTTPConfig
	DB      DBConfig
	Log     LogConfig
	Anomaly ledger.AnomalyPolicy
	Import  ImportConfig
	MQTT    MQTTConfig
	Seed    SeedConfig

	// Timezone names the IANA zone used for timestamps and calendar days.
	Timezone string
	Location *time.Location
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

type DBConfig struct {
	Path string
}

type LogConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type ImportConfig struct {
	DateLayouts []string
	MaxUploadMB int64
}

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

type SeedConfig struct {
	SamplePanels bool
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("db.path", "./data/ledger.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("timezone", "Local")

	defaults := ledger.DefaultAnomalyPolicy()
	v.SetDefault("anomaly.window_days", defaults.WindowDays)
	v.SetDefault("anomaly.warning_pct", defaults.WarningPct)
	v.SetDefault("anomaly.critical_pct", defaults.CriticalPct)

	v.SetDefault("import.date_layouts", ledger.DefaultDateLayouts)
	v.SetDefault("import.max_upload_mb", 10)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "meters/readings")
	v.SetDefault("mqtt.client_id", "meterledger-ingest")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("seed.sample_panels", true)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) and the environment into a Config.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		},
		DB: DBConfig{Path: v.GetString("db.path")},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Pretty:     v.GetBool("log.pretty"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Anomaly: ledger.AnomalyPolicy{
			WindowDays:  v.GetInt("anomaly.window_days"),
			WarningPct:  v.GetFloat64("anomaly.warning_pct"),
			CriticalPct: v.GetFloat64("anomaly.critical_pct"),
		},
		Import: ImportConfig{
			DateLayouts: v.GetStringSlice("import.date_layouts"),
			MaxUploadMB: v.GetInt64("import.max_upload_mb"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			Topic:    v.GetString("mqtt.topic"),
			ClientID: v.GetString("mqtt.client_id"),
			QoS:      byte(v.GetUint("mqtt.qos")),
		},
		Seed:     SeedConfig{SamplePanels: v.GetBool("seed.sample_panels")},
		Timezone: v.GetString("timezone"),
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Anomaly.WindowDays <= 0 {
		errs = append(errs, fmt.Errorf("anomaly.window_days must be positive, got %d", c.Anomaly.WindowDays))
	}
	if c.Anomaly.WarningPct < 0 || c.Anomaly.CriticalPct < 0 {
		errs = append(errs, errors.New("anomaly thresholds must not be negative"))
	}
	if c.Anomaly.WarningPct > c.Anomaly.CriticalPct {
		errs = append(errs, fmt.Errorf("anomaly.warning_pct (%v) exceeds anomaly.critical_pct (%v)",
			c.Anomaly.WarningPct, c.Anomaly.CriticalPct))
	}
	if c.Import.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("import.max_upload_mb must be positive, got %d", c.Import.MaxUploadMB))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes is the import upload limit in bytes.
func (c ImportConfig) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
