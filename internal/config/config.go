package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEPLOYR_DATA_ROOT.
const EnvPrefix = "DEPLOYR"

// Config is the host-side configuration of one deployr invocation.
type Config struct {
	Version            string        `toml:"version" mapstructure:"version"`
	DataRoot           string        `toml:"data_root" mapstructure:"data_root"`
	TmpDir             string        `toml:"tmp_dir" mapstructure:"tmp_dir"`
	BinariesDir        string        `toml:"binaries_dir" mapstructure:"binaries_dir"`
	BuildType          string        `toml:"build_type" mapstructure:"build_type"`
	RunAs              string        `toml:"run_as" mapstructure:"run_as"`
	AgentAddress       string        `toml:"agent_address" mapstructure:"agent_address"`
	AgentAcceptTimeout time.Duration `toml:"agent_accept_timeout" mapstructure:"agent_accept_timeout"`
	Log                LogConfig     `toml:"log" mapstructure:"log"`
	ServerLog          LogConfig     `toml:"server_log" mapstructure:"server_log"`
	History            HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics            MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Path       string `toml:"path" mapstructure:"path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig lists sinks that receive one record per command.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	Pushgateway string `toml:"pushgateway" mapstructure:"pushgateway"`
	Job         string `toml:"job" mapstructure:"job"`
}

// Logger converts the section into the logger package's shape.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(l.Level),
			Format:     logger.Format(l.Format),
			Color:      l.Color,
			TimeStamps: l.Timestamps,
		},
		File: logger.FileConfig{
			Dir:        l.Dir,
			Path:       l.Path,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// NewViper returns a viper instance with defaults and environment
// overrides wired. Callers may bind flags to it before LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("version", "dev")
	v.SetDefault("data_root", "/data/data")
	v.SetDefault("tmp_dir", "/data/local/tmp/.deployr")
	v.SetDefault("binaries_dir", "")
	v.SetDefault("build_type", "")
	v.SetDefault("run_as", "run-as")
	v.SetDefault("agent_address", "")
	v.SetDefault("agent_accept_timeout", 15*time.Second)
	for _, section := range []string{"log", "server_log"} {
		v.SetDefault(section+".level", "info")
		v.SetDefault(section+".format", "text")
		v.SetDefault(section+".color", false)
		v.SetDefault(section+".timestamps", true)
		v.SetDefault(section+".dir", "")
		v.SetDefault(section+".path", "")
		v.SetDefault(section+".max_size_mb", logger.DefaultMaxSizeMB)
		v.SetDefault(section+".max_backups", logger.DefaultMaxBackups)
		v.SetDefault(section+".max_age_days", logger.DefaultMaxAgeDays)
		v.SetDefault(section+".compress", false)
	}
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("metrics.pushgateway", "")
	v.SetDefault("metrics.job", "deployr")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path on top of defaults and
// DEPLOYR_ environment variables.
func Load(path string) (*Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom is Load on a caller-prepared viper instance.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	if c.Version == "" || strings.ContainsAny(c.Version, "/ ") {
		return fmt.Errorf("%w: version %q", ErrInvalid, c.Version)
	}
	if !filepath.IsAbs(c.DataRoot) {
		return fmt.Errorf("%w: data_root must be absolute, got %q", ErrInvalid, c.DataRoot)
	}
	if c.TmpDir == "" {
		return fmt.Errorf("%w: tmp_dir is required", ErrInvalid)
	}
	if c.AgentAcceptTimeout <= 0 {
		return fmt.Errorf("%w: agent_accept_timeout must be positive", ErrInvalid)
	}
	for name, l := range map[string]LogConfig{"log": c.Log, "server_log": c.ServerLog} {
		switch l.Format {
		case "text", "json":
		default:
			return fmt.Errorf("%w: %s.format must be text or json, got %q", ErrInvalid, name, l.Format)
		}
	}
	return nil
}
