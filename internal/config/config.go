// Package config loads syncd settings from defaults, an optional config file
// and JEMULATOR_* environment variables, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jemulator/syncd/internal/store"
)

const (
	// EnvPrefix prefixes every environment override, e.g. JEMULATOR_WS_PORT.
	EnvPrefix = "JEMULATOR"

	// FileName is the config file base name searched for without --config.
	FileName = "syncd"

	// AppDir is the directory under the user config dir holding the database
	// and the config file.
	AppDir = "jemulator"
)

// Config is the effective configuration.
type Config struct {
	DB  DBConfig  `mapstructure:"db"`
	WS  WSConfig  `mapstructure:"ws"`
	Log LogConfig `mapstructure:"log"`
}

// DBConfig locates the store.
type DBConfig struct {
	Path string `mapstructure:"path"`

	// Watch notifies clients of writes made to the file by other processes.
	Watch bool `mapstructure:"watch"`
}

// WSConfig configures the WebSocket server.
type WSConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Debug      bool   `mapstructure:"debug"`
}

// DefaultDir returns <user config dir>/jemulator, or the working directory
// when the platform has no user config dir.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, AppDir)
}

// DefaultDBPath returns the platform location of jemulator.db.
func DefaultDBPath() string {
	return filepath.Join(DefaultDir(), store.DefaultFileName)
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.path", DefaultDBPath())
	v.SetDefault("db.watch", true)

	v.SetDefault("ws.host", "")
	v.SetDefault("ws.port", 8080)
	v.SetDefault("ws.write_timeout", 5*time.Second)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.debug", false)
}

// Loader owns the viper instance behind a Config.
type Loader struct {
	v        *viper.Viper
	explicit bool
}

// NewLoader prepares a loader. configFile may be empty, in which case
// syncd.{yaml,toml,json} is looked up in the working directory and then in
// DefaultDir; not finding one is not an error.
func NewLoader(configFile string) *Loader {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	return &Loader{v: v, explicit: configFile != ""}
}

// Load reads the config file, if any, and returns the merged result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the file that was read, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes the new
// config to fn. Invalid edits are reported through onError and otherwise
// ignored. Watch is a no-op when no config file was found.
func (l *Loader) Watch(fn func(*Config), onError func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("ignoring change to %s: %w", e.Name, err))
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("invalid config: db.path is empty")
	}
	if c.WS.Port < 0 || c.WS.Port > 65535 {
		return fmt.Errorf("invalid config: ws.port %d out of range", c.WS.Port)
	}
	if c.WS.WriteTimeout <= 0 {
		return fmt.Errorf("invalid config: ws.write_timeout must be positive")
	}
	return nil
}

// fileView is Config as it appears in a config file: durations are strings
// and keys are snake_case in every format.
type fileView struct {
	DB struct {
		Path  string `yaml:"path" toml:"path" json:"path"`
		Watch bool   `yaml:"watch" toml:"watch" json:"watch"`
	} `yaml:"db" toml:"db" json:"db"`
	WS struct {
		Host         string `yaml:"host" toml:"host" json:"host"`
		Port         int    `yaml:"port" toml:"port" json:"port"`
		WriteTimeout string `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	} `yaml:"ws" toml:"ws" json:"ws"`
	Log struct {
		File       string `yaml:"file" toml:"file" json:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups" toml:"max_backups" json:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
		Debug      bool   `yaml:"debug" toml:"debug" json:"debug"`
	} `yaml:"log" toml:"log" json:"log"`
}

func (c *Config) view() fileView {
	var f fileView
	f.DB.Path = c.DB.Path
	f.DB.Watch = c.DB.Watch
	f.WS.Host = c.WS.Host
	f.WS.Port = c.WS.Port
	f.WS.WriteTimeout = c.WS.WriteTimeout.String()
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Log.Debug = c.Log.Debug
	return f
}

// Formats lists the encodings accepted by Render.
var Formats = []string{"yaml", "toml", "json"}

// Render writes c to w in the given format. The output can be saved as a
// config file and read back by Load.
func (c *Config) Render(w io.Writer, format string) error {
	f := c.view()

	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(f); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q: must be one of %v", format, Formats)
	}
}
