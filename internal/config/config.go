package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/unitd/internal/logger"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
)

// EnvPrefix prefixes environment overrides, e.g. UNITD_RELIABILITY_HOME.
const EnvPrefix = "UNITD"

// Config represents the top-level TOML structure of the manager.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Units       UnitsConfig       `mapstructure:"units"`
	Log         logger.Config     `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Server      ServerConfig      `mapstructure:"server"`
	History     []HistoryConfig   `mapstructure:"history"`
	Mounts      MountsConfig      `mapstructure:"mounts"`
}

type ReliabilityConfig struct {
	Home        string        `mapstructure:"home"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// CompactSchedule is a cron expression; empty disables compaction.
	CompactSchedule string `mapstructure:"compact_schedule"`
}

type UnitsConfig struct {
	Paths []string `mapstructure:"paths"`
	Watch bool     `mapstructure:"watch"`
	// Default is started after recovery when its unit file exists.
	Default                   string        `mapstructure:"default"`
	DefaultStartLimitInterval time.Duration `mapstructure:"default_start_limit_interval"`
	DefaultStartLimitBurst    uint          `mapstructure:"default_start_limit_burst"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      TLSConfig  `mapstructure:"tls"`
	Auth     AuthConfig `mapstructure:"auth"`
}

// AuthConfig protects the status API. Clients send Basic credentials checked
// against bcrypt hashes, or a bearer JWT signed with JWTSecret.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Users     []UserConfig  `mapstructure:"users"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// TLSConfig serves the status API over https. CertFile and KeyFile win over
// Dir; Dir holds tls.crt and tls.key, generated when AutoGenerate is set.
type TLSConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS describes the self-signed certificate.
type AutoGenTLS struct {
	CommonName  string   `mapstructure:"common_name"`
	DNSNames    []string `mapstructure:"dns_names"`
	IPAddresses []string `mapstructure:"ip_addresses"`
	ValidDays   int      `mapstructure:"valid_days"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MountsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Proc is the procfs mount point the mount table is read from.
	Proc string `mapstructure:"proc"`
	// MountInfo is watched for changes; empty only reconciles after recovery.
	MountInfo string `mapstructure:"mountinfo"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Reliability: ReliabilityConfig{
			Home:            reli.DefaultHome,
			LockTimeout:     2 * time.Second,
			CompactSchedule: "@every 1h",
		},
		Units: UnitsConfig{
			Paths:                     []string{"/etc/unitd/system", "/usr/lib/unitd/system"},
			Watch:                     true,
			Default:                   "default.target",
			DefaultStartLimitInterval: unit.DefaultStartLimitInterval,
			DefaultStartLimitBurst:    unit.DefaultStartLimitBurst,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
			File: logger.FileConfig{
				MaxSizeMB:  logger.DefaultMaxSizeMB,
				MaxBackups: logger.DefaultMaxBackups,
				MaxAgeDays: logger.DefaultMaxAgeDays,
			},
		},
		Server: ServerConfig{
			BasePath: "/api",
			Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		},
		Mounts: MountsConfig{
			Enabled:   true,
			Proc:      "/proc",
			MountInfo: "/proc/self/mountinfo",
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("reliability.home", d.Reliability.Home)
	v.SetDefault("reliability.lock_timeout", d.Reliability.LockTimeout)
	v.SetDefault("reliability.compact_schedule", d.Reliability.CompactSchedule)
	v.SetDefault("units.paths", d.Units.Paths)
	v.SetDefault("units.watch", d.Units.Watch)
	v.SetDefault("units.default", d.Units.Default)
	v.SetDefault("units.default_start_limit_interval", d.Units.DefaultStartLimitInterval)
	v.SetDefault("units.default_start_limit_burst", d.Units.DefaultStartLimitBurst)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", d.Server.Auth.TokenTTL)
	v.SetDefault("mounts.enabled", d.Mounts.Enabled)
	v.SetDefault("mounts.proc", d.Mounts.Proc)
	v.SetDefault("mounts.mountinfo", d.Mounts.MountInfo)
	return v
}

// Load reads the TOML file at path on top of Default. An empty path uses the
// defaults and the environment only.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports settings the manager cannot start with.
func (c Config) Validate() error {
	if c.Reliability.Home == "" {
		return fmt.Errorf("reliability.home is required")
	}
	if len(c.Units.Paths) == 0 {
		return fmt.Errorf("units.paths must list at least one directory")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for i, h := range c.History {
		if strings.TrimSpace(h.DSN) == "" {
			return fmt.Errorf("history[%d]: dsn is required", i)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		return fmt.Errorf("server.tls: cert_file and key_file, or dir, are required")
	}
	if a := c.Server.Auth; a.Enabled {
		if len(a.Users) == 0 && a.JWTSecret == "" {
			return fmt.Errorf("server.auth: users or jwt_secret are required")
		}
		for i, u := range a.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return fmt.Errorf("server.auth.users[%d]: username and password_hash are required", i)
			}
		}
	}
	return nil
}

// HistoryDSNs lists the configured history sinks.
func (c Config) HistoryDSNs() []string {
	out := make([]string, 0, len(c.History))
	for _, h := range c.History {
		out = append(out, h.DSN)
	}
	return out
}

// StartLimit converts the unit defaults for the unit manager.
func (c Config) StartLimit() unit.Config {
	return unit.Config{
		StartLimitInterval: c.Units.DefaultStartLimitInterval,
		StartLimitBurst:    c.Units.DefaultStartLimitBurst,
	}
}
