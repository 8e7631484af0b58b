package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "unitd.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := Default()
	if c.Reliability.Home != d.Reliability.Home {
		t.Fatalf("home: got %q want %q", c.Reliability.Home, d.Reliability.Home)
	}
	if c.Reliability.LockTimeout != 2*time.Second {
		t.Fatalf("lock timeout: %v", c.Reliability.LockTimeout)
	}
	if len(c.Units.Paths) != 2 || !c.Units.Watch {
		t.Fatalf("units: %+v", c.Units)
	}
	if c.Units.DefaultStartLimitBurst != 5 || c.Units.DefaultStartLimitInterval != 10*time.Second {
		t.Fatalf("start limit: %+v", c.Units)
	}
	if !c.Mounts.Enabled || c.Mounts.Proc != "/proc" {
		t.Fatalf("mounts: %+v", c.Mounts)
	}
	if c.Server.BasePath != "/api" || c.Server.Listen != "" {
		t.Fatalf("server: %+v", c.Server)
	}
}

func TestLoadFull(t *testing.T) {
	p := writeConfig(t, `
env = ["A=1"]

[reliability]
home = "/tmp/unitd-home"
lock_timeout = "500ms"
compact_schedule = "@every 5m"

[units]
paths = ["/etc/a", "/etc/b", "/etc/c"]
watch = false
default_start_limit_interval = "30s"
default_start_limit_burst = 2

[log]
level = "debug"
format = "json"
path = "/var/log/unitd.log"
  [log.file]
  dir = "/var/log/unitd"
  max_size_mb = 50

[metrics]
listen = ":9100"

[server]
listen = "127.0.0.1:8080"
base_path = "/status"
  [server.tls]
  enabled = true
  dir = "/etc/unitd/tls"
  auto_generate = true
  min_version = "1.2"
  [server.auth]
  enabled = true
  jwt_secret = "s3cret"
  [[server.auth.users]]
  username = "ops"
  password_hash = "$2a$10$abcdefghijklmnopqrstuv"

[[history]]
dsn = "sqlite:///var/lib/unitd/history.db"

[[history]]
dsn = "postgres://u:p@localhost/db"

[mounts]
enabled = false
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Reliability.Home != "/tmp/unitd-home" || c.Reliability.LockTimeout != 500*time.Millisecond || c.Reliability.CompactSchedule != "@every 5m" {
		t.Fatalf("reliability: %+v", c.Reliability)
	}
	if len(c.Units.Paths) != 3 || c.Units.Watch {
		t.Fatalf("units: %+v", c.Units)
	}
	sl := c.StartLimit()
	if sl.StartLimitInterval != 30*time.Second || sl.StartLimitBurst != 2 {
		t.Fatalf("start limit: %+v", sl)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" || c.Log.File.Dir != "/var/log/unitd" || c.Log.File.MaxSizeMB != 50 {
		t.Fatalf("log: %+v", c.Log)
	}
	// unset keys keep their defaults
	if c.Log.File.MaxBackups != 3 {
		t.Fatalf("max backups: %d", c.Log.File.MaxBackups)
	}
	if c.Metrics.Listen != ":9100" || c.Server.Listen != "127.0.0.1:8080" || c.Server.BasePath != "/status" {
		t.Fatalf("http: %+v %+v", c.Metrics, c.Server)
	}
	if !c.Server.TLS.Enabled || c.Server.TLS.Dir != "/etc/unitd/tls" || !c.Server.TLS.AutoGenerate || c.Server.TLS.MinVersion != "1.2" {
		t.Fatalf("tls: %+v", c.Server.TLS)
	}
	a := c.Server.Auth
	if !a.Enabled || a.JWTSecret != "s3cret" || len(a.Users) != 1 || a.Users[0].Username != "ops" {
		t.Fatalf("auth: %+v", a)
	}
	if a.TokenTTL != 24*time.Hour {
		t.Fatalf("token ttl: %v", a.TokenTTL)
	}
	dsns := c.HistoryDSNs()
	if len(dsns) != 2 || dsns[0] != "sqlite:///var/lib/unitd/history.db" {
		t.Fatalf("history: %v", dsns)
	}
	if c.Mounts.Enabled || c.Mounts.Proc != "/proc" {
		t.Fatalf("mounts: %+v", c.Mounts)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "[reliability]\nhome = \"/from/file\"\n")
	t.Setenv("UNITD_RELIABILITY_HOME", "/from/env")
	t.Setenv("UNITD_SERVER_LISTEN", ":7000")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Reliability.Home != "/from/env" {
		t.Fatalf("home: %q", c.Reliability.Home)
	}
	if c.Server.Listen != ":7000" {
		t.Fatalf("listen: %q", c.Server.Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"bad level":     "[log]\nlevel = \"loud\"\n",
		"empty dsn":     "[[history]]\ndsn = \"\"\n",
		"relative base": "[server]\nbase_path = \"api\"\n",
		"syntax":        "[units\n",
		"tls no certs":  "[server.tls]\nenabled = true\n",
		"auth no users": "[server.auth]\nenabled = true\n",
		"auth no hash":  "[server.auth]\nenabled = true\n[[server.auth.users]]\nusername = \"ops\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := Load("/definitely/not/exist.toml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadEnvFile("/definitely/not/exist.env"); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
