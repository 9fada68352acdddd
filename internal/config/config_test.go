package config

import (
	"os"
	"testing"
	"time"
)

// envKeys is every variable Load consults. Tests clear them all so ambient
// environment never bleeds into assertions.
var envKeys = []string{
	"PROXY_LISTEN_HOST", "PROXY_LISTEN_PORT", "HOST_KEY_PATH", "SSH_BANNER",
	"HONEYPOT_IMAGE", "HONEYPOT_NETWORK", "HONEYPOT_HOSTNAME",
	"CONTAINER_CPU_LIMIT", "CONTAINER_MEMORY_LIMIT", "CONTAINER_TTL_MINUTES",
	"SFTP_ROOT", "MONGO_URI", "MONGO_DB", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		// t.Setenv registers the restore; Unsetenv removes the value so
		// defaults actually apply.
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got, want := cfg.ListenAddr(), "0.0.0.0:2222"; got != want {
		t.Errorf("ListenAddr() = %q, want %q", got, want)
	}
	if cfg.HostKeyPath != "proxy/keys/host_rsa" {
		t.Errorf("HostKeyPath = %q", cfg.HostKeyPath)
	}
	if cfg.Banner != "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6" {
		t.Errorf("Banner = %q", cfg.Banner)
	}
	if cfg.Image != "honeyshell-ubuntu" || cfg.Network != "honeypot-net" {
		t.Errorf("image/network = %q/%q", cfg.Image, cfg.Network)
	}
	if cfg.Hostname != "web-prod-01" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.CPULimit != 0.5 {
		t.Errorf("CPULimit = %v", cfg.CPULimit)
	}
	if got, want := cfg.MemoryBytes(), int64(256*1024*1024); got != want {
		t.Errorf("MemoryBytes() = %d, want %d", got, want)
	}
	if got, want := cfg.ContainerTTL(), 30*time.Minute; got != want {
		t.Errorf("ContainerTTL() = %v, want %v", got, want)
	}
	if cfg.SFTPRoot != "/tmp/honeyshell-sftp" {
		t.Errorf("SFTPRoot = %q", cfg.SFTPRoot)
	}
	if cfg.MongoURI != "mongodb://localhost:27017" || cfg.MongoDB != "honeyshell" {
		t.Errorf("mongo = %q/%q", cfg.MongoURI, cfg.MongoDB)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("log = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROXY_LISTEN_HOST", "127.0.0.1")
	t.Setenv("PROXY_LISTEN_PORT", "2200")
	t.Setenv("SSH_BANNER", "SSH-2.0-OpenSSH_9.6")
	t.Setenv("HONEYPOT_IMAGE", "honeyshell-debian")
	t.Setenv("CONTAINER_CPU_LIMIT", "1.5")
	t.Setenv("CONTAINER_MEMORY_LIMIT", "1g")
	t.Setenv("CONTAINER_TTL_MINUTES", "5")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got, want := cfg.ListenAddr(), "127.0.0.1:2200"; got != want {
		t.Errorf("ListenAddr() = %q, want %q", got, want)
	}
	if cfg.Banner != "SSH-2.0-OpenSSH_9.6" {
		t.Errorf("Banner = %q", cfg.Banner)
	}
	if cfg.Image != "honeyshell-debian" {
		t.Errorf("Image = %q", cfg.Image)
	}
	if cfg.CPULimit != 1.5 {
		t.Errorf("CPULimit = %v", cfg.CPULimit)
	}
	if got, want := cfg.MemoryBytes(), int64(1024*1024*1024); got != want {
		t.Errorf("MemoryBytes() = %d, want %d", got, want)
	}
	if got, want := cfg.ContainerTTL(), 5*time.Minute; got != want {
		t.Errorf("ContainerTTL() = %v, want %v", got, want)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port zero", "PROXY_LISTEN_PORT", "0"},
		{"port too large", "PROXY_LISTEN_PORT", "70000"},
		{"banner without prefix", "SSH_BANNER", "OpenSSH_8.9p1"},
		{"negative cpu", "CONTAINER_CPU_LIMIT", "-0.5"},
		{"unparseable memory", "CONTAINER_MEMORY_LIMIT", "lots"},
		{"zero ttl", "CONTAINER_TTL_MINUTES", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}
