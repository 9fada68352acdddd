// Package config loads honeyshell settings from the environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable. Values come from the environment; the entry
// point honors a .env file before Load runs.
type Config struct {
	ListenHost  string `envconfig:"PROXY_LISTEN_HOST" default:"0.0.0.0"`
	ListenPort  int    `envconfig:"PROXY_LISTEN_PORT" default:"2222"`
	HostKeyPath string `envconfig:"HOST_KEY_PATH" default:"proxy/keys/host_rsa"`
	Banner      string `envconfig:"SSH_BANNER" default:"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"`

	Image       string  `envconfig:"HONEYPOT_IMAGE" default:"honeyshell-ubuntu"`
	Network     string  `envconfig:"HONEYPOT_NETWORK" default:"honeypot-net"`
	Hostname    string  `envconfig:"HONEYPOT_HOSTNAME" default:"web-prod-01"`
	CPULimit    float64 `envconfig:"CONTAINER_CPU_LIMIT" default:"0.5"`
	MemoryLimit string  `envconfig:"CONTAINER_MEMORY_LIMIT" default:"256m"`
	TTLMinutes  int     `envconfig:"CONTAINER_TTL_MINUTES" default:"30"`

	SFTPRoot string `envconfig:"SFTP_ROOT" default:"/tmp/honeyshell-sftp"`

	MongoURI string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDB  string `envconfig:"MONGO_DB" default:"honeyshell"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogFile   string `envconfig:"LOG_FILE"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if !strings.HasPrefix(c.Banner, "SSH-2.0-") {
		return fmt.Errorf("ssh banner must start with SSH-2.0-, got %q", c.Banner)
	}
	if c.CPULimit <= 0 {
		return fmt.Errorf("container cpu limit must be positive, got %v", c.CPULimit)
	}
	if _, err := units.RAMInBytes(c.MemoryLimit); err != nil {
		return fmt.Errorf("invalid container memory limit %q: %w", c.MemoryLimit, err)
	}
	if c.TTLMinutes <= 0 {
		return fmt.Errorf("container ttl must be positive, got %d", c.TTLMinutes)
	}
	return nil
}

// ListenAddr returns the host:port the SSH listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// ContainerTTL returns the sandbox time-to-live as a duration.
func (c *Config) ContainerTTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// MemoryBytes returns the parsed memory limit. Validate must have passed.
func (c *Config) MemoryBytes() int64 {
	n, _ := units.RAMInBytes(c.MemoryLimit)
	return n
}
