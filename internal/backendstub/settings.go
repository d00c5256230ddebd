package backendstub

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultServiceName names the stub in traces.
	DefaultServiceName = "batchline-stub"
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the stub backend.
	DefaultPort = 8787
	// DefaultMaxBodyBytes limits request payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultTokenTTL is the lifetime of issued login tokens.
	DefaultTokenTTL = 8 * time.Hour
	// DefaultSessionIdle is how long a user may stay silent before the
	// inactivity check reports the session expired.
	DefaultSessionIdle = 30 * time.Minute
)

// Settings captures runtime configuration for the stub backend.
type Settings struct {
	ServiceName  string        `env:"BATCHLINE_STUB_SERVICE_NAME"`
	Host         string        `env:"BATCHLINE_STUB_HOST"`
	Port         int           `env:"BATCHLINE_STUB_PORT"`
	Secret       string        `env:"BATCHLINE_STUB_SECRET"`
	TokenTTL     time.Duration `env:"BATCHLINE_STUB_TOKEN_TTL"`
	SessionIdle  time.Duration `env:"BATCHLINE_STUB_SESSION_IDLE"`
	MaxBodyBytes int64         `env:"BATCHLINE_STUB_MAX_BODY_BYTES"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns loopback settings with a development secret.
func DefaultSettings() Settings {
	s := Settings{}
	s.normalize()
	return s
}

// SettingsFromEnv builds Settings from BATCHLINE_STUB_* variables.
func SettingsFromEnv() (Settings, error) {
	settings := Settings{}
	if err := env.Parse(&settings); err != nil {
		return Settings{}, fmt.Errorf("backendstub: parse env: %w", err)
	}
	settings.normalize()
	return settings, nil
}

func (s *Settings) normalize() {
	if s == nil {
		return
	}
	s.ServiceName = strings.TrimSpace(s.ServiceName)
	if s.ServiceName == "" {
		s.ServiceName = DefaultServiceName
	}
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if strings.TrimSpace(s.Secret) == "" {
		s.Secret = "batchline-development-secret"
	}
	if s.TokenTTL <= 0 {
		s.TokenTTL = DefaultTokenTTL
	}
	if s.SessionIdle <= 0 {
		s.SessionIdle = DefaultSessionIdle
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server, with a trailing slash.
func (s Settings) URL() string {
	return "http://" + s.Address() + "/"
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
