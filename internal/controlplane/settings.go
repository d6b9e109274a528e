package controlplane

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/cascade/internal/config"
)

const (
	// DefaultHost is the loopback interface used when no host is configured.
	DefaultHost = "127.0.0.1"
	// DefaultPort matches the dashboard port operators already expect.
	DefaultPort = 5000
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes, including triggered ticks.
	DefaultWriteTimeout = 10 * time.Minute
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultRefresh is the overview auto-refresh period.
	DefaultRefresh = 10 * time.Second
)

// Settings captures runtime configuration for the dashboard server.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Refresh      time.Duration
}

// SettingsFromConfig builds Settings from the project's dashboard section.
// Environment overrides are already folded in by config.NewConfig.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{Host: DefaultHost, Port: DefaultPort}
	if cfg != nil {
		if host := strings.TrimSpace(cfg.Project.Dashboard.Host); host != "" {
			settings.Host = host
		}
		if isValidPort(cfg.Project.Dashboard.Port) {
			settings.Port = cfg.Project.Dashboard.Port
		}
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	// Port 0 asks the kernel for a free port.
	if s.Port < 0 || s.Port > 65535 {
		s.Port = DefaultPort
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
	if s.Refresh <= 0 {
		s.Refresh = DefaultRefresh
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
