package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/chainforge/internal/config"
)

// Bridge defaults, used for any setting left unset in config.yaml.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 15 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
)

// Environment variables that override the bridge section of config.yaml.
const (
	EnvBridgeEnabled      = "CHAINFORGE_BRIDGE_ENABLED"
	EnvBridgeHost         = "CHAINFORGE_BRIDGE_HOST"
	EnvBridgePort         = "CHAINFORGE_BRIDGE_PORT"
	EnvBridgeMaxBodyBytes = "CHAINFORGE_BRIDGE_MAX_BODY_BYTES"
	EnvBridgeReadTimeout  = "CHAINFORGE_BRIDGE_READ_TIMEOUT"
	EnvBridgeWriteTimeout = "CHAINFORGE_BRIDGE_WRITE_TIMEOUT"
	EnvBridgeIdleTimeout  = "CHAINFORGE_BRIDGE_IDLE_TIMEOUT"
)

// Settings is the resolved configuration of the HTTP bridge.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultSettings returns an enabled bridge on the loopback interface.
func DefaultSettings() Settings {
	return Settings{
		Enabled:      true,
		Host:         DefaultHost,
		Port:         DefaultPort,
		MaxBodyBytes: DefaultMaxBodyBytes,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

// SettingsFromConfig layers the project's bridge section and then the
// CHAINFORGE_BRIDGE_* variables over the defaults. Invalid values at either
// layer are ignored.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	if cfg != nil {
		s = s.withBridge(cfg.Project.Bridge)
	}
	return s.withEnv(os.LookupEnv)
}

func (s Settings) withBridge(raw config.BridgeConfig) Settings {
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	if host := strings.TrimSpace(raw.Host); host != "" {
		s.Host = host
	}
	if isValidPort(raw.Port) {
		s.Port = raw.Port
	}
	if raw.MaxBodyBytes > 0 {
		s.MaxBodyBytes = raw.MaxBodyBytes
	}
	s.ReadTimeout = positive(raw.ReadTimeout, s.ReadTimeout)
	s.WriteTimeout = positive(raw.WriteTimeout, s.WriteTimeout)
	s.IdleTimeout = positive(raw.IdleTimeout, s.IdleTimeout)
	return s
}

func (s Settings) withEnv(lookup func(string) (string, bool)) Settings {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	if value, ok := get(EnvBridgeEnabled); ok {
		if enabled, err := strconv.ParseBool(value); err == nil {
			s.Enabled = enabled
		}
	}
	if value, ok := get(EnvBridgeHost); ok {
		s.Host = value
	}
	if value, ok := get(EnvBridgePort); ok {
		if port, err := strconv.Atoi(value); err == nil && isValidPort(port) {
			s.Port = port
		}
	}
	if value, ok := get(EnvBridgeMaxBodyBytes); ok {
		if limit, err := strconv.ParseInt(value, 10, 64); err == nil && limit > 0 {
			s.MaxBodyBytes = limit
		}
	}
	for key, target := range map[string]*time.Duration{
		EnvBridgeReadTimeout:  &s.ReadTimeout,
		EnvBridgeWriteTimeout: &s.WriteTimeout,
		EnvBridgeIdleTimeout:  &s.IdleTimeout,
	} {
		if value, ok := get(key); ok {
			if d, err := time.ParseDuration(value); err == nil {
				*target = positive(d, *target)
			}
		}
	}
	return s
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
