package model

import (
	"time"
)

// LogLevel defines logging levels
type LogLevel string

const (
	// LogLevelDebug is the level for debug messages
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the level for informational messages
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the level for warning messages
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the level for error messages
	LogLevelError LogLevel = "error"
)

// RelayMode defines how encrypted datagrams reach the relay
type RelayMode string

const (
	// RelayModeUDP carries tunnel datagrams over plain UDP
	RelayModeUDP RelayMode = "udp"
	// RelayModeWebSocket carries tunnel datagrams as websocket binary
	// messages, for networks where UDP is blocked
	RelayModeWebSocket RelayMode = "websocket"
)

// Config is the client configuration.
type Config struct {
	// BrokerURL is the base URL of the relay broker used for registration
	BrokerURL string
	// RelayMode selects the datagram carrier (udp or websocket)
	RelayMode RelayMode
	// EndpointOverride, when set, replaces the broker-assigned relay
	// endpoint (mainly for testing against a local relay)
	EndpointOverride string
	// DNSServer is the resolver reached through the tunnel, host:port
	DNSServer string
	// StoragePath is the directory holding the identity file
	StoragePath string
	// MaxCacheBytes bounds the total size of the response cache
	MaxCacheBytes int64
	// MaxImageBytes bounds a single response body
	MaxImageBytes int64
	// FetchTimeout is the default per-fetch deadline
	FetchTimeout time.Duration
	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel LogLevel
	// LogFile is the path to log file (empty for stdout)
	LogFile string
}

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	return &Config{
		BrokerURL:     "https://broker.imgveil.net",
		RelayMode:     RelayModeUDP,
		DNSServer:     "1.1.1.1:53",
		MaxCacheBytes: 64 << 20,
		MaxImageBytes: 10 << 20,
		FetchTimeout:  30 * time.Second,
		LogLevel:      LogLevelWarn,
	}
}
