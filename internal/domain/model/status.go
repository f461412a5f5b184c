package model

// ProxyState represents the lifecycle state of the proxy.
type ProxyState string

const (
	// StateNotInitialized means init has not run or has been torn down
	StateNotInitialized ProxyState = "not_initialized"
	// StateInitializing means init is in progress
	StateInitializing ProxyState = "initializing"
	// StateReady means the tunnel is established and fetches are accepted
	StateReady ProxyState = "ready"
	// StateShuttingDown means shutdown is in progress
	StateShuttingDown ProxyState = "shutting_down"
)

// ProxyStatus is a point-in-time snapshot of the proxy. It is derived from
// live state and never blocks on the network.
type ProxyStatus struct {
	// Ready indicates fetches are currently accepted
	Ready bool `json:"ready"`
	// TunnelEnabled indicates the encrypted tunnel session is established
	TunnelEnabled bool `json:"tunnel_enabled"`
	// Endpoint is the relay endpoint in use, empty when not connected
	Endpoint string `json:"endpoint,omitempty"`
	// LastError is the most recent init or tunnel error, empty if none
	LastError string `json:"last_error,omitempty"`
	// CacheSize is the current total size of cached responses in bytes
	CacheSize int64 `json:"cache_size"`
}
