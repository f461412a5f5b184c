package model

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"time"
)

// Identity holds the per-installation key pair and the tunnel parameters the
// relay broker assigned to it. It is created once by provisioning, persisted
// under the application storage path, and loaded on every subsequent init.
type Identity struct {
	// PrivateKey is the base64 (raw URL encoding) X25519 private key
	PrivateKey string `json:"private_key"`
	// PublicKey is the base64 (raw URL encoding) X25519 public key
	PublicKey string `json:"public_key"`
	// AssignedAddress is the IPv4 address assigned inside the tunnel
	AssignedAddress string `json:"assigned_address"`
	// PeerPublicKey is the relay's base64 X25519 public key
	PeerPublicKey string `json:"peer_public_key"`
	// PeerEndpoint is the relay endpoint (host:port for udp mode, a ws(s)
	// URL for websocket mode)
	PeerEndpoint string `json:"peer_endpoint"`
	// License is the opaque account token returned by the broker
	License string `json:"license,omitempty"`
	// CreatedAt is when the identity was provisioned
	CreatedAt time.Time `json:"created_at"`
}

// DecodeKey decodes a base64 raw-URL encoded 32-byte key.
func DecodeKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("invalid key encoding: %v", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeKey encodes a 32-byte key as base64 raw-URL.
func EncodeKey(key [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(key[:])
}

// Validate checks that the identity is structurally complete. A persisted
// identity that fails validation is treated as absent and re-provisioned.
func (id *Identity) Validate() error {
	if _, err := DecodeKey(id.PrivateKey); err != nil {
		return fmt.Errorf("private key: %v", err)
	}
	if _, err := DecodeKey(id.PublicKey); err != nil {
		return fmt.Errorf("public key: %v", err)
	}
	if _, err := DecodeKey(id.PeerPublicKey); err != nil {
		return fmt.Errorf("peer public key: %v", err)
	}
	if _, err := netip.ParseAddr(id.AssignedAddress); err != nil {
		return fmt.Errorf("assigned address: %v", err)
	}
	if id.PeerEndpoint == "" {
		return fmt.Errorf("peer endpoint is empty")
	}
	return nil
}

// RegisterRequest is the body POSTed to the broker's register endpoint.
type RegisterRequest struct {
	// PublicKey is the installation's base64 X25519 public key
	PublicKey string `json:"public_key"`
	// Hostname is an optional client hint shown in the broker dashboard
	Hostname string `json:"hostname,omitempty"`
}

// RegisterData is the tunnel parameter set assigned by the broker.
type RegisterData struct {
	// AssignedAddress is the IPv4 address assigned inside the tunnel
	AssignedAddress string `json:"assigned_address"`
	// PeerPublicKey is the relay's base64 X25519 public key
	PeerPublicKey string `json:"peer_public_key"`
	// Endpoint is the relay endpoint to dial
	Endpoint string `json:"endpoint"`
	// License is the opaque account token
	License string `json:"license,omitempty"`
}

// RegisterResponse is the broker's response envelope.
type RegisterResponse struct {
	// Status is "success" or "error"
	Status string `json:"status"`
	// Code is the application-level status code
	Code int `json:"code"`
	// Message contains error details when Status is not success
	Message string `json:"message,omitempty"`
	// Data holds the assigned tunnel parameters on success
	Data RegisterData `json:"data"`
}
