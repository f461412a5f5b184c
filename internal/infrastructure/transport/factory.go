package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/netstack"
)

// Factory establishes tunnels: it dials the relay endpoint in the
// configured mode, runs the session handshake and starts a virtual network
// stack on top.
type Factory struct {
	config *model.Config
	logger port.Logger
}

// NewFactory creates a tunnel factory.
func NewFactory(config *model.Config, logger port.Logger) *Factory {
	return &Factory{config: config, logger: logger}
}

// Establish dials the relay and drives the handshake to Established.
func (f *Factory) Establish(ctx context.Context, identity *model.Identity) (port.Tunnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	localPriv, err := model.DecodeKey(identity.PrivateKey)
	if err != nil {
		return nil, model.WrapProxyError(model.ErrHandshakeFailed, err, "identity private key is invalid")
	}
	localPub, err := model.DecodeKey(identity.PublicKey)
	if err != nil {
		return nil, model.WrapProxyError(model.ErrHandshakeFailed, err, "identity public key is invalid")
	}
	peerPub, err := model.DecodeKey(identity.PeerPublicKey)
	if err != nil {
		return nil, model.WrapProxyError(model.ErrHandshakeFailed, err, "relay public key is invalid")
	}

	endpointAddr := identity.PeerEndpoint
	if f.config.EndpointOverride != "" {
		endpointAddr = f.config.EndpointOverride
	}

	var endpoint port.DatagramEndpoint
	switch f.config.RelayMode {
	case model.RelayModeUDP, "":
		endpoint, err = DialUDP(endpointAddr)
	case model.RelayModeWebSocket:
		endpoint, err = DialWebSocket(endpointAddr)
	default:
		return nil, fmt.Errorf("relay mode %q is not supported", f.config.RelayMode)
	}
	if err != nil {
		return nil, model.WrapProxyError(model.ErrNetworkUnavailable, err, "cannot reach relay")
	}

	session := NewSession(SessionConfig{
		Endpoint:     endpoint,
		LocalPrivate: localPriv,
		LocalPublic:  localPub,
		PeerPublic:   peerPub,
		Initiator:    true,
		Logger:       f.logger,
	})
	if err := session.Start(); err != nil {
		return nil, err
	}

	stack, err := netstack.NewStack(identity.AssignedAddress, f.config.DNSServer, session, f.logger)
	if err != nil {
		session.Close()
		return nil, model.WrapProxyError(model.ErrHandshakeFailed, err, "cannot start virtual network stack")
	}
	stack.Start()

	return &tunnel{
		session: session,
		stack:   stack,
	}, nil
}

// tunnel bundles an established session with its network stack.
type tunnel struct {
	session *Session
	stack   *netstack.Stack
}

// DialContext opens a virtual connection through the tunnel.
func (t *tunnel) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return t.stack.DialContext(ctx, network, address)
}

// Endpoint returns the relay endpoint in use.
func (t *tunnel) Endpoint() string {
	return t.session.cfg.Endpoint.RemoteDescription()
}

// Established reports whether the session currently holds valid keys.
func (t *tunnel) Established() bool {
	return t.session.Established()
}

// Close tears down all virtual connections and the session.
func (t *tunnel) Close() error {
	t.stack.Close()
	return t.session.Close()
}

// Ensure Factory implements port.TunnelFactory
var _ port.TunnelFactory = (*Factory)(nil)
