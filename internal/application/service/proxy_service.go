package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/fetch"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/transport"
)

// ProxyService is the control surface consumed by the host application. It
// owns the proxy lifecycle (init, fetch, shutdown) and all process-wide
// tunnel state, held in the instance rather than globals so tests can run
// independent proxies.
type ProxyService struct {
	config       *model.Config
	logger       port.Logger
	identityRepo port.IdentityRepository
	registrar    port.Registrar
	factory      port.TunnelFactory
	cache        port.Cache

	// newFetcher builds the fetch client once a tunnel exists; overridable
	// in tests
	newFetcher func(dialer port.StreamDialer) port.ImageFetcher

	mu        sync.Mutex
	state     model.ProxyState
	identity  *model.Identity
	tunnel    port.Tunnel
	fetcher   port.ImageFetcher
	lastError string
}

// NewProxyService creates a ProxyService in the NotInitialized state.
func NewProxyService(
	config *model.Config,
	identityRepo port.IdentityRepository,
	registrar port.Registrar,
	factory port.TunnelFactory,
	cache port.Cache,
	logger port.Logger,
) *ProxyService {
	s := &ProxyService{
		config:       config,
		logger:       logger,
		identityRepo: identityRepo,
		registrar:    registrar,
		factory:      factory,
		cache:        cache,
		state:        model.StateNotInitialized,
	}
	s.newFetcher = func(dialer port.StreamDialer) port.ImageFetcher {
		return fetch.NewClient(dialer, config.MaxImageBytes, logger)
	}
	return s
}

// Init provisions the identity (loading the persisted one when present) and
// establishes the tunnel. It is idempotent while Ready. On failure the
// proxy stays NotInitialized with the error recorded for Status.
func (s *ProxyService) Init(ctx context.Context, storagePath string, maxCacheBytes int64) error {
	s.mu.Lock()
	switch s.state {
	case model.StateReady:
		s.mu.Unlock()
		return nil
	case model.StateInitializing, model.StateShuttingDown:
		s.mu.Unlock()
		return model.NewProxyError(model.ErrNotInitialized, "proxy is busy (%s)", s.state)
	}
	s.state = model.StateInitializing
	s.mu.Unlock()

	if maxCacheBytes > 0 {
		s.cache.SetCapacity(maxCacheBytes)
	}

	identity, tunnel, err := s.initialize(ctx, storagePath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = model.StateNotInitialized
		s.lastError = err.Error()
		return err
	}

	s.identity = identity
	s.tunnel = tunnel
	s.fetcher = s.newFetcher(tunnel)
	s.state = model.StateReady
	s.lastError = ""
	s.logger.Info("Proxy ready, egress via %s", tunnel.Endpoint())
	return nil
}

// initialize runs the provisioning and handshake steps outside the state
// lock.
func (s *ProxyService) initialize(ctx context.Context, storagePath string) (*model.Identity, port.Tunnel, error) {
	if storagePath == "" {
		var err error
		storagePath, err = s.identityRepo.DefaultDir()
		if err != nil {
			return nil, nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "no storage path")
		}
	}

	identity, err := s.identityRepo.Load(storagePath)
	if err != nil {
		return nil, nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "cannot read identity")
	}

	if identity == nil {
		identity, err = s.provision(ctx, storagePath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		s.logger.Debug("Loaded existing identity for %s", identity.AssignedAddress)
	}

	tunnel, err := s.factory.Establish(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	return identity, tunnel, nil
}

// provision generates a fresh key pair, registers it with the broker and
// persists the resulting identity. Registration is not retried here; retry
// policy belongs to the caller of Init.
func (s *ProxyService) provision(ctx context.Context, storagePath string) (*model.Identity, error) {
	s.logger.Info("No identity found, provisioning a new one")

	private, public, err := transport.GenerateKeypair()
	if err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "key generation failed")
	}

	data, err := s.registrar.Register(ctx, model.EncodeKey(public))
	if err != nil {
		return nil, err
	}

	identity := &model.Identity{
		PrivateKey:      model.EncodeKey(private),
		PublicKey:       model.EncodeKey(public),
		AssignedAddress: data.AssignedAddress,
		PeerPublicKey:   data.PeerPublicKey,
		PeerEndpoint:    data.Endpoint,
		License:         data.License,
		CreatedAt:       time.Now(),
	}

	if err := s.identityRepo.Save(identity, storagePath); err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "cannot persist identity")
	}
	return identity, nil
}

// Status returns a point-in-time snapshot. It never blocks on the network.
func (s *ProxyService) Status() model.ProxyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.ProxyStatus{
		Ready:     s.state == model.StateReady,
		LastError: s.lastError,
		CacheSize: s.cache.Size(),
	}
	if s.tunnel != nil {
		status.TunnelEnabled = s.tunnel.Established()
		status.Endpoint = s.tunnel.Endpoint()
	}
	return status
}

// FetchImage retrieves one image. The URL scheme is validated before any
// network activity; the cache is consulted before the tunnel.
func (s *ProxyService) FetchImage(ctx context.Context, rawURL string, headers map[string]string) (*model.ImageResponse, error) {
	if _, perr := model.ValidateFetchURL(rawURL); perr != nil {
		return nil, perr
	}

	s.mu.Lock()
	if s.state != model.StateReady {
		s.mu.Unlock()
		return nil, model.NewProxyError(model.ErrNotInitialized, "proxy is not initialized")
	}
	fetcher := s.fetcher
	s.mu.Unlock()

	if cached, ok := s.cache.Get(rawURL); ok {
		return &model.ImageResponse{
			Bytes:       cached.Bytes,
			ContentType: cached.ContentType,
			FromCache:   true,
		}, nil
	}

	fetchCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.config.FetchTimeout)
		defer cancel()
	}

	image, err := fetcher.Fetch(fetchCtx, rawURL, headers)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(rawURL, &model.CachedImage{
		Bytes:       image.Bytes,
		ContentType: image.ContentType,
	}); err != nil {
		// A full or failing cache never fails the fetch itself.
		s.logger.Warn("Cache insert failed for %s: %v", rawURL, err)
	}

	return image, nil
}

// FetchImagesBatch fetches up to maxConcurrent URLs at a time. Results are
// positionally matched to the input and one URL's failure never aborts the
// others.
func (s *ProxyService) FetchImagesBatch(ctx context.Context, urls []string, maxConcurrent int) []model.BatchImageResult {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	results := make([]model.BatchImageResult, len(urls))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, rawURL := range urls {
		wg.Add(1)
		go func(i int, rawURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			image, err := s.FetchImage(ctx, rawURL, nil)
			result := model.BatchImageResult{URL: rawURL}
			if err != nil {
				result.Err = asProxyError(err)
			} else {
				result.Success = true
				result.Image = image
			}
			results[i] = result
		}(i, rawURL)
	}

	wg.Wait()
	return results
}

// ClearCache removes all cached responses. Synchronous: a Status call after
// it returns reports a zero cache size.
func (s *ProxyService) ClearCache() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != model.StateReady {
		return model.NewProxyError(model.ErrNotInitialized, "proxy is not initialized")
	}
	s.cache.Clear()
	return nil
}

// Shutdown tears down the tunnel session and all virtual connections. After
// it returns, every operation except Init fails with NotInitialized.
func (s *ProxyService) Shutdown() error {
	s.mu.Lock()
	if s.state != model.StateReady {
		s.mu.Unlock()
		return model.NewProxyError(model.ErrNotInitialized, "proxy is not initialized")
	}
	s.state = model.StateShuttingDown
	tunnel := s.tunnel
	s.mu.Unlock()

	var closeErr error
	if tunnel != nil {
		closeErr = tunnel.Close()
	}

	s.mu.Lock()
	s.tunnel = nil
	s.fetcher = nil
	s.state = model.StateNotInitialized
	s.mu.Unlock()

	s.logger.Info("Proxy shut down")
	return closeErr
}

// asProxyError coerces any error into a typed ProxyError.
func asProxyError(err error) *model.ProxyError {
	var pe *model.ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return model.WrapProxyError(model.ErrNetworkUnavailable, err, "fetch failed")
}
