package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/cache"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/logger"
)

var testImage = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3, 4}

// fakeIdentityRepo keeps identities in memory.
type fakeIdentityRepo struct {
	mu     sync.Mutex
	stored map[string]*model.Identity
	saves  int
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{stored: make(map[string]*model.Identity)}
}

func (r *fakeIdentityRepo) Load(dir string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored[dir], nil
}

func (r *fakeIdentityRepo) Save(id *model.Identity, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored[dir] = id
	r.saves++
	return nil
}

func (r *fakeIdentityRepo) DefaultDir() (string, error) { return "/fake/default", nil }

// fakeRegistrar counts registrations and can be made to fail.
type fakeRegistrar struct {
	registrations atomic.Int32
	fail          bool
}

func (f *fakeRegistrar) Register(ctx context.Context, publicKey string) (*model.RegisterData, error) {
	f.registrations.Add(1)
	if f.fail {
		return nil, model.NewProxyError(model.ErrProvisioningFailed, "broker rejected registration")
	}
	if _, err := model.DecodeKey(publicKey); err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "bad public key")
	}
	var peer [32]byte
	peer[0] = 9
	return &model.RegisterData{
		AssignedAddress: "10.66.0.2",
		PeerPublicKey:   model.EncodeKey(peer),
		Endpoint:        "relay.example.net:51820",
		License:         "lic-test",
	}, nil
}

// fakeTunnel satisfies port.Tunnel without any real networking.
type fakeTunnel struct {
	closed atomic.Bool
}

func (f *fakeTunnel) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, fmt.Errorf("fake tunnel does not dial")
}
func (f *fakeTunnel) Endpoint() string  { return "relay.example.net:51820" }
func (f *fakeTunnel) Established() bool { return !f.closed.Load() }
func (f *fakeTunnel) Close() error      { f.closed.Store(true); return nil }

type fakeFactory struct {
	establishes atomic.Int32
	fail        bool
	tunnel      *fakeTunnel
}

func (f *fakeFactory) Establish(ctx context.Context, identity *model.Identity) (port.Tunnel, error) {
	f.establishes.Add(1)
	if f.fail {
		return nil, model.NewProxyError(model.ErrHandshakeFailed, "relay did not answer")
	}
	if err := identity.Validate(); err != nil {
		return nil, model.WrapProxyError(model.ErrHandshakeFailed, err, "bad identity")
	}
	t := &fakeTunnel{}
	f.tunnel = t
	return t, nil
}

// fakeFetcher serves canned responses per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	perURL  map[string]*model.ImageResponse
	failURL map[string]*model.ProxyError
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		perURL:  make(map[string]*model.ImageResponse),
		failURL: make(map[string]*model.ProxyError),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*model.ImageResponse, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if cur <= peak || f.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if perr, ok := f.failURL[rawURL]; ok {
		return nil, perr
	}
	if resp, ok := f.perURL[rawURL]; ok {
		return resp, nil
	}
	return &model.ImageResponse{Bytes: testImage, ContentType: "image/png"}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testProxy struct {
	service   *ProxyService
	repo      *fakeIdentityRepo
	registrar *fakeRegistrar
	factory   *fakeFactory
	fetcher   *fakeFetcher
	cache     *cache.LRUCache
}

func newTestProxy() *testProxy {
	cfg := model.NewConfig()
	cfg.FetchTimeout = 5 * time.Second

	p := &testProxy{
		repo:      newFakeIdentityRepo(),
		registrar: &fakeRegistrar{},
		factory:   &fakeFactory{},
		fetcher:   newFakeFetcher(),
		cache:     cache.NewLRUCache(1 << 20),
	}
	p.service = NewProxyService(cfg, p.repo, p.registrar, p.factory, p.cache,
		logger.NewLogger(io.Discard, "error"))
	p.service.newFetcher = func(dialer port.StreamDialer) port.ImageFetcher {
		return p.fetcher
	}
	return p
}

func mustInit(t *testing.T, p *testProxy) {
	t.Helper()
	if err := p.service.Init(context.Background(), "/tmp/fake", 1<<20); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestInitProvisionsOnce(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)

	if got := p.registrar.registrations.Load(); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
	if p.repo.saves != 1 {
		t.Errorf("identity saves = %d, want 1", p.repo.saves)
	}
	if !p.service.Status().Ready {
		t.Error("Status not Ready after Init")
	}

	// Ready proxy: Init is a no-op, no second provisioning or handshake.
	mustInit(t, p)
	if got := p.registrar.registrations.Load(); got != 1 {
		t.Errorf("registrations after repeat Init = %d, want 1", got)
	}
	if got := p.factory.establishes.Load(); got != 1 {
		t.Errorf("tunnel establishments = %d, want 1", got)
	}
}

func TestInitReusesPersistedIdentity(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)
	if err := p.service.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// A fresh service sharing the repo must not register again.
	q := newTestProxy()
	q.repo = p.repo
	q.service = NewProxyService(model.NewConfig(), q.repo, q.registrar, q.factory, q.cache,
		logger.NewLogger(io.Discard, "error"))
	q.service.newFetcher = func(dialer port.StreamDialer) port.ImageFetcher { return q.fetcher }

	mustInit(t, q)
	if got := q.registrar.registrations.Load(); got != 0 {
		t.Errorf("registrations with persisted identity = %d, want 0", got)
	}
}

func TestInitFailureLeavesNotInitialized(t *testing.T) {
	p := newTestProxy()
	p.registrar.fail = true

	err := p.service.Init(context.Background(), "/tmp/fake", 0)
	if err == nil {
		t.Fatal("Init succeeded despite registration failure")
	}

	status := p.service.Status()
	if status.Ready {
		t.Error("Ready after failed Init")
	}
	if status.LastError == "" {
		t.Error("LastError not recorded")
	}

	// A later successful Init clears the error.
	p.registrar.fail = false
	mustInit(t, p)
	if p.service.Status().LastError != "" {
		t.Error("LastError not cleared by successful Init")
	}
}

func TestInitHandshakeFailure(t *testing.T) {
	p := newTestProxy()
	p.factory.fail = true

	err := p.service.Init(context.Background(), "/tmp/fake", 0)
	if !model.IsKind(err, model.ErrHandshakeFailed) {
		t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrHandshakeFailed)
	}
	if p.service.Status().Ready {
		t.Error("Ready after handshake failure")
	}
}

func TestFetchImageInvalidURLBeforeNetwork(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)

	for _, rawURL := range []string{
		"cid:inline@example.com",
		"data:image/png;base64,AAAA",
		"file:///etc/hosts",
		"javascript:void(0)",
		"ftp://host/a.png",
	} {
		_, err := p.service.FetchImage(context.Background(), rawURL, nil)
		if !model.IsKind(err, model.ErrInvalidURL) {
			t.Errorf("FetchImage(%q) kind = %s, want %s", rawURL, model.KindOf(err), model.ErrInvalidURL)
		}
	}
	if n := p.fetcher.callCount(); n != 0 {
		t.Errorf("invalid URLs reached the fetcher %d times", n)
	}
}

func TestFetchImageRequiresInit(t *testing.T) {
	p := newTestProxy()
	_, err := p.service.FetchImage(context.Background(), "https://example.com/a.png", nil)
	if !model.IsKind(err, model.ErrNotInitialized) {
		t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrNotInitialized)
	}
}

func TestFetchImageCachesResponses(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)
	ctx := context.Background()

	first, err := p.service.FetchImage(ctx, "https://example.com/a.png", nil)
	if err != nil {
		t.Fatalf("first FetchImage: %v", err)
	}
	if first.FromCache {
		t.Error("first fetch marked FromCache")
	}

	second, err := p.service.FetchImage(ctx, "https://example.com/a.png", nil)
	if err != nil {
		t.Fatalf("second FetchImage: %v", err)
	}
	if !second.FromCache {
		t.Error("second fetch not served from cache")
	}
	if string(second.Bytes) != string(testImage) {
		t.Error("cached bytes differ")
	}
	if n := p.fetcher.callCount(); n != 1 {
		t.Errorf("fetcher called %d times, want 1", n)
	}

	// Normalized URL variants share the cache entry.
	third, err := p.service.FetchImage(ctx, "HTTPS://EXAMPLE.COM:443/a.png", nil)
	if err != nil {
		t.Fatalf("third FetchImage: %v", err)
	}
	if !third.FromCache {
		t.Error("normalized variant missed the cache")
	}
}

func TestFetchImageFailuresNotCached(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)
	ctx := context.Background()

	url := "https://example.com/flaky.png"
	p.fetcher.failURL[url] = model.NewProxyError(model.ErrHTTP, "server returned status 503")

	if _, err := p.service.FetchImage(ctx, url, nil); !model.IsKind(err, model.ErrHTTP) {
		t.Fatalf("error kind = %s, want %s", model.KindOf(err), model.ErrHTTP)
	}

	delete(p.fetcher.failURL, url)
	resp, err := p.service.FetchImage(ctx, url, nil)
	if err != nil {
		t.Fatalf("retry FetchImage: %v", err)
	}
	if resp.FromCache {
		t.Error("failed fetch left a cache entry")
	}
}

func TestFetchImagesBatchOrderAndIsolation(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)

	urls := []string{
		"https://example.com/1.png",
		"ftp://bad.example.com/2.png",
		"https://example.com/3.png",
		"https://example.com/fail.png",
		"https://example.com/5.png",
	}
	p.fetcher.failURL[urls[3]] = model.NewProxyError(model.ErrConnectTimeout, "no response")

	results := p.service.FetchImagesBatch(context.Background(), urls, 2)
	if len(results) != len(urls) {
		t.Fatalf("got %d results for %d urls", len(results), len(urls))
	}
	for i, r := range results {
		if r.URL != urls[i] {
			t.Errorf("result %d is for %q, want %q", i, r.URL, urls[i])
		}
	}

	for _, i := range []int{0, 2, 4} {
		if !results[i].Success || results[i].Image == nil {
			t.Errorf("result %d failed: %v", i, results[i].Err)
		}
	}
	if results[1].Success || results[1].Err == nil || results[1].Err.Kind != model.ErrInvalidURL {
		t.Errorf("result 1 = %+v, want InvalidURL failure", results[1])
	}
	if results[3].Success || results[3].Err == nil || results[3].Err.Kind != model.ErrConnectTimeout {
		t.Errorf("result 3 = %+v, want connect timeout failure", results[3])
	}
}

func TestFetchImagesBatchConcurrencyBound(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)
	p.fetcher.delay = 20 * time.Millisecond

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d.png", i)
	}

	p.service.FetchImagesBatch(context.Background(), urls, 3)
	if got := p.fetcher.maxInFlight.Load(); got > 3 {
		t.Errorf("max in-flight fetches = %d, want <= 3", got)
	}

	// A non-positive bound degrades to serial fetching.
	p.fetcher.maxInFlight.Store(0)
	p.service.FetchImagesBatch(context.Background(), urls[:4], 0)
	if got := p.fetcher.maxInFlight.Load(); got > 1 {
		t.Errorf("max in-flight with bound 0 = %d, want 1", got)
	}
}

func TestFetchImagesBatchEmpty(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)

	results := p.service.FetchImagesBatch(context.Background(), nil, 4)
	if len(results) != 0 {
		t.Errorf("got %d results for empty input", len(results))
	}
}

func TestClearCache(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)
	ctx := context.Background()

	if _, err := p.service.FetchImage(ctx, "https://example.com/a.png", nil); err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if p.service.Status().CacheSize == 0 {
		t.Fatal("cache empty after fetch")
	}

	if err := p.service.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if size := p.service.Status().CacheSize; size != 0 {
		t.Errorf("CacheSize = %d after ClearCache, want 0", size)
	}

	// The next fetch goes to the network again.
	resp, err := p.service.FetchImage(ctx, "https://example.com/a.png", nil)
	if err != nil {
		t.Fatalf("FetchImage after clear: %v", err)
	}
	if resp.FromCache {
		t.Error("fetch after ClearCache served from cache")
	}
}

func TestClearCacheRequiresInit(t *testing.T) {
	p := newTestProxy()
	if err := p.service.ClearCache(); !model.IsKind(err, model.ErrNotInitialized) {
		t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrNotInitialized)
	}
}

func TestShutdown(t *testing.T) {
	p := newTestProxy()
	mustInit(t, p)

	if err := p.service.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !p.factory.tunnel.closed.Load() {
		t.Error("tunnel not closed by Shutdown")
	}

	status := p.service.Status()
	if status.Ready || status.TunnelEnabled {
		t.Errorf("status after Shutdown = %+v", status)
	}
	if _, err := p.service.FetchImage(context.Background(), "https://example.com/a.png", nil); !model.IsKind(err, model.ErrNotInitialized) {
		t.Error("FetchImage allowed after Shutdown")
	}
	if err := p.service.Shutdown(); !model.IsKind(err, model.ErrNotInitialized) {
		t.Error("second Shutdown did not report NotInitialized")
	}

	// The proxy can come back up.
	mustInit(t, p)
	if !p.service.Status().Ready {
		t.Error("not Ready after re-Init")
	}
}

func TestStatusSnapshot(t *testing.T) {
	p := newTestProxy()

	status := p.service.Status()
	if status.Ready || status.TunnelEnabled || status.Endpoint != "" {
		t.Errorf("zero-state status = %+v", status)
	}

	mustInit(t, p)
	status = p.service.Status()
	if !status.Ready || !status.TunnelEnabled {
		t.Errorf("status after Init = %+v", status)
	}
	if status.Endpoint != "relay.example.net:51820" {
		t.Errorf("Endpoint = %q", status.Endpoint)
	}
}
