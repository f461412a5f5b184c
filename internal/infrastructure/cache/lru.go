package cache

import (
	"container/list"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
	"github.com/zeebo/blake3"
)

// LRUCache is an in-memory, byte-bounded response cache keyed by normalized
// URL. Insertion evicts least-recently-used entries until the total size
// fits the capacity. Entries with identical last-access times are evicted in
// insertion order.
type LRUCache struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
}

type cacheEntry struct {
	key   string
	image *model.CachedImage
}

// NewLRUCache creates a cache bounded to capacity bytes.
func NewLRUCache(capacity int64) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// NormalizeURL produces the canonical cache key: lowercased scheme and
// host, default port stripped, path preserved, query sorted by key.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("cannot normalize %q: %v", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	key := scheme + "://" + host + path
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			// unparseable query: keep it verbatim rather than dropping it
			key += "?" + u.RawQuery
		} else {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var parts []string
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
				}
			}
			key += "?" + strings.Join(parts, "&")
		}
	}
	return key, nil
}

// Get returns the cached image for rawURL and marks it recently used.
func (c *LRUCache) Get(rawURL string) (*model.CachedImage, bool) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).image, true
}

// Put stores an image under rawURL, computing its content digest and
// evicting older entries to satisfy the capacity invariant.
func (c *LRUCache) Put(rawURL string, image *model.CachedImage) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return model.WrapProxyError(model.ErrCache, err, "bad cache key")
	}

	if image.Digest == "" {
		sum := blake3.Sum256(image.Bytes)
		image.Digest = hex.EncodeToString(sum[:])
	}
	if image.InsertedAt.IsZero() {
		image.InsertedAt = time.Now()
	}

	newSize := image.SizeBytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	if newSize > c.capacity {
		// An entry larger than the whole cache is simply not cached.
		return nil
	}

	if elem, ok := c.entries[key]; ok {
		c.size -= elem.Value.(*cacheEntry).image.SizeBytes()
		c.order.Remove(elem)
		delete(c.entries, key)
	}

	for c.size+newSize > c.capacity {
		c.evictOldestLocked()
	}

	elem := c.order.PushFront(&cacheEntry{key: key, image: image})
	c.entries[key] = elem
	c.size += newSize
	return nil
}

func (c *LRUCache) evictOldestLocked() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= entry.image.SizeBytes()
}

// Size returns the current total size of all entries in bytes.
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetCapacity changes the capacity bound, evicting as needed.
func (c *LRUCache) SetCapacity(capacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	for c.size > c.capacity && c.order.Len() > 0 {
		c.evictOldestLocked()
	}
}

// Clear removes all entries. It is synchronous: a Get after Clear returns
// sees an empty cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Ensure LRUCache implements port.Cache
var _ port.Cache = (*LRUCache)(nil)
