package port

import "github.com/imgveil/imgveil-go-client/internal/domain/model"

// Cache is a byte-bounded store of fetched images keyed by normalized URL.
type Cache interface {
	// Get returns the cached image for rawURL, if present
	Get(rawURL string) (*model.CachedImage, bool)

	// Put stores an image, evicting least-recently-used entries first so
	// the total size stays within capacity
	Put(rawURL string, image *model.CachedImage) error

	// Size returns the current total size of all entries in bytes
	Size() int64

	// SetCapacity changes the capacity bound, evicting as needed
	SetCapacity(capacity int64)

	// Clear removes all entries; subsequent Gets see an empty cache
	Clear()
}
