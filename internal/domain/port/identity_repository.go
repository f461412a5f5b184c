package port

import "github.com/imgveil/imgveil-go-client/internal/domain/model"

// IdentityRepository persists the provisioned identity.
type IdentityRepository interface {
	// Load reads the identity stored under dir. A missing, unreadable or
	// corrupt identity file returns (nil, nil): the caller re-provisions.
	Load(dir string) (*model.Identity, error)

	// Save writes the identity atomically so a crash never leaves a
	// half-written file.
	Save(identity *model.Identity, dir string) error

	// DefaultDir returns the default storage directory.
	DefaultDir() (string, error)
}
