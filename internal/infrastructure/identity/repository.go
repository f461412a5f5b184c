package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// identityFileName is the file holding the provisioned identity inside the
// storage directory.
const identityFileName = "identity.json"

// Repository persists the identity as JSON under an application-private
// directory. Writes go to a temp file in the same directory followed by a
// rename, so a crash never leaves a half-written identity.
type Repository struct {
	logger port.Logger
}

// NewRepository creates a new identity Repository.
func NewRepository(logger port.Logger) *Repository {
	return &Repository{logger: logger}
}

// Load reads and validates the identity stored under dir. Missing,
// unreadable or corrupt files are treated as absent: the caller
// re-provisions.
func (r *Repository) Load(dir string) (*model.Identity, error) {
	path := filepath.Join(dir, identityFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("Identity file %s unreadable, re-provisioning: %v", path, err)
		}
		return nil, nil
	}

	var id model.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		r.logger.Warn("Identity file %s is corrupt, re-provisioning: %v", path, err)
		return nil, nil
	}

	if err := id.Validate(); err != nil {
		r.logger.Warn("Identity file %s is invalid, re-provisioning: %v", path, err)
		return nil, nil
	}

	return &id, nil
}

// Save writes the identity atomically with owner-only permissions.
func (r *Repository) Save(id *model.Identity, dir string) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid identity: %v", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %v", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity: %v", err)
	}

	tmp, err := os.CreateTemp(dir, identityFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set identity file permissions: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write identity: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close identity file: %v", err)
	}

	path := filepath.Join(dir, identityFileName)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install identity file: %v", err)
	}

	return nil
}

// DefaultDir returns the default storage directory.
func (r *Repository) DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %v", err)
	}
	return filepath.Join(homeDir, ".imgveil"), nil
}

// Ensure Repository implements port.IdentityRepository
var _ port.IdentityRepository = (*Repository)(nil)
