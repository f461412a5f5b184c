package port

import (
	"context"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
)

// Registrar registers a public key with the relay broker and returns the
// assigned tunnel parameters. Registration is attempted once per call; retry
// policy belongs to the caller.
type Registrar interface {
	Register(ctx context.Context, publicKey string) (*model.RegisterData, error)
}
