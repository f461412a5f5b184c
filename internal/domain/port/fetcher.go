package port

import (
	"context"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
)

// ImageFetcher retrieves and validates a single image over the tunnel.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) (*model.ImageResponse, error)
}
