package store

import (
	"context"

	"github.com/dmorgan81/imagegen/internal/log"
)

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type Uploader interface {
	Upload(context.Context, UploadParams) error
}

// Discard is used when no archive bucket is configured.
type Discard struct{}

func (Discard) Upload(ctx context.Context, params UploadParams) error {
	log.FromContextOrDiscard(ctx).WithGroup("store").Debug("archive disabled, dropping upload", "name", params.Name)
	return nil
}
