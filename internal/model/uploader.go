package model

import "context"

// Uploader publishes the JSON export of a finished sweep.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
