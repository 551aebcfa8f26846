package storage

import (
	"context"
	"io"
	"time"
)

// Uploader archives call audio for quality review. Objects are private;
// the returned path is a bucket reference, not a public URL.
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// Signer mints short-lived GET links for archived audio.
type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}
