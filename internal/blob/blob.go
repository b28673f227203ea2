// ABOUTME: Blob storage interface for externalized message attachments
// ABOUTME: Uploads return a public URL referenced from conversational context

package blob

import (
	"context"
	"errors"
)

// ErrInvalidPath is returned when an upload path escapes the store root.
var ErrInvalidPath = errors.New("invalid blob path")

// Store persists attachment bytes and returns a publicly reachable URL.
type Store interface {
	// Upload writes data under the given slash-separated path and returns
	// the public URL for it. Uploading to an existing path overwrites.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}
