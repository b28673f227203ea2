// ABOUTME: Filesystem-backed blob store rooted at a configured directory
// ABOUTME: Returns base-URL-joined public URLs for uploaded files

package blob

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore writes blobs under a root directory served at a base URL.
type FSStore struct {
	root    string
	baseURL string
}

// NewFSStore creates a filesystem store. The root directory is created if
// it does not exist.
func NewFSStore(root, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Upload writes data under the store root and returns its public URL.
func (s *FSStore) Upload(_ context.Context, blobPath string, data []byte, _ string) (string, error) {
	cleaned, err := cleanPath(blobPath)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}

	return s.publicURL(cleaned), nil
}

func (s *FSStore) publicURL(cleaned string) string {
	segments := strings.Split(cleaned, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/")
}

// cleanPath normalizes a slash-separated blob path and rejects anything
// that would escape the store root.
func cleanPath(blobPath string) (string, error) {
	cleaned := path.Clean("/" + blobPath)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, blobPath)
	}
	return cleaned, nil
}
