// Package docstore persists rendered documents.
package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore writes documents under a base directory and returns URLs below a
// configured public prefix. Swappable for an object-store implementation
// without touching callers.
type DiskStore struct {
	baseDir   string
	urlPrefix string
}

// NewDiskStore constructs a store rooted at baseDir.
func NewDiskStore(baseDir, urlPrefix string) *DiskStore {
	return &DiskStore{
		baseDir:   baseDir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
	}
}

// Save writes data at the relative path and returns the public URL.
func (s *DiskStore) Save(ctx context.Context, data []byte, path string) (string, error) {
	if s == nil || s.baseDir == "" {
		return "", fmt.Errorf("docstore: not configured")
	}
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.baseDir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("docstore: mkdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("docstore: write: %w", err)
	}
	return s.urlPrefix + filepath.ToSlash(clean), nil
}
