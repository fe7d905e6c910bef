package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Store holds captured receipt images. The queue holds only the URI
// returned by Save; the bytes live here until discard or finalize.
type Store interface {
	// Save writes an image and returns its URI
	Save(filename string, data []byte) (string, error)

	// Get retrieves an image by URI
	Get(uri string) ([]byte, error)

	// Delete removes an image
	Delete(uri string) error
}

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the storage directory if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Save writes an image under a sanitized name and returns its URI.
func (l *LocalStore) Save(filename string, data []byte) (string, error) {
	name := sanitizeFilename(filename)
	path := filepath.Join(l.basePath, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	return name, nil
}

// Get retrieves an image by URI.
func (l *LocalStore) Get(uri string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, uri))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// Delete removes an image. Deleting a missing file is a no-op so
// discard stays idempotent.
func (l *LocalStore) Delete(uri string) error {
	err := os.Remove(filepath.Join(l.basePath, uri))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting image: %w", err)
	}
	return nil
}

var (
	specialChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up phone-generated filenames: special
// characters removed, whitespace collapsed, base truncated.
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = specialChars.ReplaceAllString(base, "")
	base = multiSpace.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}
