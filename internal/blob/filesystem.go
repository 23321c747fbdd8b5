package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemStore implements Store on the local filesystem, laying objects
// out as {baseDir}/{bucket}/{key}. Used for development runs and tests.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore creates a filesystem blob store rooted at baseDir.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir}, nil
}

// resolve maps a locator to a path under baseDir, rejecting traversal.
func (fs *FilesystemStore) resolve(locator string) (string, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}

	p := filepath.Join(fs.baseDir, loc.Bucket, filepath.FromSlash(loc.Key))
	if !filepath.HasPrefix(filepath.Clean(p), filepath.Clean(fs.baseDir)) {
		return "", fmt.Errorf("invalid locator: path traversal detected")
	}
	return p, nil
}

// Get reads the object at the given locator.
func (fs *FilesystemStore) Get(ctx context.Context, locator string) ([]byte, error) {
	p, err := fs.resolve(locator)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", locator)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Put writes the object and returns a file:// URI for it.
func (fs *FilesystemStore) Put(ctx context.Context, locator string, data []byte, contentType string) (string, error) {
	p, err := fs.resolve(locator)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	return "file://" + p, nil
}
