package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStorage keeps objects on a filesystem rooted at one directory.
type LocalStorage struct {
	fs        afero.Fs
	publicURL string
}

// NewLocalStorage stores objects under dir, creating it if needed.
func NewLocalStorage(dir, publicURL string) (*LocalStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage requires a directory")
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return NewFsStorage(afero.NewBasePathFs(osFs, dir), publicURL), nil
}

// NewFsStorage wraps an existing afero filesystem, e.g. afero.NewMemMapFs.
func NewFsStorage(fs afero.Fs, publicURL string) *LocalStorage {
	return &LocalStorage{fs: fs, publicURL: strings.TrimSuffix(publicURL, "/")}
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}

// Upload writes to a temporary file first and renames it into place, so
// readers never observe a partially written object.
func (s *LocalStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	dir := path.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(tmp, reader)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("wrote %d bytes, expected %d", written, size)
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp.Name(), name); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download opens an object for reading.
func (s *LocalStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(name)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// GetURL returns publicURL/key, or the bare key when no URL is served.
func (s *LocalStorage) GetURL(key string) string {
	if s.publicURL == "" {
		return key
	}
	return s.publicURL + "/" + key
}

// Delete removes an object if present.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	name, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// KeyFor accepts both bare keys and publicURL/key.
func (s *LocalStorage) KeyFor(ref string) (string, bool) {
	if s.publicURL != "" {
		ref = strings.TrimPrefix(ref, s.publicURL+"/")
	}
	if strings.Contains(ref, "://") {
		return "", false
	}
	key, err := cleanKey(ref)
	return key, err == nil
}
