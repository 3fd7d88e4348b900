package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

// ErrNotFound is returned by Download when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage keeps the original meal images referenced by history entries.
type ObjectStorage interface {
	// Upload stores an object, replacing any previous object under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the reference recorded in history for key
	GetURL(key string) string

	// Delete removes an object; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// KeyFor reverses GetURL. ok is false for references this store did
	// not produce.
	KeyFor(ref string) (key string, ok bool)
}

// MealImageKey returns the object key for the image of one analysis.
// The user ID is path-escaped so it can never climb out of its prefix.
func MealImageKey(userID, analysisID, ext string) string {
	owner := url.PathEscape(userID)
	if owner == "" || owner == "." || owner == ".." {
		owner = "_" + owner
	}
	return path.Join("meals", owner, analysisID+"."+ext)
}

// OwnedBy reports whether key lies under userID's meal image prefix.
func OwnedBy(key, userID string) bool {
	prefix := path.Dir(MealImageKey(userID, "x", "jpg")) + "/"
	return strings.HasPrefix(key, prefix) && !strings.Contains(key[len(prefix):], "/")
}
