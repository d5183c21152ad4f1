package workspace

import (
	"errors"
	"fmt"
)

// ErrInvalidManifest is wrapped by every ManifestError.
var ErrInvalidManifest = errors.New("invalid package manifest")

// ErrNoManifest reports a workspace root without a workspace manifest.
var ErrNoManifest = errors.New("no workspace manifest")

// ManifestCategory classifies a manifest failure for diagnostics.
type ManifestCategory string

const (
	// CategoryUnreadable means the file could not be read.
	CategoryUnreadable ManifestCategory = "unreadable"
	// CategoryMalformed means the file is not valid JSON.
	CategoryMalformed ManifestCategory = "malformed"
	// CategorySchema means the JSON does not match the manifest schema.
	CategorySchema ManifestCategory = "schema"
)

// ManifestError records why a package manifest was rejected.
type ManifestError struct {
	Path     string
	Category ManifestCategory
	Err      error
}

// Error includes the category and manifest path.
func (e *ManifestError) Error() string {
	return fmt.Sprintf("%s manifest %s: %v", e.Category, e.Path, e.Err)
}

// Unwrap lets errors.Is match both ErrInvalidManifest and the cause.
func (e *ManifestError) Unwrap() []error {
	return []error{ErrInvalidManifest, e.Err}
}
