// Package changes turns "what files changed" into "which packages changed".
package changes

import (
	"context"

	"github.com/qingminglong/frontend-develop-tools/internal/logging"
)

var log = logging.NewLogger("changes")

// Source reports the files changed under a workspace root. Paths may be
// relative to the root or absolute. Implementations fail soft: a source that
// cannot answer returns an empty list.
type Source interface {
	ChangedFiles(ctx context.Context, rootDir string) []string
}

// StaticSource is a fixed list of changed paths, used for watch events and
// explicit file lists.
type StaticSource []string

// ChangedFiles returns the list unchanged.
func (s StaticSource) ChangedFiles(context.Context, string) []string {
	return []string(s)
}
