package workspace

import (
	"context"
	"time"
)

// Entry describes one stored file.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

// Backend is the raw storage under a Store. Paths handed to a Backend are
// already cleaned and confined; "" denotes the scope root. Implementations
// return ErrNotFound for missing files and must be safe for concurrent use.
type Backend interface {
	Read(ctx context.Context, scope Scope, rel string) ([]byte, error)
	Write(ctx context.Context, scope Scope, rel string, data []byte) error
	Delete(ctx context.Context, scope Scope, rel string) error
	// Stat returns the size of rel and whether it exists.
	Stat(ctx context.Context, scope Scope, rel string) (int64, bool, error)
	List(ctx context.Context, scope Scope, dir string, recursive bool) ([]Entry, error)
	// Usage returns the total bytes stored for scope.
	Usage(ctx context.Context, scope Scope) (int64, error)
}
