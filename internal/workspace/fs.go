package workspace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FSBackend stores each scope under <root>/<tenant>/<sandbox>/ on the local
// filesystem, with both components encoded by dirName. Writes go through a temp file and rename so readers never see a
// partially written file.
type FSBackend struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// NewFSBackend creates a filesystem backend rooted at root, creating it if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	b := &FSBackend{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := b.ensureDir(resolved); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return b, nil
}

func (b *FSBackend) Read(_ context.Context, scope Scope, rel string) ([]byte, error) {
	p, err := b.abs(scope, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *FSBackend) Write(_ context.Context, scope Scope, rel string, data []byte) error {
	p, err := b.abs(scope, rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := b.ensureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (b *FSBackend) Delete(_ context.Context, scope Scope, rel string) error {
	p, err := b.abs(scope, rel)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (b *FSBackend) Stat(_ context.Context, scope Scope, rel string) (int64, bool, error) {
	p, err := b.abs(scope, rel)
	if err != nil {
		return 0, false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if info.IsDir() {
		return 0, false, nil
	}
	return info.Size(), true, nil
}

func (b *FSBackend) List(_ context.Context, scope Scope, dir string, recursive bool) ([]Entry, error) {
	base := b.scopeDir(scope)
	start, err := b.abs(scope, dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(start); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var entries []Entry
	if !recursive {
		items, err := os.ReadDir(start)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if isTemp(item.Name()) {
				continue
			}
			info, err := item.Info()
			if err != nil {
				continue
			}
			e := Entry{
				Path:    filepath.ToSlash(filepath.Join(dir, item.Name())),
				IsDir:   item.IsDir(),
				ModTime: info.ModTime().UTC(),
			}
			if !item.IsDir() {
				e.Size = info.Size()
			}
			entries = append(entries, e)
		}
		return entries, nil
	}

	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isTemp(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	return entries, err
}

func (b *FSBackend) Usage(ctx context.Context, scope Scope) (int64, error) {
	entries, err := b.List(ctx, scope, "", true)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

func (b *FSBackend) scopeDir(scope Scope) string {
	return filepath.Join(b.Root, dirName(scope.Tenant), dirName(scope.Sandbox))
}

// abs maps a cleaned logical path onto the filesystem and re-checks that the
// result stays inside the scope directory.
func (b *FSBackend) abs(scope Scope, rel string) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	base := b.scopeDir(scope)
	p := filepath.Join(base, filepath.FromSlash(rel))
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return p, nil
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (b *FSBackend) ensureDir(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	b.created[path] = true
	return nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".tmp-")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// dirName maps a scope component to a directory name. Names made only of
// lowercase letters, digits, '-' and '_' are used as is; anything else is
// hex encoded behind a '~', which the plain alphabet never contains. Distinct
// components therefore never share a directory, even on case-insensitive
// filesystems.
func dirName(name string) string {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return "~" + hex.EncodeToString([]byte(name))
		}
	}
	return name
}
