package workspace

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps files in memory. Used by tests and ephemeral deployments.
type MemoryBackend struct {
	mu    sync.RWMutex
	files map[Scope]map[string]memFile
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{files: make(map[Scope]map[string]memFile)}
}

func (m *MemoryBackend) Read(_ context.Context, scope Scope, rel string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[scope][rel]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *MemoryBackend) Write(_ context.Context, scope Scope, rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.files[scope]
	if !ok {
		files = make(map[string]memFile)
		m.files[scope] = files
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	files[rel] = memFile{data: buf, modTime: time.Now().UTC()}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, scope Scope, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[scope][rel]; !ok {
		return ErrNotFound
	}
	delete(m.files[scope], rel)
	return nil
}

func (m *MemoryBackend) Stat(_ context.Context, scope Scope, rel string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[scope][rel]
	if !ok {
		return 0, false, nil
	}
	return int64(len(f.data)), true, nil
}

func (m *MemoryBackend) List(_ context.Context, scope Scope, dir string, recursive bool) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	var entries []Entry
	seenDirs := make(map[string]bool)
	for p, f := range m.files[scope] {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !recursive {
			if sub, _, nested := strings.Cut(rest, "/"); nested {
				if !seenDirs[sub] {
					seenDirs[sub] = true
					entries = append(entries, Entry{Path: prefix + sub, IsDir: true})
				}
				continue
			}
		}
		entries = append(entries, Entry{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	return entries, nil
}

func (m *MemoryBackend) Usage(_ context.Context, scope Scope) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, f := range m.files[scope] {
		total += int64(len(f.data))
	}
	return total, nil
}
