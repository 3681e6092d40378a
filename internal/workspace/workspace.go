// Package workspace implements the quota-enforced, path-confined storage that
// sandbox jobs use for files, checkpoints and skills.
//
// Every operation is scoped to a tenant/sandbox pair. Logical paths are
// normalized and confined to the scope root before any backend call is made,
// so a traversal attempt never reaches real storage.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Storage errors. Callers branch on these with errors.Is.
var (
	ErrPathTraversal = errors.New("path escapes workspace root")
	ErrInvalidPath   = errors.New("invalid path")
	ErrBadExtension  = errors.New("file extension not allowed")
	ErrFileTooLarge  = errors.New("file exceeds size limit")
	ErrQuotaExceeded = errors.New("workspace quota exceeded")
	ErrNotFound      = errors.New("not found")
	ErrReservedPath  = errors.New("path is reserved")
	ErrInvalidScope  = errors.New("invalid scope")
)

// Reserved prefixes owned by higher layers. Generic writes and deletes may not
// touch them; reads are allowed.
const (
	CheckpointPrefix = "checkpoints"
	SkillsPrefix     = "skills"
)

// Defaults.
const (
	DefaultQuotaBytes   int64 = 100 * 1024 * 1024
	DefaultMaxFileBytes int64 = 10 * 1024 * 1024
)

// DefaultExtensions is the extension allow-list applied when none is configured.
var DefaultExtensions = []string{
	".txt", ".json", ".csv", ".yaml", ".yml", ".md", ".log",
	".xml", ".html", ".css", ".js", ".star",
}

// Scope identifies one tenant/sandbox storage area.
type Scope struct {
	Tenant  string
	Sandbox string
}

func (s Scope) String() string { return s.Tenant + "/" + s.Sandbox }

// Validate rejects empty components and the dot names, which a backend
// could otherwise resolve to a neighbouring scope.
func (s Scope) Validate() error {
	for _, part := range [...]struct{ kind, name string }{{"tenant", s.Tenant}, {"sandbox", s.Sandbox}} {
		switch part.name {
		case "", ".", "..":
			return fmt.Errorf("%w: %s %q", ErrInvalidScope, part.kind, part.name)
		}
	}
	return nil
}

// Config configures a Store.
type Config struct {
	QuotaBytes        int64            // Per-scope ceiling. 0 = DefaultQuotaBytes.
	TenantQuotas      map[string]int64 // Per-tenant overrides of QuotaBytes.
	MaxFileBytes      int64            // 0 = DefaultMaxFileBytes.
	AllowedExtensions []string         // nil = DefaultExtensions.
}

// Usage reports a scope's storage consumption.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
	Files      int   `json:"files"`
}

// Store applies confinement, extension, size and quota policy on top of a Backend.
// Safe for concurrent use.
type Store struct {
	backend    Backend
	quota      int64
	quotas     map[string]int64
	maxFile    int64
	extensions map[string]bool
	locks      *LockSet
	logger     *slog.Logger

	mu    sync.Mutex
	usage map[Scope]int64 // lazily loaded from the backend
}

// New creates a Store over the given backend.
func New(backend Backend, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	quota := cfg.QuotaBytes
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = DefaultMaxFileBytes
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	quotas := make(map[string]int64, len(cfg.TenantQuotas))
	for k, v := range cfg.TenantQuotas {
		quotas[k] = v
	}
	return &Store{
		backend:    backend,
		quota:      quota,
		quotas:     quotas,
		maxFile:    maxFile,
		extensions: allowed,
		locks:      NewLockSet(),
		logger:     logger,
		usage:      make(map[Scope]int64),
	}
}

// QuotaFor returns the byte ceiling that applies to scope.
func (s *Store) QuotaFor(scope Scope) int64 {
	if q, ok := s.quotas[scope.Tenant]; ok && q > 0 {
		return q
	}
	return s.quota
}

// Write stores data at path, replacing any previous content.
func (s *Store) Write(ctx context.Context, scope Scope, path string, data []byte) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rel, err := s.writable(path)
	if err != nil {
		return err
	}
	return s.put(ctx, scope, rel, data)
}

// Read returns the content stored at path.
func (s *Store) Read(ctx context.Context, scope Scope, path string) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	rel, err := Clean(path)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return nil, fmt.Errorf("%w: %q is a directory", ErrInvalidPath, path)
	}
	data, err := s.backend.Read(ctx, scope, rel)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// Delete removes the file at path.
func (s *Store) Delete(ctx context.Context, scope Scope, path string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rel, err := Clean(path)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("%w: cannot delete workspace root", ErrInvalidPath)
	}
	if isReserved(rel) {
		return fmt.Errorf("%w: %s", ErrReservedPath, rel)
	}
	return s.remove(ctx, scope, rel)
}

// Exists reports whether a file is stored at path.
func (s *Store) Exists(ctx context.Context, scope Scope, path string) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	rel, err := Clean(path)
	if err != nil {
		return false, err
	}
	if rel == "" {
		return true, nil
	}
	_, ok, err := s.backend.Stat(ctx, scope, rel)
	return ok, err
}

// List returns the files under dir. Non-recursive listings include
// immediate subdirectories with IsDir set.
func (s *Store) List(ctx context.Context, scope Scope, dir string, recursive bool) ([]Entry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	rel, err := Clean(dir)
	if err != nil {
		return nil, err
	}
	entries, err := s.backend.List(ctx, scope, rel, recursive)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Info reports usage for scope.
func (s *Store) Info(ctx context.Context, scope Scope) (Usage, error) {
	if err := scope.Validate(); err != nil {
		return Usage{}, err
	}
	used, err := s.currentUsage(ctx, scope)
	if err != nil {
		return Usage{}, err
	}
	files, err := s.backend.List(ctx, scope, "", true)
	if err != nil {
		return Usage{}, fmt.Errorf("listing workspace: %w", err)
	}
	return Usage{UsedBytes: used, QuotaBytes: s.QuotaFor(scope), Files: len(files)}, nil
}

// Update performs an atomic read-modify-write of path. fn receives the current
// content (nil and exists=false when absent) and returns the new content.
// Concurrent writers to the same path are serialized for the whole call.
// Update does not apply the reserved-prefix check; it is how the checkpoint
// and skills layers write their own entries.
func (s *Store) Update(ctx context.Context, scope Scope, path string, fn func(current []byte, exists bool) ([]byte, error)) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rel, err := Clean(path)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("%w: %q is a directory", ErrInvalidPath, path)
	}
	if err := s.checkExtension(rel); err != nil {
		return err
	}
	unlock := s.locks.Lock(lockKey(scope, rel))
	defer unlock()

	current, err := s.backend.Read(ctx, scope, rel)
	exists := true
	if errors.Is(err, ErrNotFound) {
		current, exists = nil, false
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", rel, err)
	}
	next, err := fn(current, exists)
	if err != nil {
		return err
	}
	return s.commit(ctx, scope, rel, next)
}

// RemoveAll deletes every file under dir. Unlike Delete it may be used on
// reserved prefixes by the layer that owns them.
func (s *Store) RemoveAll(ctx context.Context, scope Scope, dir string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	rel, err := Clean(dir)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("%w: cannot remove workspace root", ErrInvalidPath)
	}
	entries, err := s.backend.List(ctx, scope, rel, true)
	if err != nil {
		return fmt.Errorf("listing %s: %w", rel, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	for _, e := range entries {
		if err := s.remove(ctx, scope, e.Path); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// writable validates a caller-supplied path for a generic write.
func (s *Store) writable(path string) (string, error) {
	rel, err := Clean(path)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", fmt.Errorf("%w: %q is a directory", ErrInvalidPath, path)
	}
	if isReserved(rel) {
		return "", fmt.Errorf("%w: %s", ErrReservedPath, rel)
	}
	if err := s.checkExtension(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// put writes an already-validated path under its lock.
func (s *Store) put(ctx context.Context, scope Scope, rel string, data []byte) error {
	unlock := s.locks.Lock(lockKey(scope, rel))
	defer unlock()
	return s.commit(ctx, scope, rel, data)
}

// commit enforces the size cap and quota, then writes. Caller holds the path lock.
func (s *Store) commit(ctx context.Context, scope Scope, rel string, data []byte) error {
	size := int64(len(data))
	if size > s.maxFile {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, size, s.maxFile)
	}
	oldSize, _, err := s.backend.Stat(ctx, scope, rel)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	delta := size - oldSize
	if err := s.reserve(ctx, scope, delta); err != nil {
		return err
	}
	if err := s.backend.Write(ctx, scope, rel, data); err != nil {
		s.release(scope, delta)
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, scope Scope, rel string) error {
	unlock := s.locks.Lock(lockKey(scope, rel))
	defer unlock()

	// Load usage first so the release below is applied to the real total.
	if _, err := s.currentUsage(ctx, scope); err != nil {
		return err
	}
	size, ok, err := s.backend.Stat(ctx, scope, rel)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err := s.backend.Delete(ctx, scope, rel); err != nil {
		return fmt.Errorf("deleting %s: %w", rel, err)
	}
	s.release(scope, size)
	return nil
}

// reserve adds delta to the scope's usage if the result stays within quota.
// Reservation and check happen under one lock so writers to different paths
// cannot jointly overshoot the ceiling.
func (s *Store) reserve(ctx context.Context, scope Scope, delta int64) error {
	if _, err := s.currentUsage(ctx, scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.usage[scope]
	quota := s.QuotaFor(scope)
	if delta > 0 && used+delta > quota {
		s.logger.Warn("workspace quota exceeded",
			slog.String("scope", scope.String()),
			slog.Int64("used", used),
			slog.Int64("requested", delta),
			slog.Int64("quota", quota),
		)
		return fmt.Errorf("%w: %d + %d bytes exceeds %d", ErrQuotaExceeded, used, delta, quota)
	}
	s.usage[scope] = used + delta
	return nil
}

func (s *Store) release(scope Scope, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.usage[scope] - delta
	if next < 0 {
		next = 0
	}
	s.usage[scope] = next
}

func (s *Store) currentUsage(ctx context.Context, scope Scope) (int64, error) {
	s.mu.Lock()
	used, ok := s.usage[scope]
	s.mu.Unlock()
	if ok {
		return used, nil
	}
	total, err := s.backend.Usage(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("computing usage for %s: %w", scope, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if used, ok := s.usage[scope]; ok {
		return used, nil
	}
	s.usage[scope] = total
	return total, nil
}

func (s *Store) checkExtension(rel string) error {
	ext := extension(rel)
	if ext == "" || s.extensions[ext] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadExtension, ext)
}

func lockKey(scope Scope, rel string) string {
	return scope.Tenant + "\x00" + scope.Sandbox + "\x00" + rel
}
