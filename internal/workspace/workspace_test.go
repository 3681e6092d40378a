package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

var testScope = Scope{Tenant: "acme", Sandbox: "search"}

// countingBackend wraps a backend and counts every call that reaches it.
type countingBackend struct {
	Backend
	calls atomic.Int64
}

func (c *countingBackend) Read(ctx context.Context, s Scope, rel string) ([]byte, error) {
	c.calls.Add(1)
	return c.Backend.Read(ctx, s, rel)
}

func (c *countingBackend) Write(ctx context.Context, s Scope, rel string, data []byte) error {
	c.calls.Add(1)
	return c.Backend.Write(ctx, s, rel, data)
}

func (c *countingBackend) Delete(ctx context.Context, s Scope, rel string) error {
	c.calls.Add(1)
	return c.Backend.Delete(ctx, s, rel)
}

func (c *countingBackend) Stat(ctx context.Context, s Scope, rel string) (int64, bool, error) {
	c.calls.Add(1)
	return c.Backend.Stat(ctx, s, rel)
}

func (c *countingBackend) List(ctx context.Context, s Scope, dir string, recursive bool) ([]Entry, error) {
	c.calls.Add(1)
	return c.Backend.List(ctx, s, dir, recursive)
}

func (c *countingBackend) Usage(ctx context.Context, s Scope) (int64, error) {
	c.calls.Add(1)
	return c.Backend.Usage(ctx, s)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *countingBackend) {
	t.Helper()
	cb := &countingBackend{Backend: NewMemoryBackend()}
	return New(cb, cfg, nil), cb
}

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"notes.txt", "notes.txt", nil},
		{"/notes.txt", "notes.txt", nil},
		{"a/b/../c.txt", "a/c.txt", nil},
		{"a\\b.txt", "a/b.txt", nil},
		{"", "", nil},
		{".", "", nil},
		{"../secret.txt", "", ErrPathTraversal},
		{"a/../../secret.txt", "", ErrPathTraversal},
		{"/../../etc/passwd", "", ErrPathTraversal},
		{"..\\..\\x.txt", "", ErrPathTraversal},
		{"bad\x00.txt", "", ErrInvalidPath},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Clean(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Clean(%q) error = %v, want %v", tc.in, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Clean(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTraversalNeverReachesBackend(t *testing.T) {
	s, cb := newTestStore(t, Config{})
	ctx := context.Background()
	paths := []string{"../x.txt", "a/../../x.txt", "/../../../etc/passwd", "..\\x.txt"}

	for _, p := range paths {
		if err := s.Write(ctx, testScope, p, []byte("x")); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Write(%q) error = %v, want ErrPathTraversal", p, err)
		}
		if _, err := s.Read(ctx, testScope, p); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Read(%q) error = %v, want ErrPathTraversal", p, err)
		}
		if err := s.Delete(ctx, testScope, p); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Delete(%q) error = %v, want ErrPathTraversal", p, err)
		}
	}
	if n := cb.calls.Load(); n != 0 {
		t.Errorf("backend received %d calls for traversal attempts, want 0", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	if err := s.Write(ctx, testScope, "reports/q1.csv", []byte("a,b\n1,2\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(ctx, testScope, "/reports/q1.csv")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("Read = %q", got)
	}

	other := Scope{Tenant: "globex", Sandbox: "search"}
	if _, err := s.Read(ctx, other, "reports/q1.csv"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read from other tenant error = %v, want ErrNotFound", err)
	}
}

func TestExtensionCheckedBeforeQuota(t *testing.T) {
	s, _ := newTestStore(t, Config{QuotaBytes: 4})
	ctx := context.Background()

	err := s.Write(ctx, testScope, "payload.exe", []byte("far more than four bytes"))
	if !errors.Is(err, ErrBadExtension) {
		t.Fatalf("Write error = %v, want ErrBadExtension", err)
	}
	if err := s.Write(ctx, testScope, "README", []byte("ok")); err != nil {
		t.Errorf("extension-less write: %v", err)
	}
}

func TestQuotaInvariant(t *testing.T) {
	s, _ := newTestStore(t, Config{QuotaBytes: 10})
	ctx := context.Background()

	if err := s.Write(ctx, testScope, "a.txt", bytes.Repeat([]byte("a"), 6)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := s.Write(ctx, testScope, "b.txt", bytes.Repeat([]byte("b"), 5))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second write error = %v, want ErrQuotaExceeded", err)
	}
	if ok, _ := s.Exists(ctx, testScope, "b.txt"); ok {
		t.Error("rejected write left a file behind")
	}

	// Overwrite only counts the difference.
	if err := s.Write(ctx, testScope, "a.txt", bytes.Repeat([]byte("a"), 10)); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
	info, err := s.Info(ctx, testScope)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.UsedBytes != 10 || info.Files != 1 {
		t.Errorf("Info = %+v, want 10 bytes in 1 file", info)
	}

	if err := s.Delete(ctx, testScope, "a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Write(ctx, testScope, "b.txt", bytes.Repeat([]byte("b"), 5)); err != nil {
		t.Errorf("write after delete: %v", err)
	}
}

func TestQuotaConcurrentWriters(t *testing.T) {
	s, _ := newTestStore(t, Config{QuotaBytes: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Write(ctx, testScope, fmt.Sprintf("f%02d.txt", i), bytes.Repeat([]byte("x"), 10))
		}(i)
	}
	wg.Wait()

	info, err := s.Info(ctx, testScope)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.UsedBytes > 100 {
		t.Errorf("used %d bytes, quota is 100", info.UsedBytes)
	}
	if info.Files != 10 {
		t.Errorf("stored %d files, want 10", info.Files)
	}
}

func TestTenantQuotaOverride(t *testing.T) {
	s, _ := newTestStore(t, Config{QuotaBytes: 100, TenantQuotas: map[string]int64{"acme": 3}})
	if got := s.QuotaFor(testScope); got != 3 {
		t.Errorf("QuotaFor(acme) = %d, want 3", got)
	}
	if got := s.QuotaFor(Scope{Tenant: "globex"}); got != 100 {
		t.Errorf("QuotaFor(globex) = %d, want 100", got)
	}
}

func TestFileSizeLimit(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxFileBytes: 4})
	err := s.Write(context.Background(), testScope, "big.txt", []byte("12345"))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("Write error = %v, want ErrFileTooLarge", err)
	}
}

func TestReservedPrefixes(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	for _, p := range []string{"skills/x/metadata.json", "checkpoints/run.json"} {
		if err := s.Write(ctx, testScope, p, []byte("{}")); !errors.Is(err, ErrReservedPath) {
			t.Errorf("Write(%q) error = %v, want ErrReservedPath", p, err)
		}
	}
}

func TestCheckpointLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	x := map[string]any{"step": float64(2), "items": []any{"a", "b"}}
	y := map[string]any{"step": float64(9)}

	for _, v := range []any{x, x} {
		if err := s.SaveCheckpoint(ctx, testScope, "progress", v); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
	}
	assertCheckpoint(t, s, "progress", x)

	for _, v := range []any{y, x} {
		if err := s.SaveCheckpoint(ctx, testScope, "progress", v); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
	}
	assertCheckpoint(t, s, "progress", x)

	names, err := s.ListCheckpoints(ctx, testScope)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"progress"}) {
		t.Errorf("ListCheckpoints = %v", names)
	}

	if err := s.DeleteCheckpoint(ctx, testScope, "progress"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := s.LoadCheckpoint(ctx, testScope, "progress"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadCheckpoint after delete error = %v, want ErrNotFound", err)
	}
}

func assertCheckpoint(t *testing.T, s *Store, name string, want any) {
	t.Helper()
	raw, err := s.LoadCheckpoint(context.Background(), testScope, name)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	var got any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decoding checkpoint: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("checkpoint = %#v, want %#v", got, want)
	}
}

func TestCheckpointNameValidation(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	for _, name := range []string{"", "../x", "a/b", ".."} {
		if err := s.SaveCheckpoint(context.Background(), testScope, name, 1); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("SaveCheckpoint(%q) error = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestUpdateSerializesSamePath(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, testScope, "counter.txt", func(cur []byte, _ bool) ([]byte, error) {
				n := 0
				if len(cur) > 0 {
					fmt.Sscanf(string(cur), "%d", &n)
				}
				return []byte(fmt.Sprint(n + 1)), nil
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Read(ctx, testScope, "counter.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "20" {
		t.Errorf("counter = %s, want 20", got)
	}
}

func TestListRecursive(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	for _, p := range []string{"a.txt", "data/b.json", "data/deep/c.csv"} {
		if err := s.Write(ctx, testScope, p, []byte("1")); err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
	}

	flat, err := s.List(ctx, testScope, "", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(flat) != 2 || flat[0].Path != "a.txt" || !flat[1].IsDir || flat[1].Path != "data" {
		t.Errorf("flat listing = %+v", flat)
	}

	deep, err := s.List(ctx, testScope, "data", true)
	if err != nil {
		t.Fatalf("List recursive: %v", err)
	}
	var paths []string
	for _, e := range deep {
		paths = append(paths, e.Path)
	}
	if !reflect.DeepEqual(paths, []string{"data/b.json", "data/deep/c.csv"}) {
		t.Errorf("recursive listing = %v", paths)
	}
}

func TestFSBackend(t *testing.T) {
	tmp := t.TempDir()
	b, err := NewFSBackend(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	s := New(b, Config{QuotaBytes: 1024}, nil)
	ctx := context.Background()

	if err := s.Write(ctx, testScope, "notes/today.md", []byte("# hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	onDisk := filepath.Join(tmp, "ws", "acme", "search", "notes", "today.md")
	if _, err := os.Stat(onDisk); err != nil {
		t.Errorf("file not at %s: %v", onDisk, err)
	}

	// A fresh store over the same directory recovers usage from disk.
	s2 := New(b, Config{QuotaBytes: 5}, nil)
	if err := s2.Write(ctx, testScope, "more.txt", []byte("xx")); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Write error = %v, want ErrQuotaExceeded", err)
	}

	entries, err := s.List(ctx, testScope, "", true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "notes/today.md" || entries[0].Size != 4 {
		t.Errorf("List = %+v", entries)
	}
}

func TestDirName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"acme", "acme"},
		{"team_a", "team_a"},
		{"search-1", "search-1"},
		{"team/a", "~7465616d2f61"},
		{"Acme", "~41636d65"},
		{"~41636d65", "~7e3431363336643635"},
	}
	for _, tc := range tests {
		if got := dirName(tc.input); got != tc.want {
			t.Errorf("dirName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestScopeValidation(t *testing.T) {
	s, cb := newTestStore(t, Config{})
	ctx := context.Background()
	for _, scope := range []Scope{
		{Tenant: "", Sandbox: "default"},
		{Tenant: ".", Sandbox: "team_a"},
		{Tenant: "..", Sandbox: "default"},
		{Tenant: "acme", Sandbox: ""},
		{Tenant: "acme", Sandbox: ".."},
	} {
		if err := s.Write(ctx, scope, "a.txt", []byte("x")); !errors.Is(err, ErrInvalidScope) {
			t.Errorf("Write(%v) error = %v, want ErrInvalidScope", scope, err)
		}
		if _, err := s.Read(ctx, scope, "a.txt"); !errors.Is(err, ErrInvalidScope) {
			t.Errorf("Read(%v) error = %v, want ErrInvalidScope", scope, err)
		}
		if _, err := s.List(ctx, scope, "", true); !errors.Is(err, ErrInvalidScope) {
			t.Errorf("List(%v) error = %v, want ErrInvalidScope", scope, err)
		}
	}
	if n := cb.calls.Load(); n != 0 {
		t.Errorf("backend received %d calls for invalid scopes", n)
	}
}

func TestFSBackendScopesNeverShareFiles(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	ctx := context.Background()
	owner := Scope{Tenant: "team_a", Sandbox: "default"}
	if err := b.Write(ctx, owner, "secret.txt", []byte("owner data")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	others := []Scope{
		{Tenant: "team/a", Sandbox: "default"},
		{Tenant: "team\\a", Sandbox: "default"},
		{Tenant: "Team_A", Sandbox: "default"},
		{Tenant: "~7465616d5f61", Sandbox: "default"},
		{Tenant: "team_a", Sandbox: "default/"},
	}
	for _, other := range others {
		if _, err := b.Read(ctx, other, "secret.txt"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Read as %q/%q error = %v, want ErrNotFound", other.Tenant, other.Sandbox, err)
		}
	}

	// A dot tenant cannot name the owner's directory as its sandbox.
	if _, err := b.Read(ctx, Scope{Tenant: ".", Sandbox: "team_a"}, "default/secret.txt"); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Read with tenant \".\" error = %v, want ErrInvalidScope", err)
	}
}

func TestLockSetTryLock(t *testing.T) {
	l := NewLockSet()
	unlock, ok := l.TryLock("k")
	if !ok {
		t.Fatal("first TryLock failed")
	}
	if _, ok := l.TryLock("k"); ok {
		t.Fatal("second TryLock succeeded while held")
	}
	unlock()
	unlock2, ok := l.TryLock("k")
	if !ok {
		t.Fatal("TryLock after unlock failed")
	}
	unlock2()
	if len(l.locks) != 0 {
		t.Errorf("lock entries leaked: %d", len(l.locks))
	}
}
