package file

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
	"github.com/jkaninda/ngome/internal/workspace"
)

var caller = sandbox.Caller{Subject: "alice", Tenant: "acme", Sandbox: "search"}

func newRegistry(t *testing.T) (*tools.Registry, *workspace.Store) {
	t.Helper()
	store := workspace.New(workspace.NewMemoryBackend(), workspace.Config{QuotaBytes: 64}, nil)
	reg := tools.NewRegistry()
	reg.Register(NewTools(store, nil)...)
	return reg, store
}

func TestWriteReadDigest(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := reg.Call(ctx, caller, "write_file", map[string]any{"path": "notes/a.txt", "content": "hello"}); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	res, err := reg.Call(ctx, caller, "read_file", map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %q", res.Output)
	}
	data := res.Data.(map[string]any)
	if data["digest"] != Digest([]byte("hello")) || len(data["digest"].(string)) != 64 {
		t.Errorf("digest = %v", data["digest"])
	}
}

func TestErrorsAreClassified(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tool   string
		params map[string]any
		kind   tools.Kind
	}{
		{"traversal", "read_file", map[string]any{"path": "../../etc/passwd"}, tools.KindPathTraversal},
		{"missing", "read_file", map[string]any{"path": "none.txt"}, tools.KindNotFound},
		{"extension", "write_file", map[string]any{"path": "run.exe", "content": "x"}, tools.KindBadExtension},
		{"quota", "write_file", map[string]any{"path": "big.txt", "content": strings.Repeat("x", 65)}, tools.KindQuotaExceeded},
		{"reserved", "write_file", map[string]any{"path": "skills/x/implementation.star", "content": "x"}, tools.KindReservedPath},
		{"missing param", "read_file", map[string]any{}, tools.KindInvalidArguments},
		{"bad checkpoint name", "load_checkpoint", map[string]any{"name": "a/b"}, tools.KindInvalidPath},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Call(ctx, caller, tc.tool, tc.params)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := tools.Classify(err); got != tc.kind {
				t.Errorf("kind = %s, want %s (%v)", got, tc.kind, err)
			}
		})
	}
}

func TestCheckpointTools(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	for _, step := range []float64{1, 2} {
		if _, err := reg.Call(ctx, caller, "save_checkpoint", map[string]any{"name": "progress", "data": map[string]any{"step": step}}); err != nil {
			t.Fatalf("save_checkpoint: %v", err)
		}
	}
	res, err := reg.Call(ctx, caller, "load_checkpoint", map[string]any{"name": "progress"})
	if err != nil {
		t.Fatalf("load_checkpoint: %v", err)
	}
	data := res.Data.(map[string]any)["data"].(map[string]any)
	if data["step"] != float64(2) {
		t.Errorf("step = %v, want 2", data["step"])
	}

	res, err = reg.Call(ctx, caller, "list_checkpoints", nil)
	if err != nil {
		t.Fatalf("list_checkpoints: %v", err)
	}
	if names := res.Data.(map[string]any)["checkpoints"].([]string); len(names) != 1 || names[0] != "progress" {
		t.Errorf("checkpoints = %v", names)
	}
}

func TestToolsRequireTenant(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Call(context.Background(), sandbox.Caller{}, "workspace_info", nil)
	var te *tools.Error
	if !errors.As(err, &te) || te.Kind != tools.KindInvalidArguments {
		t.Errorf("err = %v", err)
	}
}

func TestCapabilityModule(t *testing.T) {
	store := workspace.New(workspace.NewMemoryBackend(), workspace.Config{}, nil)
	engine := sandbox.NewEngine(sandbox.Config{}, nil, Capability(store))

	res, err := engine.Execute(context.Background(), sandbox.Job{
		Caller: caller,
		Code: `
load("workspace", "write_file", "read_file", "save_checkpoint", "load_checkpoint", "file_exists")
write_file("out/report.txt", "done")
save_checkpoint("state", {"n": 3})
print(read_file("out/report.txt"), load_checkpoint("state")["n"], file_exists("missing.txt"))
`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != sandbox.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Error)
	}
	if res.Output != "done 3 False\n" {
		t.Errorf("Output = %q", res.Output)
	}

	data, err := store.Read(context.Background(), workspace.Scope{Tenant: "acme", Sandbox: "search"}, "out/report.txt")
	if err != nil || string(data) != "done" {
		t.Errorf("stored = %q, %v", data, err)
	}
}

func TestCapabilityTraversalIsRuntimeError(t *testing.T) {
	store := workspace.New(workspace.NewMemoryBackend(), workspace.Config{}, nil)
	engine := sandbox.NewEngine(sandbox.Config{}, nil, Capability(store))

	res, err := engine.Execute(context.Background(), sandbox.Job{
		Caller: caller,
		Code:   `load("workspace", "read_file")` + "\nread_file(\"../other/secret.txt\")\n",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != sandbox.StatusRuntimeError || !strings.Contains(res.Error, "escapes") {
		t.Errorf("result = %+v", res)
	}
}
