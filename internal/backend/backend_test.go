package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
	toolsmcp "github.com/jkaninda/ngome/internal/tools/mcp"
	"github.com/jkaninda/ngome/internal/workspace"
)

var caller = sandbox.Caller{Subject: "alice", Tenant: "acme", Sandbox: "search"}

type whoamiTool struct{}

func (whoamiTool) Name() string                  { return "whoami" }
func (whoamiTool) Description() string           { return "Reports the caller" }
func (whoamiTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (whoamiTool) Validate(map[string]any) error { return nil }
func (whoamiTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	c, _ := tools.CallerFromContext(ctx)
	return &tools.Result{Output: fmt.Sprintf("%s/%s/%s", c.Subject, c.Tenant, c.Sandbox)}, nil
}

type fullTool struct{}

func (fullTool) Name() string                  { return "fill" }
func (fullTool) Description() string           { return "Always over quota" }
func (fullTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (fullTool) Validate(map[string]any) error { return nil }
func (fullTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return nil, fmt.Errorf("writing data.txt: %w", workspace.ErrQuotaExceeded)
}

func newRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(whoamiTool{}, fullTool{})
	return reg
}

func TestLocal(t *testing.T) {
	r := NewRouter(RemoteConfig{}, nil)
	r.RegisterLocal("default", newRegistry())

	res, err := r.Call(context.Background(), "local://default", caller, "whoami", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Output != "alice/acme/search" {
		t.Errorf("Output = %q", res.Output)
	}

	b, err := r.Resolve("local://default")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	list, err := b.ListTools(context.Background())
	if err != nil || len(list) != 2 || list[0].Name != "fill" {
		t.Errorf("ListTools = %v, %v", list, err)
	}
}

func TestLocalCancelled(t *testing.T) {
	b := NewLocal("x", newRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Call(ctx, caller, "whoami", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestResolveErrors(t *testing.T) {
	r := NewRouter(RemoteConfig{}, nil)
	tests := []struct {
		endpoint string
		want     error
	}{
		{"local://missing", ErrBackendNotFound},
		{"grpc://host:9000", ErrUnsupportedScheme},
	}
	for _, tc := range tests {
		if _, err := r.Resolve(tc.endpoint); !errors.Is(err, tc.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tc.endpoint, err, tc.want)
		}
		_, err := r.Call(context.Background(), tc.endpoint, caller, "whoami", nil)
		if tools.Classify(err) != tools.KindBackendUnavailable {
			t.Errorf("Call(%q) = %v, want backend_unavailable", tc.endpoint, err)
		}
	}
}

func TestCustomFactoryIsCached(t *testing.T) {
	r := NewRouter(RemoteConfig{}, nil)
	created := 0
	r.RegisterFactory("test", func(u *url.URL) (Backend, error) {
		created++
		return NewLocal(u.Host, newRegistry()), nil
	})
	for range 3 {
		if _, err := r.Resolve("test://a"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("factory called %d times", created)
	}
	if eps := r.Endpoints(); len(eps) != 1 {
		t.Errorf("Endpoints = %v", eps)
	}
}

func newSandboxServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	s := toolsmcp.NewServer(newRegistry(), toolsmcp.Options{Token: token}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestRemote(t *testing.T) {
	srv := newSandboxServer(t, "s3cret")
	r := NewRouter(RemoteConfig{Token: "s3cret", Timeout: 5 * time.Second}, nil)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	res, err := r.Call(ctx, srv.URL, caller, "whoami", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Output != "alice/acme/search" || res.Status != sandbox.StatusOK {
		t.Errorf("result = %+v", res)
	}

	_, err = r.Call(ctx, srv.URL, caller, "fill", nil)
	if tools.Classify(err) != tools.KindQuotaExceeded {
		t.Errorf("fill: %v, want quota_exceeded", err)
	}

	b, _ := r.Resolve(srv.URL)
	list, err := b.ListTools(ctx)
	if err != nil || len(list) != 2 {
		t.Errorf("ListTools = %v, %v", list, err)
	}
	if err := r.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestRemoteUnavailable(t *testing.T) {
	srv := newSandboxServer(t, "s3cret")
	ctx := context.Background()

	wrong := NewRemote(RemoteConfig{URL: srv.URL, Token: "nope", Timeout: 5 * time.Second}, nil)
	if _, err := wrong.Call(ctx, caller, "whoami", nil); tools.Classify(err) != tools.KindBackendUnavailable {
		t.Errorf("wrong token: %v", err)
	}

	down := httptest.NewServer(nil)
	url := down.URL
	down.Close()
	gone := NewRemote(RemoteConfig{URL: url, Timeout: 5 * time.Second}, nil)
	if _, err := gone.Call(ctx, caller, "whoami", nil); tools.Classify(err) != tools.KindBackendUnavailable {
		t.Errorf("closed server: %v", err)
	}
	if err := gone.Ping(ctx); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Ping = %v", err)
	}
}
