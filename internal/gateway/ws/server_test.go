package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

type staticVerifier map[string]*identity.Identity

func (v staticVerifier) Verify(_ context.Context, credential string) (*identity.Identity, error) {
	if id, ok := v[credential]; ok {
		return id, nil
	}
	return nil, identity.ErrUnauthenticated
}

// blockingRouter holds "slow" calls until their context ends.
type blockingRouter struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (r *blockingRouter) Call(ctx context.Context, _ string, caller sandbox.Caller, tool string, _ map[string]any) (*tools.Result, error) {
	if tool != "slow" {
		return &tools.Result{Output: caller.Sandbox}, nil
	}
	close(r.started)
	<-ctx.Done()
	close(r.cancelled)
	return nil, ctx.Err()
}

type nullAuditor struct{}

func (nullAuditor) Enqueue(audit.Record) bool { return true }

type connCounter struct {
	opened, closed atomic.Int32
}

func (c *connCounter) ConnectionOpened() { c.opened.Add(1) }
func (c *connCounter) ConnectionClosed() { c.closed.Add(1) }

const testCatalog = `
tool_sets:
  - name: code
    required_role: developer
    endpoint: local://sandbox
    tools:
      - name: fast
      - name: slow
`

func newTestServer(t *testing.T) (*httptest.Server, *blockingRouter, *connCounter) {
	t.Helper()
	table, err := catalog.Parse([]byte(testCatalog), "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	router := &blockingRouter{started: make(chan struct{}), cancelled: make(chan struct{})}
	d := gateway.NewDispatcher(gateway.Config{}, gateway.Deps{
		Verifier: staticVerifier{"dev-key": {Subject: "alice", Tenant: "acme", Roles: []string{"developer"}}},
		Catalog:  table,
		Backends: router,
		Audit:    nullAuditor{},
	}, nil)
	counter := &connCounter{}
	srv := NewServer(d, Config{PingInterval: -1}, counter, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, router, counter
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) rpcResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return resp
}

func TestSessionAcrossMessages(t *testing.T) {
	ts, _, counter := newTestServer(t)
	conn := dial(t, ts, http.Header{
		"Authorization":   {"Bearer dev-key"},
		"X-Ngome-Sandbox": {"proj-7"},
	})
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if resp := receive(t, conn); resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}
	// Notifications get no reply; the next read is the tool call.
	send(t, conn, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	send(t, conn, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"code__fast"}}`)

	resp := receive(t, conn)
	if string(resp.ID) != "2" || resp.Error != nil {
		t.Fatalf("response = %s %+v", resp.ID, resp.Error)
	}
	if !strings.Contains(string(resp.Result), "proj-7") {
		t.Errorf("sandbox not taken from the upgrade request: %s", resp.Result)
	}
	if counter.opened.Load() != 1 {
		t.Errorf("opened = %d", counter.opened.Load())
	}
}

func TestTokenQueryParameter(t *testing.T) {
	ts, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=dev-key"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp := receive(t, conn); resp.Error != nil {
		t.Errorf("tools/list error: %+v", resp.Error)
	}
}

func TestUnauthenticatedConnectionStillAnswers(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dial(t, ts, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := receive(t, conn)
	if resp.Error == nil || resp.Error.Code != protocol.CodeUnauthenticated {
		t.Errorf("error = %+v, want unauthenticated", resp.Error)
	}
}

func TestConcurrentMessages(t *testing.T) {
	ts, router, _ := newTestServer(t)
	conn := dial(t, ts, http.Header{"Authorization": {"Bearer dev-key"}})
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, conn, `{"jsonrpc":"2.0","id":"slow","method":"tools/call","params":{"name":"code__slow"}}`)
	<-router.started

	// A ping overtakes the blocked call.
	send(t, conn, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if resp := receive(t, conn); string(resp.ID) != `"p"` {
		t.Fatalf("first response id = %s, want ping", resp.ID)
	}

	send(t, conn, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"slow"}}`)
	select {
	case <-router.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel notification did not reach the backend")
	}
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	ts, router, counter := newTestServer(t)
	conn := dial(t, ts, http.Header{"Authorization": {"Bearer dev-key"}})

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"code__slow"}}`)
	<-router.started
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-router.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not cancel the call")
	}
	deadline := time.Now().Add(5 * time.Second)
	for counter.closed.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	table, err := catalog.Parse([]byte(testCatalog), "")
	if err != nil {
		t.Fatal(err)
	}
	d := gateway.NewDispatcher(gateway.Config{}, gateway.Deps{
		Verifier: staticVerifier{},
		Catalog:  table,
		Backends: &blockingRouter{},
		Audit:    nullAuditor{},
	}, nil)
	srv := NewServer(d, Config{PingInterval: -1}, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	receive(t, conn)
	if n := srv.ConnectionCount(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}

	srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", status)
	}
}
