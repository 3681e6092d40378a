package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
	toolsmcp "github.com/jkaninda/ngome/internal/tools/mcp"
)

// DefaultTimeout bounds a remote call when RemoteConfig.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	URL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// ClientName and ClientVersion identify the gateway in the MCP handshake.
	ClientName    string
	ClientVersion string
}

// Remote calls tools on a sandbox served over MCP streamable HTTP.
// The connection is established on first use and re-established after a
// transport failure.
type Remote struct {
	cfg    RemoteConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *mcpclient.Client
}

// NewRemote creates a remote backend. No connection is made until first use.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "ngome"
	}
	return &Remote{cfg: cfg, logger: logger}
}

func (r *Remote) Kind() string     { return "mcp" }
func (r *Remote) Endpoint() string { return r.cfg.URL }

// connect returns the live client, dialing and initializing one if needed.
func (r *Remote) connect(ctx context.Context) (*mcpclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	var opts []transport.StreamableHTTPCOption
	if r.cfg.Token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + r.cfg.Token}))
	}
	c, err := mcpclient.NewStreamableHttpClient(r.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %s: %w", r.cfg.URL, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting MCP client for %s: %w", r.cfg.URL, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: r.cfg.ClientName, Version: r.cfg.ClientVersion}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %s: %w", r.cfg.URL, err)
	}

	r.logger.Info("MCP backend connected", slog.String("endpoint", r.cfg.URL))
	r.client = c
	return c, nil
}

// reset drops c so the next call reconnects.
func (r *Remote) reset(c *mcpclient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == c {
		_ = c.Close()
		r.client = nil
	}
}

func (r *Remote) ListTools(ctx context.Context) ([]ToolInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	c, err := r.connect(ctx)
	if err != nil {
		return nil, r.failure(ctx, nil, err)
	}
	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, r.failure(ctx, c, err)
	}
	out := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: toolsmcp.Schema(t)})
	}
	return out, nil
}

func (r *Remote) Call(ctx context.Context, caller sandbox.Caller, tool string, args map[string]any) (*tools.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	c, err := r.connect(ctx)
	if err != nil {
		return nil, r.failure(ctx, nil, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	req.Params.Meta = toolsmcp.CallerMeta(caller)

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, r.failure(ctx, c, err)
	}
	return toolsmcp.DecodeResult(res)
}

func (r *Remote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	c, err := r.connect(ctx)
	if err == nil {
		if err = c.Ping(ctx); err != nil {
			r.reset(c)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, r.cfg.URL, err)
	}
	return nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// failure converts a client error into a caller-facing error. Context errors
// pass through so cancellation and timeouts keep their kind. A JSON-RPC error
// from the backend is a backend error; anything else means the backend could
// not be reached and the connection is dropped.
func (r *Remote) failure(ctx context.Context, c *mcpclient.Client, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var te *transport.Error
	if c != nil && !errors.As(err, &te) {
		r.logger.Warn("MCP backend returned an error", slog.String("endpoint", r.cfg.URL), slog.Any("error", err))
		return &tools.Error{Kind: tools.KindBackendError, Message: "backend rejected the call"}
	}
	if c != nil {
		r.reset(c)
	}
	r.logger.Warn("MCP backend unavailable", slog.String("endpoint", r.cfg.URL), slog.Any("error", err))
	return unavailable(r.cfg.URL)
}
