package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/ngome/internal/tools"
)

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	// Token, when set, is required as a bearer token on every request.
	Token string
}

// Server serves a tool registry over MCP streamable HTTP.
type Server struct {
	reg    *tools.Registry
	mcp    *server.MCPServer
	token  string
	logger *slog.Logger
}

// NewServer registers every tool in reg with a new MCP server.
func NewServer(reg *tools.Registry, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "ngome-sandbox"
	}
	s := &Server{
		reg:    reg,
		mcp:    server.NewMCPServer(opts.Name, opts.Version, server.WithToolCapabilities(false), server.WithRecovery()),
		token:  opts.Token,
		logger: logger,
	}
	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			logger.Error("skipping tool with unencodable schema", slog.String("tool", t.Name()), slog.Any("error", err))
			continue
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}
	return s
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caller, ok := CallerFromMeta(req.Params.Meta)
		if !ok {
			return EncodeResult(nil, &tools.Error{Kind: tools.KindInvalidArguments, Message: "request has no tenant scope"}), nil
		}
		start := time.Now()
		res, err := s.reg.Call(ctx, caller, name, req.GetArguments())
		attrs := []any{
			slog.String("tool", name),
			slog.String("tenant", caller.Tenant),
			slog.String("sandbox", caller.Sandbox),
			slog.String("subject", caller.Subject),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			s.logger.InfoContext(ctx, "tool call failed", append(attrs, slog.String("kind", string(tools.Classify(err))))...)
		} else {
			s.logger.DebugContext(ctx, "tool call completed", attrs...)
		}
		return EncodeResult(res, err), nil
	}
}

// Handler returns the HTTP handler for the MCP endpoint.
func (s *Server) Handler() http.Handler {
	h := server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
	if s.token == "" {
		return h
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
