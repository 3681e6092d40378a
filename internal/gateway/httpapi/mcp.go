package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/protocol"
)

// SandboxHeader selects the workspace scope for tool calls on a request.
const SandboxHeader = "X-Ngome-Sandbox"

// MCPHandler serves one JSON-RPC message per POST. Every request gets a
// fresh session; the handshake is optional.
type MCPHandler struct {
	dispatcher *gateway.Dispatcher
	maxBytes   int64
	logger     *slog.Logger
}

// NewMCPHandler creates the POST /mcp handler.
func NewMCPHandler(d *gateway.Dispatcher, maxBytes int64, logger *slog.Logger) *MCPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestSize
	}
	return &MCPHandler{dispatcher: d, maxBytes: maxBytes, logger: logger}
}

func (h *MCPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("request body too large",
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int64("limit", tooLarge.Limit),
			)
			writeJSON(w, http.StatusRequestEntityTooLarge,
				protocol.NewError(nil, &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "request body too large"}))
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "reading request body failed"})
		return
	}

	session := gateway.NewSession(
		identity.BearerToken(r.Header.Get("Authorization")),
		r.Header.Get(SandboxHeader),
	)

	// The request context ends when the client disconnects, which cancels
	// any running tool call.
	out := h.dispatcher.Handle(r.Context(), session, body)
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
