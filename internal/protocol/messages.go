// Package protocol defines the JSON-RPC 2.0 envelope spoken between clients
// and the gateway, the stable error codes clients branch on, and the MCP
// method names the gateway serves.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// Methods served by the gateway.
const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	NotifyInitialized = "notifications/initialized"
	NotifyCancelled   = "notifications/cancelled"
)

// Error codes. The -32000 range is reserved for implementation-defined
// server errors.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternal        = -32603
	CodeUnauthenticated = -32001
	CodeNotFound        = -32002
	CodeExecution       = -32003
	CodeStorage         = -32004
	CodeRateLimited     = -32005
)

// SupportedVersions lists the MCP protocol revisions the gateway accepts,
// newest first.
var SupportedVersions = []string{mcp.LATEST_PROTOCOL_VERSION, "2025-03-26", "2024-11-05"}

// Request is an incoming message. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether r expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// DecodeParams unmarshals the params member into target. Absent params
// leave target untouched.
func (r *Request) DecodeParams(target any) error {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil
	}
	return json.Unmarshal(r.Params, target)
}

// ErrInvalidRequest is returned by Parse for well-formed JSON that is not a
// valid request object.
var ErrInvalidRequest = errors.New("invalid request")

// Parse decodes and checks one request. A syntax error is returned as is;
// structural problems wrap ErrInvalidRequest. The returned request is
// non-nil whenever its id could be recovered.
func Parse(data []byte) (*Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		// Batches were removed from MCP; the id cannot be echoed.
		if !json.Valid(data) {
			return nil, fmt.Errorf("parsing request: invalid JSON")
		}
		return nil, fmt.Errorf("%w: batch requests are not supported", ErrInvalidRequest)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %s has the wrong type", ErrInvalidRequest, typeErr.Field)
		}
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if !validID(req.ID) {
		return nil, fmt.Errorf("%w: id must be a string or number", ErrInvalidRequest)
	}
	if req.JSONRPC != Version {
		return &req, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidRequest, Version)
	}
	if req.Method == "" {
		return &req, fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	return &req, nil
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	switch id[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	return false
}

// Error is the error member of a response.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the failure kind and the gateway request id.
type ErrorData struct {
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outgoing message. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: Version, ID: echoID(id), Result: result}
}

// NewError builds an error response. An unknown id is echoed as null.
func NewError(id json.RawMessage, e *Error) *Response {
	return &Response{JSONRPC: Version, ID: echoID(id), Error: e}
}

func echoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// InitializeParams is the params member of initialize.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

// InitializeResult is the result of initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Negotiate picks the protocol version for a client request: the requested
// revision when supported, otherwise the newest one.
func Negotiate(requested string, supported []string) string {
	for _, v := range supported {
		if v == requested {
			return v
		}
	}
	return supported[0]
}

// CallParams is the params member of tools/call.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// CancelledParams is the params member of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}
