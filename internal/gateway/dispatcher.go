package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/protocol"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
	toolsmcp "github.com/jkaninda/ngome/internal/tools/mcp"
)

// DefaultSandbox is the workspace scope used when a call names none.
const DefaultSandbox = "default"

// MetaSandbox is the tools/call _meta key selecting the workspace scope.
const MetaSandbox = toolsmcp.MetaSandbox

var sandboxPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config configures a Dispatcher.
type Config struct {
	Name             string
	Version          string
	Instructions     string
	ProtocolVersions []string // newest first; default protocol.SupportedVersions
	DefaultSandbox   string
}

// Deps are the collaborators of a Dispatcher. Limiter, Metrics and Tracer
// are optional.
type Deps struct {
	Verifier identity.Verifier
	Catalog  Resolver
	Backends Router
	Audit    Auditor
	Limiter  Limiter
	Metrics  Metrics
	Tracer   trace.Tracer
}

// Dispatcher runs the protocol state machine for every session.
type Dispatcher struct {
	cfg      Config
	verifier identity.Verifier
	catalog  Resolver
	backends Router
	audit    Auditor
	limiter  Limiter
	metrics  Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, deps Deps, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "ngome"
	}
	if len(cfg.ProtocolVersions) == 0 {
		cfg.ProtocolVersions = protocol.SupportedVersions
	}
	if cfg.DefaultSandbox == "" {
		cfg.DefaultSandbox = DefaultSandbox
	}
	d := &Dispatcher{
		cfg:      cfg,
		verifier: deps.Verifier,
		catalog:  deps.Catalog,
		backends: deps.Backends,
		audit:    deps.Audit,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   logger,
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("")
	}
	return d
}

// Handle processes one message for session s and returns the encoded
// response, or nil for a notification. The audit record for the message is
// queued before Handle returns.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, data []byte) []byte {
	start := time.Now()
	rec := audit.Record{RequestID: uuid.NewString(), Status: audit.StatusOK}

	ctx, span := d.tracer.Start(ctx, "gateway.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("ngome.request_id", rec.RequestID)),
	)
	defer span.End()

	resp := d.dispatch(ctx, s, data, &rec)

	var out []byte
	if resp != nil {
		var err error
		out, err = json.Marshal(resp)
		if err != nil {
			d.logger.Error("encoding response failed",
				slog.String("request_id", rec.RequestID),
				slog.Any("error", err),
			)
			resp = d.reject(&rec, resp.ID, protocol.CodeInternal, "", "internal error", audit.StatusError, err.Error())
			out, _ = json.Marshal(resp)
		}
	}

	rec.Duration = time.Since(start)
	d.audit.Enqueue(rec)
	d.metrics.RequestHandled(methodLabel(rec.Method), string(rec.Status), rec.Duration)

	span.SetAttributes(
		attribute.String("rpc.method", rec.Method),
		attribute.String("ngome.status", string(rec.Status)),
	)
	if rec.Status != audit.StatusOK {
		span.SetStatus(codes.Error, rec.Error)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, s *Session, data []byte, rec *audit.Record) *protocol.Response {
	req, err := protocol.Parse(data)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
			rec.Method = req.Method
		}
		if errors.Is(err, protocol.ErrInvalidRequest) {
			return d.reject(rec, id, protocol.CodeInvalidRequest, "", err.Error(), audit.StatusError, "invalid_request")
		}
		return d.reject(rec, id, protocol.CodeParseError, "", "parse error", audit.StatusError, err.Error())
	}
	rec.Method = req.Method

	if req.IsNotification() {
		d.notify(s, req, rec)
		return nil
	}

	s.begin()
	defer s.end()

	switch req.Method {
	case protocol.MethodInitialize:
		return d.initialize(s, req, rec)
	case protocol.MethodPing:
		return protocol.NewResult(req.ID, struct{}{})
	case protocol.MethodToolsList:
		return d.listTools(ctx, s, req, rec)
	case protocol.MethodToolsCall:
		return d.callTool(ctx, s, req, rec)
	default:
		return d.reject(rec, req.ID, protocol.CodeMethodNotFound, "",
			"method not found: "+req.Method, audit.StatusError, "method_not_found")
	}
}

// reject builds an error response and records the failure. message goes to
// the client; reason records the true cause.
func (d *Dispatcher) reject(rec *audit.Record, id json.RawMessage, code int, kind, message string, status audit.Status, reason string) *protocol.Response {
	rec.Status = status
	rec.Error = message
	rec.Reason = reason
	return protocol.NewError(id, &protocol.Error{
		Code:    code,
		Message: message,
		Data:    &protocol.ErrorData{Kind: kind, RequestID: rec.RequestID},
	})
}

func (d *Dispatcher) notify(s *Session, req *protocol.Request, rec *audit.Record) {
	switch req.Method {
	case protocol.NotifyInitialized:
		if s.ProtocolVersion() == "" {
			rec.Reason = "initialized before initialize"
		}
	case protocol.NotifyCancelled:
		var p protocol.CancelledParams
		if err := req.DecodeParams(&p); err != nil || len(p.RequestID) == 0 {
			rec.Status = audit.StatusError
			rec.Reason = "malformed cancellation"
			return
		}
		if !s.cancel(string(p.RequestID)) {
			rec.Reason = "cancellation for unknown request"
		}
	default:
		rec.Reason = "notification ignored"
	}
}

func (d *Dispatcher) initialize(s *Session, req *protocol.Request, rec *audit.Record) *protocol.Response {
	var p protocol.InitializeParams
	if err := req.DecodeParams(&p); err != nil {
		return d.reject(rec, req.ID, protocol.CodeInvalidParams, string(tools.KindInvalidArguments),
			"invalid initialize params", audit.StatusError, err.Error())
	}
	version := protocol.Negotiate(p.ProtocolVersion, d.cfg.ProtocolVersions)
	s.initialized(version)
	if version != p.ProtocolVersion {
		rec.Reason = fmt.Sprintf("client requested %q", p.ProtocolVersion)
	}
	return protocol.NewResult(req.ID, protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
		ServerInfo:      mcp.Implementation{Name: d.cfg.Name, Version: d.cfg.Version},
		Instructions:    d.cfg.Instructions,
	})
}

// authenticate verifies the session credential. On failure it returns the
// error response to send.
func (d *Dispatcher) authenticate(ctx context.Context, s *Session, req *protocol.Request, rec *audit.Record) (*identity.Identity, *protocol.Response) {
	id, err := d.verifier.Verify(ctx, s.credential)
	if err != nil {
		return nil, d.reject(rec, req.ID, protocol.CodeUnauthenticated, "",
			"unauthenticated", audit.StatusDenied, err.Error())
	}
	rec.Subject = id.Subject
	rec.Tenant = id.Tenant
	return id, nil
}

func (d *Dispatcher) listTools(ctx context.Context, s *Session, req *protocol.Request, rec *audit.Record) *protocol.Response {
	id, resp := d.authenticate(ctx, s, req, rec)
	if resp != nil {
		return resp
	}
	result := mcp.ListToolsResult{Tools: []mcp.Tool{}}
	for _, set := range d.catalog.ToolsFor(id) {
		for _, t := range set.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			raw, err := json.Marshal(schema)
			if err != nil {
				d.logger.Error("skipping tool with unencodable schema",
					slog.String("tool", set.QualifiedName(t.Name)),
					slog.Any("error", err),
				)
				continue
			}
			result.Tools = append(result.Tools, mcp.NewToolWithRawSchema(set.QualifiedName(t.Name), t.Description, raw))
		}
	}
	return protocol.NewResult(req.ID, result)
}

func (d *Dispatcher) callTool(ctx context.Context, s *Session, req *protocol.Request, rec *audit.Record) *protocol.Response {
	var p protocol.CallParams
	decodeErr := req.DecodeParams(&p)
	if decodeErr == nil {
		rec.Tool = p.Name
	}

	// Credentials are checked before params so an unauthenticated caller
	// always gets the authentication error.
	id, resp := d.authenticate(ctx, s, req, rec)
	if resp != nil {
		return resp
	}
	if decodeErr != nil || p.Name == "" {
		reason := "missing tool name"
		if decodeErr != nil {
			reason = decodeErr.Error()
		}
		return d.reject(rec, req.ID, protocol.CodeInvalidParams, string(tools.KindInvalidArguments),
			"tools/call requires a tool name and an arguments object", audit.StatusError, reason)
	}

	if d.limiter != nil {
		if err := d.limiter.Allow(ratelimit.Key(id.Tenant, id.Subject)); err != nil {
			return d.reject(rec, req.ID, protocol.CodeRateLimited, "",
				"rate limit exceeded", audit.StatusDenied, err.Error())
		}
	}

	// Unknown and forbidden tools share one response; only the audit
	// record tells them apart.
	set, tool, err := d.catalog.Resolve(id, p.Name)
	if err != nil {
		status := audit.StatusError
		if errors.Is(err, catalog.ErrForbidden) {
			status = audit.StatusDenied
		}
		return d.reject(rec, req.ID, protocol.CodeNotFound, "",
			"tool not found: "+p.Name, status, err.Error())
	}
	rec.ToolSet = set.Name
	rec.Tool = tool.Name

	if err := tool.ValidateArguments(p.Arguments); err != nil {
		return d.reject(rec, req.ID, protocol.CodeInvalidParams, string(tools.KindInvalidArguments),
			err.Error(), audit.StatusError, "schema validation failed")
	}

	sandboxID := d.sandboxFor(s, p.Meta)
	if !sandboxPattern.MatchString(sandboxID) {
		return d.reject(rec, req.ID, protocol.CodeInvalidParams, string(tools.KindInvalidArguments),
			fmt.Sprintf("invalid sandbox %q", sandboxID), audit.StatusError, "invalid sandbox")
	}
	caller := sandbox.Caller{Subject: id.Subject, Tenant: id.Tenant, Sandbox: sandboxID}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := string(req.ID)
	s.track(key, cancel)
	defer s.untrack(key)

	callCtx, span := d.tracer.Start(callCtx, "gateway.backend_call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ngome.tool_set", set.Name),
			attribute.String("ngome.tool", tool.Name),
			attribute.String("ngome.endpoint", set.Endpoint),
		),
	)
	start := time.Now()
	res, err := d.backends.Call(callCtx, set.Endpoint, caller, tool.Name, p.Arguments)
	elapsed := time.Since(start)
	span.End()

	if err != nil {
		te := tools.AsError(err)
		d.metrics.BackendCall(set.Name, string(te.Kind), elapsed)
		d.logger.Warn("tool call failed",
			slog.String("request_id", rec.RequestID),
			slog.String("tool", p.Name),
			slog.String("subject", id.Subject),
			slog.String("kind", string(te.Kind)),
			slog.Any("error", err),
		)
		message := te.Message
		code := toolErrorCode(te.Kind)
		if code == protocol.CodeNotFound {
			message = "tool not found: " + p.Name
		}
		return d.reject(rec, req.ID, code, string(te.Kind), message, audit.StatusError, err.Error())
	}

	d.metrics.BackendCall(set.Name, string(statusOf(res)), elapsed)
	if st := statusOf(res); st != sandbox.StatusOK {
		rec.Reason = string(st)
	}
	d.logger.Info("tool call",
		slog.String("request_id", rec.RequestID),
		slog.String("tool", p.Name),
		slog.String("subject", id.Subject),
		slog.String("tenant", id.Tenant),
		slog.Duration("duration", elapsed),
	)
	return protocol.NewResult(req.ID, toolsmcp.EncodeResult(res, nil))
}

func (d *Dispatcher) sandboxFor(s *Session, meta map[string]any) string {
	if v, ok := meta[MetaSandbox].(string); ok && v != "" {
		return v
	}
	if s.sandbox != "" {
		return s.sandbox
	}
	return d.cfg.DefaultSandbox
}

func statusOf(res *tools.Result) sandbox.Status {
	if res == nil || res.Status == "" {
		return sandbox.StatusOK
	}
	return res.Status
}

// toolErrorCode maps a failure kind to its protocol error code.
func toolErrorCode(k tools.Kind) int {
	if k == tools.KindUnknownTool {
		return protocol.CodeNotFound
	}
	switch k.Class() {
	case tools.ClassInvalid:
		return protocol.CodeInvalidParams
	case tools.ClassStorage:
		return protocol.CodeStorage
	default:
		return protocol.CodeExecution
	}
}

func methodLabel(m string) string {
	switch m {
	case protocol.MethodInitialize, protocol.MethodPing, protocol.MethodToolsList,
		protocol.MethodToolsCall, protocol.NotifyInitialized, protocol.NotifyCancelled:
		return m
	case "":
		return "invalid"
	default:
		return "other"
	}
}
