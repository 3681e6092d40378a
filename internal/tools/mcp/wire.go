// Package mcp carries tool calls over the Model Context Protocol between the
// gateway and a sandbox backend. The backend side serves a tools.Registry with
// mcp-go's streamable HTTP server; the gateway side decodes results back into
// tools.Result and *tools.Error so failure kinds survive the hop.
//
// The caller's tenant, sandbox and subject travel in the request's _meta.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// _meta keys.
const (
	MetaTenant  = "ngome/tenant"
	MetaSandbox = "ngome/sandbox"
	MetaSubject = "ngome/subject"
)

// CallerMeta encodes caller into request metadata.
func CallerMeta(c sandbox.Caller) *mcp.Meta {
	return &mcp.Meta{AdditionalFields: map[string]any{
		MetaTenant:  c.Tenant,
		MetaSandbox: c.Sandbox,
		MetaSubject: c.Subject,
	}}
}

// CallerFromMeta decodes the caller from request metadata.
func CallerFromMeta(m *mcp.Meta) (sandbox.Caller, bool) {
	if m == nil || m.AdditionalFields == nil {
		return sandbox.Caller{}, false
	}
	str := func(key string) string {
		s, _ := m.AdditionalFields[key].(string)
		return s
	}
	c := sandbox.Caller{Tenant: str(MetaTenant), Sandbox: str(MetaSandbox), Subject: str(MetaSubject)}
	return c, c.Tenant != "" && c.Sandbox != ""
}

// EncodeResult renders a tool outcome as an MCP result. Failures become an
// IsError result whose text is the JSON form of the *tools.Error.
func EncodeResult(res *tools.Result, err error) *mcp.CallToolResult {
	if err != nil {
		data, _ := json.Marshal(tools.AsError(err))
		return mcp.NewToolResultError(string(data))
	}
	status := res.Status
	if status == "" {
		status = sandbox.StatusOK
	}
	return mcp.NewToolResultStructured(map[string]any{
		"status": string(status),
		"data":   res.Data,
	}, res.Output)
}

// DecodeResult converts an MCP result back into a tool outcome.
func DecodeResult(r *mcp.CallToolResult) (*tools.Result, error) {
	text := Text(r.Content)
	if r.IsError {
		var te tools.Error
		if err := json.Unmarshal([]byte(text), &te); err == nil && te.Kind != "" {
			return nil, &te
		}
		return nil, &tools.Error{Kind: tools.KindBackendError, Message: bound(text)}
	}
	res := &tools.Result{Output: text, Status: sandbox.StatusOK}
	if m, ok := r.StructuredContent.(map[string]any); ok {
		if s, ok := m["status"].(string); ok && s != "" {
			res.Status = sandbox.Status(s)
		}
		res.Data = m["data"]
	} else if r.StructuredContent != nil {
		res.Data = r.StructuredContent
	}
	return res, nil
}

// Text joins the content items of a result. Non-text items are rendered as JSON.
func Text(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

// Schema converts a listed tool's input schema to a plain map.
func Schema(t mcp.Tool) map[string]any {
	if len(t.RawInputSchema) > 0 {
		var m map[string]any
		if err := json.Unmarshal(t.RawInputSchema, &m); err == nil {
			return m
		}
	}
	result := map[string]any{"type": t.InputSchema.Type}
	if t.InputSchema.Properties != nil {
		result["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		req := make([]any, len(t.InputSchema.Required))
		for i, r := range t.InputSchema.Required {
			req[i] = r
		}
		result["required"] = req
	}
	return result
}

func bound(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:limit], len(s))
}
