package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/okapi"
)

// AuditRecordResponse is one entry of GET /v1/audit.
type AuditRecordResponse struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Subject    string    `json:"subject,omitempty"`
	Tenant     string    `json:"tenant,omitempty"`
	Method     string    `json:"method"`
	ToolSet    string    `json:"tool_set,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func toAuditRecordResponse(r audit.Record) AuditRecordResponse {
	return AuditRecordResponse{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		RequestID:  r.RequestID,
		Subject:    r.Subject,
		Tenant:     r.Tenant,
		Method:     r.Method,
		ToolSet:    r.ToolSet,
		Tool:       r.Tool,
		Status:     string(r.Status),
		Reason:     r.Reason,
		DurationMS: r.Duration.Milliseconds(),
		Error:      r.Error,
	}
}

func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	filter, err := ParseAuditFilter(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	records, err := g.auditLog.Query(c.Context(), filter)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	resp := make([]AuditRecordResponse, len(records))
	for i, r := range records {
		resp[i] = toAuditRecordResponse(r)
	}
	return c.OK(resp)
}

func (g *Gateway) handleCatalogReload(c *okapi.Context) error {
	if err := g.catalog.Reload(c.Context()); err != nil {
		// The previous table stays active.
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: err.Error()})
	}
	g.logger.Info("catalog reloaded via api", slog.String("subject", c.GetString("subject")))
	return c.OK(map[string]string{"status": "reloaded"})
}

// ParseAuditFilter reads an audit filter from query parameters: tenant,
// subject, method, tool, status, since, until (RFC 3339) and limit.
func ParseAuditFilter(q url.Values) (storage.AuditFilter, error) {
	f := storage.AuditFilter{
		Tenant:  q.Get("tenant"),
		Subject: q.Get("subject"),
		Method:  q.Get("method"),
		Tool:    q.Get("tool"),
	}
	if s := q.Get("status"); s != "" {
		switch st := audit.Status(s); st {
		case audit.StatusOK, audit.StatusError, audit.StatusDenied:
			f.Status = st
		default:
			return f, fmt.Errorf("invalid status %q", s)
		}
	}
	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, errors.New("until is before since")
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", s)
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC 3339 time", key)
	}
	return t, nil
}
