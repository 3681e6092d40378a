package tools

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

// RequireString returns params[key] as a non-empty string.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", invalid("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", invalid("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString returns params[key] as a string, or def when absent.
func OptionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// StringPtr returns params[key] as a *string, nil when absent.
func StringPtr(params map[string]any, key string) (*string, error) {
	if _, ok := params[key]; !ok {
		return nil, nil
	}
	s, err := OptionalString(params, key, "")
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// OptionalInt returns params[key] as an integer, or def when absent.
// JSON numbers arrive as float64 and must be integral.
func OptionalInt(params map[string]any, key string, def int64) (int64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, invalid("parameter %s must be an integer", key)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, invalid("parameter %s must be an integer", key)
		}
		return i, nil
	default:
		return 0, invalid("parameter %s must be a number, got %T", key, v)
	}
}

// OptionalBool returns params[key] as a bool, or def when absent.
func OptionalBool(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalid("parameter %s must be a boolean, got %T", key, v)
	}
	return b, nil
}

// OptionalSeconds reads an integer number of seconds as a duration.
func OptionalSeconds(params map[string]any, key string) (time.Duration, error) {
	n, err := OptionalInt(params, key, 0)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, invalid("parameter %s must not be negative", key)
	}
	return time.Duration(n) * time.Second, nil
}

// OptionalMap returns params[key] as an object, nil when absent.
func OptionalMap(params map[string]any, key string) (map[string]any, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("parameter %s must be an object, got %T", key, v)
	}
	return m, nil
}

// OptionalStrings returns params[key] as a list of strings, nil when absent.
func OptionalStrings(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, invalid("parameter %s[%d] must be a string, got %T", key, i, e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalid("parameter %s must be a list of strings, got %T", key, v)
	}
}

// StringMap returns params[key] as a map of strings, nil when absent.
func StringMap(params map[string]any, key string) (map[string]string, error) {
	m, err := OptionalMap(params, key)
	if err != nil || m == nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, invalid("parameter %s.%s must be a string, got %T", key, k, v)
		}
		out[k] = s
	}
	return out, nil
}

// RenderJSON renders v as indented JSON text for a Result's Output.
func RenderJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// Caller returns the caller carried by ctx, failing if none was attached.
func Caller(ctx context.Context) (sandbox.Caller, error) {
	c, ok := CallerFromContext(ctx)
	if !ok || c.Tenant == "" {
		return sandbox.Caller{}, &Error{Kind: KindInvalidArguments, Message: "call has no tenant scope"}
	}
	return c, nil
}

// Scope returns the workspace scope of the caller carried by ctx.
func Scope(ctx context.Context) (workspace.Scope, error) {
	c, err := Caller(ctx)
	if err != nil {
		return workspace.Scope{}, err
	}
	return workspace.Scope{Tenant: c.Tenant, Sandbox: c.Sandbox}, nil
}
