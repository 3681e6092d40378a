// Package catalog resolves which tool sets a caller may see and use. The
// descriptor table is immutable once built; a reload builds a new table and
// swaps it in atomically so in-flight requests keep the snapshot they started
// with.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jkaninda/ngome/internal/identity"
)

var (
	ErrForbidden        = errors.New("forbidden")
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidCatalog   = errors.New("invalid catalog")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// DefaultSuperuserRole bypasses every tool set requirement.
const DefaultSuperuserRole = "superuser"

// Separator joins a tool set name and a tool name into the published name.
const Separator = "__"

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	printer     = message.NewPrinter(language.English)
)

// Tool describes one tool of a tool set.
type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	InputSchema map[string]any `yaml:"input_schema" json:"input_schema,omitempty"`

	schema *jsonschema.Schema
}

// ValidateArguments checks args against the tool's input schema.
func (t *Tool) ValidateArguments(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so numbers and nested values have the shapes the validator
	// expects regardless of how args were decoded.
	doc, err := toJSONValue(args)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidArguments, validationMessage(verr))
		}
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

// ToolSet is a named group of tools gated by one role and served by one
// backend endpoint.
type ToolSet struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description,omitempty"`
	RequiredRole string `yaml:"required_role" json:"required_role"`
	// Endpoint is local://<name> for an in-process backend or an http(s)
	// URL of a remote MCP backend.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Tools    []Tool `yaml:"tools" json:"tools"`
}

// Tool returns the named tool or nil.
func (s *ToolSet) Tool(name string) *Tool {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i]
		}
	}
	return nil
}

// QualifiedName returns the published name of tool within s.
func (s *ToolSet) QualifiedName(tool string) string {
	return s.Name + Separator + tool
}

// SplitName splits a published tool name into tool set and tool.
func SplitName(qualified string) (set, tool string, ok bool) {
	set, tool, ok = strings.Cut(qualified, Separator)
	if !ok || set == "" || tool == "" {
		return "", "", false
	}
	return set, tool, true
}

// Table is an immutable, validated snapshot of tool sets.
type Table struct {
	sets      []ToolSet
	byName    map[string]int
	superuser string
	digest    string
}

// NewTable validates sets and compiles their input schemas. An empty
// superuser role selects DefaultSuperuserRole.
func NewTable(sets []ToolSet, superuser string) (*Table, error) {
	if superuser == "" {
		superuser = DefaultSuperuserRole
	}
	t := &Table{
		sets:      make([]ToolSet, len(sets)),
		byName:    make(map[string]int, len(sets)),
		superuser: superuser,
	}
	var errs []error
	for i, s := range sets {
		s.Tools = append([]Tool(nil), s.Tools...)
		if err := validateSet(&s); err != nil {
			errs = append(errs, err)
		}
		if _, dup := t.byName[s.Name]; dup {
			errs = append(errs, fmt.Errorf("tool set %q: duplicate name", s.Name))
		}
		t.byName[s.Name] = i
		t.sets[i] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	return t, nil
}

func validateSet(s *ToolSet) error {
	var errs []error
	if !namePattern.MatchString(s.Name) || strings.Contains(s.Name, Separator) {
		errs = append(errs, fmt.Errorf("tool set %q: name must match %s and must not contain %q", s.Name, namePattern, Separator))
	}
	if s.RequiredRole == "" {
		errs = append(errs, fmt.Errorf("tool set %q: required_role is required", s.Name))
	}
	if err := validateEndpoint(s.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("tool set %q: %w", s.Name, err))
	}
	seen := make(map[string]bool, len(s.Tools))
	for i := range s.Tools {
		tool := &s.Tools[i]
		if !namePattern.MatchString(tool.Name) {
			errs = append(errs, fmt.Errorf("tool set %q: tool name %q must match %s", s.Name, tool.Name, namePattern))
		}
		if seen[tool.Name] {
			errs = append(errs, fmt.Errorf("tool set %q: duplicate tool %q", s.Name, tool.Name))
		}
		seen[tool.Name] = true
		schema, err := compileSchema(s.QualifiedName(tool.Name), tool.InputSchema)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", s.QualifiedName(tool.Name), err))
			continue
		}
		tool.schema = schema
	}
	return errors.Join(errs...)
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	switch u.Scheme {
	case "local", "http", "https":
	default:
		return fmt.Errorf("endpoint %q: scheme must be local, http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", endpoint)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	loc := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	return sch, nil
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// validationMessage flattens the first leaf of a validation error tree.
func validationMessage(verr *jsonschema.ValidationError) string {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := "/" + strings.Join(leaf.InstanceLocation, "/")
	return fmt.Sprintf("at %s: %s", loc, leaf.ErrorKind.LocalizedString(printer))
}

// Digest identifies the source the table was loaded from, if any.
func (t *Table) Digest() string { return t.digest }

// SuperuserRole returns the bypass role.
func (t *Table) SuperuserRole() string { return t.superuser }

// Len returns the number of tool sets.
func (t *Table) Len() int { return len(t.sets) }

func (t *Table) permits(id *identity.Identity, s *ToolSet) bool {
	return id.HasRole(t.superuser) || id.HasRole(s.RequiredRole)
}

// ToolsFor returns the tool sets id may use, in configured order.
func (t *Table) ToolsFor(id *identity.Identity) []ToolSet {
	var out []ToolSet
	for i := range t.sets {
		if t.permits(id, &t.sets[i]) {
			out = append(out, t.sets[i])
		}
	}
	return out
}

// Authorize returns nil if id may use the named tool set, ErrForbidden if
// it may not and ErrToolNotFound if no such set exists.
func (t *Table) Authorize(id *identity.Identity, toolSet string) error {
	i, ok := t.byName[toolSet]
	if !ok {
		return fmt.Errorf("%w: tool set %s", ErrToolNotFound, toolSet)
	}
	if !t.permits(id, &t.sets[i]) {
		return fmt.Errorf("%w: tool set %s requires role %s", ErrForbidden, toolSet, t.sets[i].RequiredRole)
	}
	return nil
}

// Resolve looks up a published tool name for id. Unknown and forbidden
// tools fail the same way for the caller; the returned error wraps
// ErrToolNotFound or ErrForbidden so the true cause can be recorded.
func (t *Table) Resolve(id *identity.Identity, qualified string) (*ToolSet, *Tool, error) {
	setName, toolName, ok := SplitName(qualified)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualified)
	}
	if err := t.Authorize(id, setName); err != nil {
		return nil, nil, err
	}
	set := &t.sets[t.byName[setName]]
	tool := set.Tool(toolName)
	if tool == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualified)
	}
	return set, tool, nil
}
