package sandbox

import (
	"context"
	"sort"
	"strings"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// JobContext is what a capability sees of the job that loads it.
type JobContext struct {
	Context context.Context
	Caller  Caller
	Depth   int
	// Runner executes nested jobs; Timeout and MaxOutputBytes are the
	// parent's effective limits, inherited by nested runs.
	Runner         Runner
	Timeout        time.Duration
	MaxOutputBytes int
	// Index describes the modules the job may load.
	Index Index
}

// Capability is a named module a job may acquire with load().
// Members is called once per job that loads the module, so returned values
// are never shared between jobs.
type Capability interface {
	Name() string
	Doc() ModuleDoc
	Members(jc *JobContext) starlark.StringDict
}

// FuncDoc describes one module member.
type FuncDoc struct {
	Name        string `json:"name"`
	Signature   string `json:"signature"`
	Description string `json:"description"`
}

// ModuleDoc describes a capability for discovery.
type ModuleDoc struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Functions   []FuncDoc `json:"functions"`
}

// Fn is shorthand for a FuncDoc.
func Fn(signature, description string) FuncDoc {
	name := signature
	if i := strings.IndexByte(signature, '('); i >= 0 {
		name = signature[:i]
	}
	return FuncDoc{Name: name, Signature: signature, Description: description}
}

func (d ModuleDoc) sorted() ModuleDoc {
	fns := append([]FuncDoc(nil), d.Functions...)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	d.Functions = fns
	return d
}

// ModuleFunc builds a module's members for one job.
type ModuleFunc func(jc *JobContext) starlark.StringDict

type funcModule struct {
	doc ModuleDoc
	fn  ModuleFunc
}

// NewModule returns a Capability named doc.Name whose members are built by fn.
func NewModule(doc ModuleDoc, fn ModuleFunc) Capability {
	return &funcModule{doc: doc.sorted(), fn: fn}
}

func (m *funcModule) Name() string                               { return m.doc.Name }
func (m *funcModule) Doc() ModuleDoc                             { return m.doc }
func (m *funcModule) Members(jc *JobContext) starlark.StringDict { return m.fn(jc) }

type staticModule struct {
	mod *starlarkstruct.Module
	doc ModuleDoc
}

// StaticModule exposes a stateless Starlark library module. Its values are
// frozen, so sharing them between jobs is safe. Members missing from fns
// are listed with a generic signature.
func StaticModule(mod *starlarkstruct.Module, description string, fns ...FuncDoc) Capability {
	mod.Freeze()
	known := make(map[string]FuncDoc, len(fns))
	for _, f := range fns {
		known[f.Name] = f
	}
	doc := ModuleDoc{Name: mod.Name, Description: description}
	for name, v := range mod.Members {
		f, ok := known[name]
		if !ok {
			f = FuncDoc{Name: name, Signature: name}
			if _, callable := v.(starlark.Callable); callable {
				f.Signature = name + "(...)"
			}
		}
		doc.Functions = append(doc.Functions, f)
	}
	return &staticModule{mod: mod, doc: doc.sorted()}
}

func (m *staticModule) Name() string   { return m.mod.Name }
func (m *staticModule) Doc() ModuleDoc { return m.doc }

func (m *staticModule) Members(*JobContext) starlark.StringDict {
	return m.mod.Members
}

// StandardModules returns the pure-computation library modules: json, math, time.
func StandardModules() []Capability {
	return []Capability{
		StaticModule(starjson.Module, "Encode and decode JSON.",
			Fn("encode(x)", "Return the JSON encoding of a value."),
			Fn("decode(s, default=?)", "Parse a JSON string into a value."),
			Fn("indent(s, prefix=\"\", indent=\"\\t\")", "Reformat a JSON string with indentation."),
			Fn("encode_indent(x, prefix=\"\", indent=\"\\t\")", "Encode a value as indented JSON."),
		),
		StaticModule(starmath.Module, "Floating-point math functions and constants.",
			Fn("ceil(x)", "Smallest integer greater than or equal to x."),
			Fn("floor(x)", "Largest integer less than or equal to x."),
			Fn("round(x)", "Nearest integer, rounding half away from zero."),
			Fn("fabs(x)", "Absolute value of x as a float."),
			Fn("sqrt(x)", "Square root of x."),
			Fn("pow(x, y)", "x raised to the power y."),
			Fn("exp(x)", "e raised to the power x."),
			Fn("log(x, base=e)", "Logarithm of x in the given base."),
			Fn("mod(x, y)", "Floating-point remainder of x / y."),
			Fn("pi", "The constant pi."),
			Fn("e", "Euler's number."),
		),
		StaticModule(startime.Module, "Parse, format and compute with times and durations.",
			Fn("now()", "The current time."),
			Fn("time(year=?, month=?, day=?, hour=?, minute=?, second=?, nanosecond=?, location=?)", "Build a time from its components."),
			Fn("parse_time(x, format=?, location=?)", "Parse a time string, RFC 3339 by default."),
			Fn("parse_duration(d)", "Parse a duration string such as \"1h30m\"."),
			Fn("from_timestamp(sec, nsec=?)", "Time from a Unix timestamp."),
			Fn("is_valid_timezone(loc)", "Report whether loc names a known time zone."),
		),
	}
}

// moduleDict is what load() sees: every member by name, plus the module
// itself under its own name so both `load("m", "f")` and `load("m", "m")` work.
func moduleDict(c Capability, jc *JobContext) starlark.StringDict {
	members := c.Members(jc)
	dict := make(starlark.StringDict, len(members)+1)
	for k, v := range members {
		dict[k] = v
	}
	if _, clash := dict[c.Name()]; !clash {
		dict[c.Name()] = &starlarkstruct.Module{Name: c.Name(), Members: members}
	}
	return dict
}

func sortedNames(caps map[string]Capability) []string {
	names := make([]string, 0, len(caps))
	for n := range caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
