package privacy

import (
	"context"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

// Capability exposes the scrubbers to jobs as the "privacy" module.
func Capability() sandbox.Capability {
	return sandbox.NewModule(moduleDoc(), func(*sandbox.JobContext) starlark.StringDict {
		members := starlark.StringDict{
			"scrub_all":       starlark.NewBuiltin("scrub_all", scrubAllBuiltin),
			"report":          starlark.NewBuiltin("report", reportBuiltin),
			"anonymize_names": starlark.NewBuiltin("anonymize_names", anonymizeBuiltin),
		}
		for _, k := range Kinds() {
			name := "scrub_" + string(k)
			members[name] = starlark.NewBuiltin(name, scrubBuiltin(k))
		}
		return members
	})
}

func moduleDoc() sandbox.ModuleDoc {
	doc := sandbox.ModuleDoc{
		Name:        "privacy",
		Description: "Redact personal data from text before it is stored or returned.",
		Functions: []sandbox.FuncDoc{
			sandbox.Fn("scrub_all(text)", "Redact every supported kind of personal data."),
			sandbox.Fn("report(text)", "Count what scrub_all would redact, by kind."),
			sandbox.Fn("anonymize_names(text, mapping={})", "Replace person names with stable placeholders; returns (text, mapping)."),
		},
	}
	for _, k := range Kinds() {
		doc.Functions = append(doc.Functions,
			sandbox.Fn("scrub_"+string(k)+"(text, replacement=\"\")", "Redact "+strings.ReplaceAll(string(k), "_", " ")+" values."))
	}
	return doc
}

func scrubBuiltin(kind Kind) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var text, replacement string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "replacement?", &replacement); err != nil {
			return nil, err
		}
		return starlark.String(Scrub(text, kind, replacement)), nil
	}
}

func scrubAllBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	out, _ := ScrubAll(text)
	return starlark.String(out), nil
}

func reportBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	_, r := ScrubAll(text)
	return sandbox.ToValue(reportMap(r))
}

func anonymizeBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		text  string
		known *starlark.Dict
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "mapping?", &known); err != nil {
		return nil, err
	}
	prior := make(map[string]string)
	if known != nil {
		for _, item := range known.Items() {
			k, kok := starlark.AsString(item[0])
			v, vok := starlark.AsString(item[1])
			if !kok || !vok {
				return nil, fmt.Errorf("%s: mapping must be a dict of strings", b.Name())
			}
			prior[k] = v
		}
	}
	out, mapping := AnonymizeNames(text, prior)
	m, err := sandbox.ToValue(mapping)
	if err != nil {
		return nil, err
	}
	return starlark.Tuple{starlark.String(out), m}, nil
}

func reportMap(r Report) map[string]any {
	redactions := make(map[string]any, len(r.Redactions))
	for k, n := range r.Redactions {
		redactions[string(k)] = n
	}
	return map[string]any{
		"original_length": r.OriginalLength,
		"scrubbed_length": r.ScrubbedLength,
		"redactions":      redactions,
		"total":           r.Total,
	}
}

// Tool is the scrub_pii tool, for callers that want scrubbing without
// writing code.
type Tool struct{}

func NewTool() *Tool { return &Tool{} }

func (t *Tool) Name() string { return "scrub_pii" }

func (t *Tool) Description() string {
	return "Redact emails, card numbers, SSNs, phone numbers and IP addresses from text and report what was removed."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	_, err := tools.OptionalString(params, "text", "")
	return err
}

func (t *Tool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	text, _ := tools.OptionalString(params, "text", "")
	out, r := ScrubAll(text)
	return &tools.Result{
		Output: out,
		Data:   map[string]any{"text": out, "report": reportMap(r)},
	}, nil
}
