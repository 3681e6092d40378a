package sandbox

import (
	"context"
	"strings"
	"testing"
)

func newDiscoveryEngine(cfg Config) *Engine {
	caps := append(StandardModules(), greetModule(), DiscoveryModule())
	return NewEngine(cfg, nil, caps...)
}

func TestDocsFollowAllowList(t *testing.T) {
	e := newDiscoveryEngine(Config{AllowedModules: []string{"greet", "math"}})
	var names []string
	for _, d := range e.Docs() {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, ","); got != "greet,math" {
		t.Errorf("Docs() modules = %s, want greet,math", got)
	}
	if _, ok := e.Describe("json"); ok {
		t.Error("Describe returned a module outside the allow-list")
	}
}

func TestDescribe(t *testing.T) {
	e := newDiscoveryEngine(Config{})
	doc, ok := e.Describe("greet")
	if !ok {
		t.Fatal("greet not described")
	}
	if doc.Description == "" || len(doc.Functions) != 1 {
		t.Fatalf("doc = %+v", doc)
	}
	f := doc.Functions[0]
	if f.Name != "hello" || f.Signature != "hello(name)" || f.Description == "" {
		t.Errorf("function doc = %+v", f)
	}

	// Library members without written docs are still listed.
	math, _ := e.Describe("math")
	found := map[string]bool{}
	for _, f := range math.Functions {
		found[f.Name] = true
	}
	for _, want := range []string{"floor", "sqrt", "pi"} {
		if !found[want] {
			t.Errorf("math doc missing %s", want)
		}
	}
}

func TestSearchDocsIgnoresCase(t *testing.T) {
	e := newDiscoveryEngine(Config{})
	tests := []struct {
		query      string
		wantModule string
		wantName   string
	}{
		{"HELLO", "greet", "hello"},
		{"calling tenant", "greet", "hello"},
		{"Square Root", "math", "sqrt"},
		{"JSON", "json", "decode"},
	}
	for _, tc := range tests {
		found := false
		for _, m := range e.SearchDocs(tc.query) {
			if m.Module == tc.wantModule && m.Name == tc.wantName {
				found = true
			}
		}
		if !found {
			t.Errorf("SearchDocs(%q) missing %s.%s", tc.query, tc.wantModule, tc.wantName)
		}
	}
	if got := e.SearchDocs("no-such-function-anywhere"); len(got) != 0 {
		t.Errorf("unmatched query returned %+v", got)
	}
}

func TestDiscoveryModuleInJob(t *testing.T) {
	e := newDiscoveryEngine(Config{AllowedModules: []string{"greet", "tools"}})
	code := `
load("tools", "list_modules", "describe_module", "search_modules")
print(",".join([m["name"] for m in list_modules()]))
print(describe_module("greet")["functions"][0]["signature"])
print(len(search_modules("Greet")))
`
	res, err := e.Execute(context.Background(), Job{Code: code})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	want := "greet,tools\nhello(name)\n1\n"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}

	res, err = e.Execute(context.Background(), Job{Code: "load(\"tools\", \"describe_module\")\ndescribe_module(\"json\")\n"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusRuntimeError || !strings.Contains(res.Error, "unknown module") {
		t.Errorf("describing a denied module: status=%s error=%q", res.Status, res.Error)
	}
}
