package skillloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/workspace"
)

const wordCount = "---\n" +
	"name: word_count\n" +
	"tags: [text, stats]\n" +
	"parameters:\n" +
	"  text: the input\n" +
	"returns: number of words\n" +
	"---\n" +
	"Counts words in a text.\n" +
	"\n" +
	"```starlark\n" +
	"def main(text):\n" +
	"    return len(text.split())\n" +
	"```\n" +
	"\n" +
	"Trailing notes are ignored.\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// --- Parse ---

func TestParse_Valid(t *testing.T) {
	def, err := Parse([]byte(wordCount))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "word_count" {
		t.Errorf("Name = %q", def.Name)
	}
	if def.Description != "Counts words in a text." {
		t.Errorf("Description = %q", def.Description)
	}
	if len(def.Tags) != 2 || def.Parameters["text"] != "the input" || def.Returns != "number of words" {
		t.Errorf("metadata = %+v", def)
	}
	want := "def main(text):\n    return len(text.split())\n"
	if def.Code != want {
		t.Errorf("Code = %q, want %q", def.Code, want)
	}
}

func TestParse_FrontmatterDescriptionWins(t *testing.T) {
	doc := "---\ndescription: from frontmatter\n---\nprose\n```python\ndef main():\n    return 1\n```\n"
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if def.Description != "from frontmatter" {
		t.Errorf("Description = %q", def.Description)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":            "",
		"no frontmatter":   "# title\n```starlark\nx = 1\n```\n",
		"unclosed header":  "---\nname: a\n",
		"no code":          "---\nname: a\n---\njust prose\n",
		"other language":   "---\nname: a\n---\n```go\nfunc main() {}\n```\n",
		"unclosed code":    "---\nname: a\n---\n```starlark\nx = 1\n",
		"bad frontmatter":  "---\nname: [a\n---\n```starlark\nx = 1\n```\n",
		"tags not a slice": "---\ntags: {a: b}\n---\n```starlark\nx = 1\n```\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	ok := &Definition{Name: "ok", Code: "def main():\n    return 1\n"}
	if err := Validate(ok); err != nil {
		t.Errorf("valid definition: %v", err)
	}

	bad := []*Definition{
		{Name: "has-dash", Code: "x = 1\n"},
		{Name: "test", Code: "x = 1\n"},
		{Name: "blank", Code: "  \n"},
		{Name: "syntax", Code: "def main(:\n"},
		{Name: "huge", Code: strings.Repeat("x = 1\n", skills.MaxCodeBytes/6+1)},
	}
	for _, def := range bad {
		if err := Validate(def); err == nil {
			t.Errorf("Validate(%s) accepted", def.Name)
		}
	}
	if err := Validate(bad[3]); !errors.Is(err, skills.ErrInvalidCode) {
		t.Errorf("syntax error = %v, want ErrInvalidCode", err)
	}
}

// --- LoadDir ---

func TestLoadDir(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"word_count.md": wordCount,
		"echo.md":       "---\n---\n```starlark\ndef main(x):\n    return x\n```\n",
		"broken.md":     "no frontmatter",
		"dup.md":        wordCount,
		"notes.txt":     "ignored",
	})
	if err := os.Mkdir(filepath.Join(dir, "nested.md"), 0o750); err != nil {
		t.Fatal(err)
	}

	defs, result, err := NewLoader(discardLogger()).LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if result.Loaded != 2 || len(defs) != 2 {
		t.Fatalf("loaded %d (%d defs), want 2", result.Loaded, len(defs))
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %+v, want broken.md and the duplicate", result.Errors)
	}

	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
		if d.SourceFile == "" {
			t.Errorf("%s has no source file", d.Name)
		}
	}
	if !names["echo"] || !names["word_count"] {
		t.Errorf("names = %v; the echo skill should be named after its file", names)
	}
}

func TestLoadDir_Missing(t *testing.T) {
	if _, _, err := NewLoader(discardLogger()).LoadDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

// --- Import ---

func TestImport(t *testing.T) {
	ctx := context.Background()
	scope := workspace.Scope{Tenant: "acme", Sandbox: "default"}
	store := workspace.New(workspace.NewMemoryBackend(), workspace.Config{}, nil)
	reg := skills.NewRegistry(store, nil)

	def, err := Parse([]byte(wordCount))
	if err != nil {
		t.Fatal(err)
	}
	defs := []Definition{*def, {Name: "bad", Code: "def main(:\n"}}

	res := Import(ctx, reg, scope, defs, false, discardLogger())
	if res.Outcomes["word_count"] != Created || res.Outcomes["bad"] != Failed {
		t.Fatalf("first import = %v", res.Outcomes)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %+v", res.Errors)
	}

	res = Import(ctx, reg, scope, defs[:1], false, discardLogger())
	if res.Outcomes["word_count"] != Skipped {
		t.Errorf("re-import without overwrite = %v", res.Outcomes)
	}

	changed := *def
	changed.Code = "def main(text):\n    return len(text)\n"
	res = Import(ctx, reg, scope, []Definition{changed}, true, discardLogger())
	if res.Outcomes["word_count"] != Updated {
		t.Fatalf("overwrite = %v", res.Outcomes)
	}
	got, err := reg.Get(ctx, scope, "word_count")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Code != changed.Code {
		t.Errorf("stored version %d code %q", got.Version, got.Code)
	}
	if res.Count(Updated) != 1 || res.Count(Created) != 0 {
		t.Errorf("counts: updated=%d created=%d", res.Count(Updated), res.Count(Created))
	}
}
