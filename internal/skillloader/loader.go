// Package skillloader parses skill definitions from Markdown files with YAML
// frontmatter and imports them into a tenant's skills registry.
//
// A definition file looks like:
//
//	---
//	name: word_count
//	description: Counts words in a text.
//	tags: [text]
//	parameters:
//	  text: the input
//	returns: number of words
//	---
//	Optional prose, used as the description when the frontmatter has none.
//
//	```starlark
//	def main(text):
//	    return len(text.split())
//	```
package skillloader

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/skills"
)

// codeLanguages are the fence info strings accepted for the skill body.
var codeLanguages = map[string]bool{
	"starlark": true,
	"star":     true,
	"python":   true,
	"py":       true,
}

// Definition is a skill parsed from a Markdown file.
type Definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Tags        []string          `yaml:"tags"`
	Parameters  map[string]string `yaml:"parameters"`
	Returns     string            `yaml:"returns"`
	Code        string            `yaml:"-"`
	SourceFile  string            `yaml:"-"`
}

// Spec converts the definition into a registry spec.
func (d *Definition) Spec() skills.Spec {
	return skills.Spec{
		Name:        d.Name,
		Code:        d.Code,
		Description: d.Description,
		Tags:        d.Tags,
		Parameters:  d.Parameters,
		Returns:     d.Returns,
	}
}

// LoadResult summarizes a directory load operation.
type LoadResult struct {
	Loaded int
	Errors []LoadError
}

// LoadError records a per-file parse or validation error.
type LoadError struct {
	File    string
	Message string
}

// Loader parses and validates Markdown skill definitions.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadDir scans dir for *.md files, parses and validates each.
// Returns valid definitions and a result summary. Returns an error only
// if the directory itself cannot be read.
func (l *Loader) LoadDir(dir string) ([]Definition, *LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading skills directory %s: %w", dir, err)
	}

	result := &LoadResult{}
	var defs []Definition
	seen := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := l.ParseFile(path)
		if err == nil {
			err = Validate(def)
		}
		if err == nil && seen[def.Name] != "" {
			err = fmt.Errorf("skill %s is already defined in %s", def.Name, seen[def.Name])
		}
		if err != nil {
			l.logger.Warn("skipping skill definition",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			result.Errors = append(result.Errors, LoadError{File: path, Message: err.Error()})
			continue
		}

		seen[def.Name] = path
		defs = append(defs, *def)
		result.Loaded++
	}

	l.logger.Info("skill definitions loaded",
		slog.String("dir", dir),
		slog.Int("loaded", result.Loaded),
		slog.Int("errors", len(result.Errors)),
	)
	return defs, result, nil
}

// ParseFile reads a Markdown file and extracts its frontmatter, prose and
// code block. The name defaults to the file name stem.
func (l *Loader) ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = filenameStem(path)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes one definition document.
func Parse(data []byte) (*Definition, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), skills.MaxCodeBytes+64*1024)

	// Expect first line to be "---".
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, fmt.Errorf("missing YAML frontmatter (file must start with ---)")
	}

	// Read until closing "---".
	var frontmatterLines []string
	foundClose := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundClose = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClose {
		return nil, fmt.Errorf("unclosed YAML frontmatter (missing closing ---)")
	}

	// Prose runs until the first accepted code fence; the fence body is
	// the code. Anything after the closing fence is ignored.
	var prose, code []string
	inCode, foundCode := false, false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case inCode && strings.HasPrefix(trimmed, "```"):
			inCode = false
		case inCode:
			code = append(code, line)
		case !foundCode && strings.HasPrefix(trimmed, "```") && codeLanguages[strings.TrimSpace(trimmed[3:])]:
			inCode, foundCode = true, true
		case !foundCode:
			prose = append(prose, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if !foundCode {
		return nil, fmt.Errorf("no starlark code block")
	}
	if inCode {
		return nil, fmt.Errorf("unclosed code block")
	}

	def := &Definition{}
	if err := yaml.Unmarshal([]byte(strings.Join(frontmatterLines, "\n")), def); err != nil {
		return nil, fmt.Errorf("parsing YAML frontmatter: %w", err)
	}
	if def.Description == "" {
		def.Description = strings.TrimSpace(strings.Join(prose, "\n"))
	}
	def.Code = strings.Join(code, "\n") + "\n"
	return def, nil
}

// Validate applies the registry's name and code rules ahead of import so
// every file is reported on, not just the first failure.
func Validate(def *Definition) error {
	if err := skills.ValidateName(def.Name); err != nil {
		return err
	}
	if strings.TrimSpace(def.Code) == "" {
		return fmt.Errorf("%w: empty", skills.ErrInvalidCode)
	}
	if len(def.Code) > skills.MaxCodeBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", skills.ErrInvalidCode, len(def.Code), skills.MaxCodeBytes)
	}
	if err := sandbox.CheckSyntax(def.Code); err != nil {
		return fmt.Errorf("%w: %v", skills.ErrInvalidCode, err)
	}
	return nil
}

// filenameStem returns the filename without extension.
func filenameStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
