package skills

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// fold returns s in Unicode case-folded form. A Caser keeps state, so each
// call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func matches(s *Skill, foldedQuery string) bool {
	if strings.Contains(fold(s.Name), foldedQuery) || strings.Contains(fold(s.Description), foldedQuery) {
		return true
	}
	for _, tag := range s.Tags {
		if strings.Contains(fold(tag), foldedQuery) {
			return true
		}
	}
	return false
}

// renderDoc produces the SKILL.md stored next to the code.
func renderDoc(s *Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", s.Description)
	}
	if len(s.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n\n", strings.Join(s.Tags, ", "))
	}
	if len(s.Parameters) > 0 {
		b.WriteString("## Parameters\n\n")
		keys := make([]string, 0, len(s.Parameters))
		for k := range s.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: %s\n", k, s.Parameters[k])
		}
		b.WriteString("\n")
	}
	if s.Returns != "" {
		fmt.Fprintf(&b, "## Returns\n\n%s\n\n", s.Returns)
	}
	b.WriteString("## Usage\n\n```python\n")
	b.WriteString("load(\"skills\", \"run\")\n")
	fmt.Fprintf(&b, "result = run(%q, {})\n", s.Name)
	b.WriteString("```\n\n")
	fmt.Fprintf(&b, "Version %d, updated %s\n", s.Version, s.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
