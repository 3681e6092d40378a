// Package privacy scrubs personally identifiable information from text so a
// job can process sensitive data inside the sandbox and return only the
// anonymized result.
package privacy

import (
	"regexp"
	"strings"
)

// Kind names one class of PII.
type Kind string

const (
	Email      Kind = "email"
	CreditCard Kind = "credit_card"
	SSN        Kind = "ssn"
	Phone      Kind = "phone"
	IPAddress  Kind = "ip_address"
)

// Pre-compiled patterns, applied in this order by ScrubAll. Card numbers run
// before SSNs and phones so their digit groups are not split.
var patterns = []struct {
	kind        Kind
	replacement string
	res         []*regexp.Regexp
}{
	{Email, "[EMAIL_REDACTED]", []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	}},
	// 13-19 digits in groups of four, optional spaces or dashes
	{CreditCard, "[CC_REDACTED]", []*regexp.Regexp{
		regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}(?:\d{3})?\b`),
	}},
	// 123-45-6789 or 123 45 6789
	{SSN, "[SSN_REDACTED]", []*regexp.Regexp{
		regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`),
	}},
	{Phone, "[PHONE_REDACTED]", []*regexp.Regexp{
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.\s]?\d{4}\b`),
		regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),
		regexp.MustCompile(`\b\d{10}\b`),
	}},
	{IPAddress, "[IP_REDACTED]", []*regexp.Regexp{
		regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	}},
}

// Report counts what a scrub removed.
type Report struct {
	OriginalLength int          `json:"original_length"`
	ScrubbedLength int          `json:"scrubbed_length"`
	Redactions     map[Kind]int `json:"redactions"`
	Total          int          `json:"total"`
}

// Scrub replaces every match of kind in text. replacement "" uses the
// kind's default marker.
func Scrub(text string, kind Kind, replacement string) string {
	out, _ := scrub(text, kind, replacement)
	return out
}

// ScrubAll applies every pattern and reports how many matches each removed.
func ScrubAll(text string) (string, Report) {
	report := Report{OriginalLength: len(text), Redactions: make(map[Kind]int)}
	out := text
	for _, p := range patterns {
		var n int
		out, n = scrub(out, p.kind, "")
		if n > 0 {
			report.Redactions[p.kind] = n
			report.Total += n
		}
	}
	report.ScrubbedLength = len(out)
	return out, report
}

func scrub(text string, kind Kind, replacement string) (string, int) {
	for _, p := range patterns {
		if p.kind != kind {
			continue
		}
		if replacement == "" {
			replacement = p.replacement
		}
		count := 0
		for _, re := range p.res {
			text = re.ReplaceAllStringFunc(text, func(string) string {
				count++
				return replacement
			})
		}
		return text, count
	}
	return text, 0
}

var (
	namePattern = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	notNames    = map[string]bool{
		"the": true, "a": true, "an": true, "this": true, "that": true, "user": true, "admin": true,
	}
)

// AnonymizeNames replaces capitalized words with stable pseudonyms
// (User-A, User-B, ...). known carries mappings from earlier calls so the
// same name keeps its pseudonym; the updated mapping is returned.
func AnonymizeNames(text string, known map[string]string) (string, map[string]string) {
	mapping := make(map[string]string, len(known))
	for k, v := range known {
		mapping[k] = v
	}
	out := namePattern.ReplaceAllStringFunc(text, func(name string) string {
		if notNames[strings.ToLower(name)] {
			return name
		}
		alias, ok := mapping[name]
		if !ok {
			alias = "User-" + label(len(mapping))
			mapping[name] = alias
		}
		return alias
	})
	return out, mapping
}

// label renders n as A, B, ..., Z, AA, AB, ...
func label(n int) string {
	var b []byte
	for n >= 0 {
		b = append([]byte{byte('A' + n%26)}, b...)
		n = n/26 - 1
	}
	return string(b)
}

// Kinds returns the known PII kinds in scrub order.
func Kinds() []Kind {
	out := make([]Kind, len(patterns))
	for i, p := range patterns {
		out[i] = p.kind
	}
	return out
}
