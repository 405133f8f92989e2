package session

import (
	"strings"

	perrors "github.com/veridian-labs/prospector/internal/errors"
)

// NormalizeDomain reduces a user-supplied domain or URL to its bare host:
// scheme, "www." prefix, path, query, and port are stripped and the result
// is lowercased. Normalization is idempotent.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSpace(strings.ToLower(raw))
	if d == "" {
		return "", perrors.NewFieldValidation("domain", "must not be empty")
	}

	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	d = strings.TrimPrefix(d, "www.")
	for _, sep := range []string{"/", "?", "#"} {
		if i := strings.Index(d, sep); i >= 0 {
			d = d[:i]
		}
	}
	if i := strings.Index(d, ":"); i >= 0 {
		d = d[:i]
	}

	if d == "" || !strings.Contains(d, ".") {
		return "", perrors.NewFieldValidation("domain", "not a resolvable domain: "+raw)
	}
	return d, nil
}

// DisplayName derives a human-readable company name from a normalized
// domain: the first label, hyphens replaced by spaces, title-cased.
func DisplayName(domain string) string {
	label := domain
	if i := strings.Index(label, "."); i >= 0 {
		label = label[:i]
	}
	words := strings.Split(strings.ReplaceAll(label, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
