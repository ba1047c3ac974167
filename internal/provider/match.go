package provider

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/visibility-cli/internal/model"
)

// minReverseMatch is the shortest reported name allowed to match by being
// contained in an entity name.
const minReverseMatch = 4

// normalize folds case, strips diacritics and collapses whitespace so
// "Café  Motors" and "cafe motors" compare equal.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)
	return strings.Join(strings.Fields(out), " ")
}

// normalizeQuery makes query texts comparable across echo variations.
func normalizeQuery(s string) string {
	return strings.TrimRight(normalize(s), "?.! ")
}

// domainStem reduces "https://www.smith-toyota.com/new" to "smithtoyota".
func domainStem(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return ""
	}
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Host
		}
	}
	d, _, _ = strings.Cut(d, "/")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.LastIndex(d, "."); i > 0 {
		d = d[:i]
	}
	return squash(d)
}

func squash(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// matchesEntity reports whether a provider-reported name refers to e.
// Names match by case-insensitive containment in either direction, or by
// the reported name carrying the entity's domain.
func matchesEntity(reported string, e model.Entity) bool {
	r := normalize(reported)
	if r == "" {
		return false
	}

	if name := normalize(e.Name); name != "" {
		if strings.Contains(r, name) {
			return true
		}
		if len([]rune(r)) >= minReverseMatch && strings.Contains(name, r) {
			return true
		}
	}

	if stem := domainStem(e.Domain); len(stem) >= minReverseMatch {
		if strings.Contains(squash(r), stem) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
