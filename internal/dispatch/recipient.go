package dispatch

import (
	"fmt"
	"slices"
	"strings"
)

// Recipient is one delivery target on a channel. An empty Languages list
// accepts every language.
type Recipient struct {
	ID        string
	Languages []string
}

// Accepts reports whether r wants messages in lang.
func (r Recipient) Accepts(lang string) bool {
	return len(r.Languages) == 0 || slices.Contains(r.Languages, lang)
}

// ParseRecipients parses a comma separated list of "id" or "id=lang+lang"
// entries, e.g. "-1001234=en+es,55512345".
func ParseRecipients(s string) ([]Recipient, error) {
	var out []Recipient
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, langs, _ := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("recipient %q: empty id", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("recipient %q listed twice", id)
		}
		seen[id] = true

		r := Recipient{ID: id}
		for _, l := range strings.Split(langs, "+") {
			if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
				r.Languages = append(r.Languages, l)
			}
		}
		out = append(out, r)
	}
	return out, nil
}
