package catalog

import (
	"sort"
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"
)

// nameSource adapts a name list to fuzzy.Source.
type nameSource []string

func (n nameSource) String(i int) string { return strings.ToLower(n[i]) }
func (n nameSource) Len() int            { return len(n) }

// labels returns the distinct device labels and scene names, in catalog
// order.
func (c *Catalog) labels() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{}, c.Len())
	out := make([]string, 0, c.Len())
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, d := range c.devices {
		add(d.Label())
	}
	for _, s := range c.scenes {
		add(s.Name)
	}
	return out
}

// Suggest returns up to limit device or scene names close to mention, best
// first. Ranking is fuzzy subsequence matching, then shared words. When
// neither finds anything the first names of the catalog are offered so the
// user still sees valid options. Suggest never picks a match on the
// caller's behalf.
func (c *Catalog) Suggest(mention string, limit int) []string {
	names := c.labels()
	if limit <= 0 || len(names) == 0 {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(mention))

	var out []string
	if q != "" {
		for _, m := range fuzzy.FindFrom(q, nameSource(names)) {
			out = append(out, names[m.Index])
			if len(out) == limit {
				return out
			}
		}
	}
	if len(out) == 0 {
		out = byTokenOverlap(q, names)
	}
	if len(out) == 0 {
		out = append([]string(nil), names...)
		sort.Strings(out)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// byTokenOverlap ranks names by how many words they share with q.
func byTokenOverlap(q string, names []string) []string {
	want := make(map[string]struct{})
	for _, t := range tokens(q) {
		want[t] = struct{}{}
	}
	if len(want) == 0 {
		return nil
	}
	type scored struct {
		name  string
		score int
	}
	var hits []scored
	for _, n := range names {
		s := 0
		for _, t := range tokens(n) {
			if _, ok := want[t]; ok {
				s++
			}
		}
		if s > 0 {
			hits = append(hits, scored{n, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}
