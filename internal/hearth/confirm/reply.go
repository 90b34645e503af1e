package confirm

import (
	"sort"
	"strings"
	"unicode"
)

// Verdict is how a reply to a pending confirmation was read.
type Verdict int

const (
	VerdictUnclear Verdict = iota
	VerdictAffirm
	VerdictDeny
)

func (v Verdict) String() string {
	switch v {
	case VerdictAffirm:
		return "affirm"
	case VerdictDeny:
		return "deny"
	}
	return "unclear"
}

// Reply is a parsed confirmation reply.
type Reply struct {
	Verdict Verdict
	// Remainder is any further request following the verdict ("yes, and
	// turn on the hall light" leaves "turn on the hall light"). For an
	// unclear reply it is the whole text.
	Remainder string
}

var positiveWords = []string{
	"yes", "y", "ok", "okay", "confirm", "confirmed", "approve", "proceed",
	"go ahead", "go", "do it", "continue", "sure", "yep", "yup", "yeah",
	"affirmative",
}

var negativeWords = []string{
	"no", "n", "cancel", "abort", "stop", "deny", "nope", "nevermind",
	"never mind", "forget it", "nah", "don't",
}

// connectors may join a verdict to a follow-up request.
var connectors = []string{"and then", "and", "then", "also", "but"}

var courtesies = []string{"thank you", "thanks", "please"}

type phrase struct {
	text    string
	verdict Verdict
}

// phrases holds every reply word, longest first so "go ahead" wins over
// "go".
var phrases = func() []phrase {
	var out []phrase
	for _, w := range positiveWords {
		out = append(out, phrase{w, VerdictAffirm})
	}
	for _, w := range negativeWords {
		out = append(out, phrase{w, VerdictDeny})
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].text) > len(out[j].text) })
	return out
}()

// ParseReply reads text as a yes/no answer.
//
// A reply word counts only when it is the whole message, or is followed by
// punctuation, a courtesy ("please", "thanks") or a connector ("and",
// "then", "also"). "stop the fan" is therefore unclear rather than a
// refusal. Repeated reply words of the same verdict ("yes yes", "no don't")
// count once when nothing else follows them.
func ParseReply(text string) Reply {
	orig := strings.TrimSpace(text)
	lower := strings.ToLower(orig)
	// Byte offsets into lower are only reused on orig when lowering kept
	// the length.
	src := orig
	if len(lower) != len(orig) {
		src = lower
	}

	p, ok := leadingPhrase(lower)
	if !ok {
		return Reply{Verdict: VerdictUnclear, Remainder: orig}
	}
	offset, bounded := len(p.text), false
	for {
		n := skip(lower[offset:], false)
		if strings.ContainsAny(lower[offset:offset+n], ",.;!:-") {
			bounded = true
		}
		offset += n
		if c := skipCourtesy(lower[offset:]); c > 0 {
			offset += c
			bounded = true
			continue
		}
		if end, ok := repeated(lower, offset, p.verdict); ok {
			offset = end
			continue
		}
		break
	}

	if offset >= len(lower) {
		return Reply{Verdict: p.verdict}
	}
	if c, ok := leadingConnector(lower[offset:]); ok {
		offset += len(c)
		offset += skip(lower[offset:], true)
		return Reply{Verdict: p.verdict, Remainder: strings.TrimSpace(src[offset:])}
	}
	if bounded {
		return Reply{Verdict: p.verdict, Remainder: strings.TrimSpace(src[offset:])}
	}
	return Reply{Verdict: VerdictUnclear, Remainder: orig}
}

// leadingPhrase returns the reply word s starts with, if any.
func leadingPhrase(s string) (phrase, bool) {
	for _, p := range phrases {
		if !strings.HasPrefix(s, p.text) {
			continue
		}
		if rest := s[len(p.text):]; rest != "" && isWordRune(rune(rest[0])) {
			continue
		}
		return p, true
	}
	return phrase{}, false
}

// repeated reports whether lower[offset:] starts with another reply word of
// verdict v that ends the message or is followed by punctuation, a courtesy
// or a connector. It returns the offset just past that word.
func repeated(lower string, offset int, v Verdict) (int, bool) {
	q, ok := leadingPhrase(lower[offset:])
	if !ok || q.verdict != v {
		return 0, false
	}
	end := offset + len(q.text)
	n := skip(lower[end:], false)
	rest := lower[end+n:]
	if rest == "" || strings.ContainsAny(lower[end:end+n], ",.;!:-") || skipCourtesy(rest) > 0 {
		return end, true
	}
	if _, ok := leadingConnector(rest); ok {
		return end, true
	}
	return 0, false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

// skip returns the length of the leading run of spaces and punctuation.
func skip(s string, spacesOnly bool) int {
	for i, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if !spacesOnly && unicode.IsPunct(r) {
			continue
		}
		return i
	}
	return len(s)
}

func skipCourtesy(s string) int {
	n := 0
	for {
		matched := false
		for _, c := range courtesies {
			rest := s[n:]
			if strings.HasPrefix(rest, c) && (len(rest) == len(c) || !isWordRune(rune(rest[len(c)]))) {
				n += len(c)
				n += skip(s[n:], false)
				matched = true
				break
			}
		}
		if !matched {
			return n
		}
	}
}

func leadingConnector(s string) (string, bool) {
	for _, c := range connectors {
		if strings.HasPrefix(s, c) && (len(s) == len(c) || !isWordRune(rune(s[len(c)]))) {
			return c, true
		}
	}
	return "", false
}
