// Package match tests free text against a dictionary of service names.
package match

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultServices is the dictionary used when configuration supplies none.
var DefaultServices = []string{
	"Kinesis",
	"OpenSearch",
	"QuickSight",
	"Redshift",
	"Kendra",
	"AppFlow",
	"DataZone",
	"Grafana",
	"Prometheus",
	"Kafka",
	"Neptune",
	"CloudSearch",
	"Q Business",
	"Supply Chain",
	"Honeycode",
	"Lookout for Metrics",
}

// Dictionary is an immutable, ordered set of target phrases.
type Dictionary struct {
	phrases []string
}

// NewDictionary trims the phrases, drops blanks and duplicates (case-insensitive)
// and keeps the first-seen order.
func NewDictionary(phrases []string) Dictionary {
	seen := make(map[string]bool, len(phrases))
	kept := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.Join(strings.Fields(p), " ")
		if p == "" {
			continue
		}
		key := strings.ToLower(norm.NFKC.String(p))
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}
	return Dictionary{phrases: kept}
}

// Phrases returns a copy of the dictionary in order.
func (d Dictionary) Phrases() []string {
	return append([]string(nil), d.phrases...)
}

func (d Dictionary) Len() int {
	return len(d.phrases)
}

type rule struct {
	phrase string
	re     *regexp.Regexp
}

// Matcher reports whole-word, case-insensitive occurrences of dictionary phrases.
// It is safe for concurrent use.
type Matcher struct {
	rules []rule
}

const wordChar = `\p{L}\p{N}_`

func New(dict Dictionary) *Matcher {
	rules := make([]rule, 0, dict.Len())
	for _, phrase := range dict.phrases {
		rules = append(rules, rule{phrase: phrase, re: compile(phrase)})
	}
	return &Matcher{rules: rules}
}

func compile(phrase string) *regexp.Regexp {
	words := strings.Fields(norm.NFKC.String(phrase))
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	body := strings.Join(words, `\s+`)
	return regexp.MustCompile(`(?i)(?:^|[^` + wordChar + `])` + body + `(?:[^` + wordChar + `]|$)`)
}

// Match returns the first phrase, in dictionary order, found in text.
func (m *Matcher) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	text = norm.NFKC.String(text)
	for _, r := range m.rules {
		if r.re.MatchString(text) {
			return r.phrase, true
		}
	}
	return "", false
}

func (m *Matcher) Matches(text string) bool {
	_, ok := m.Match(text)
	return ok
}
