package chatlog

import (
	"regexp"
	"strings"
)

// Rule is one named nonverbal-expression pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// FindAll returns every non-overlapping match of the rule alone.
func (r Rule) FindAll(text string) []string {
	return r.Pattern.FindAllString(text, -1)
}

// DefaultRules is the ordered rule list used for nonverbal extraction. Order
// matters: when two rules match at the same position the earlier one wins.
var DefaultRules = []Rule{
	{Name: "mimetic", Pattern: regexp.MustCompile(`[ㅋㅎㅠㅜ!?~]+`)},
	{Name: "punctuation", Pattern: regexp.MustCompile(`[,.]{2,}`)},
	{Name: "emoticon_western", Pattern: regexp.MustCompile(`[;:][\^'-]?[)(DPpboOX]`)},
	{Name: "emoticon_eastern", Pattern: regexp.MustCompile(`[>ㅜㅠㅡ@^][ㅁㅇ0oO._\-]*[\^ㅜㅠㅡ@<];*`)},
	{Name: "parenthetical", Pattern: regexp.MustCompile(`\(.+?\)`)},
}

// Match is a single nonverbal expression and the rule that produced it.
// Emoji matches carry the rule name "emoji".
type Match struct {
	Rule string `json:"rule"`
	Text string `json:"text"`
}

// RuleEmoji names matches produced by the emoji scanner.
const RuleEmoji = "emoji"

// Matcher scans text with an ordered rule list as a single leftmost-first
// alternation, so matches never overlap each other.
type Matcher struct {
	rules    []Rule
	groups   []int
	combined *regexp.Regexp
}

// NewMatcher compiles rules into one alternation. Each rule is wrapped in its
// own capture group; groups inside a rule are accounted for.
func NewMatcher(rules []Rule) *Matcher {
	parts := make([]string, 0, len(rules))
	groups := make([]int, 0, len(rules))
	next := 1
	for _, r := range rules {
		parts = append(parts, "("+r.Pattern.String()+")")
		groups = append(groups, next)
		next += 1 + r.Pattern.NumSubexp()
	}
	return &Matcher{
		rules:    append([]Rule(nil), rules...),
		groups:   groups,
		combined: regexp.MustCompile(strings.Join(parts, "|")),
	}
}

// Rules returns a copy of the matcher's rule list.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// FindAll returns regex matches in text order.
func (m *Matcher) FindAll(text string) []Match {
	locs := m.combined.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		name := ""
		for i, g := range m.groups {
			if loc[2*g] >= 0 {
				name = m.rules[i].Name
				break
			}
		}
		out = append(out, Match{Rule: name, Text: text[loc[0]:loc[1]]})
	}
	return out
}

var defaultMatcher = NewMatcher(DefaultRules)

// ExtractNonverbalMatches returns regex matches followed by emoji matches.
// The two sets are not deduplicated: an emoji inside a parenthetical aside is
// reported by both.
func ExtractNonverbalMatches(text string) []Match {
	out := defaultMatcher.FindAll(text)
	for _, e := range ExtractEmoji(text) {
		out = append(out, Match{Rule: RuleEmoji, Text: e})
	}
	return out
}

// ExtractNonverbal returns the matched substrings of ExtractNonverbalMatches.
func ExtractNonverbal(text string) []string {
	matches := ExtractNonverbalMatches(text)
	if len(matches) == 0 {
		return []string{}
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Text
	}
	return out
}
