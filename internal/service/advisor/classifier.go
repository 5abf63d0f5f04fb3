package advisor

import (
	"strings"
	"unicode"

	"terraigo/internal/config"
)

type Route string

const (
	RouteMeta       Route = "meta"
	RouteFollowUp   Route = "followup"
	RouteOutOfScope Route = "out_of_scope"
	RouteDefault    Route = "default"
)

// Rule routes a normalized query when Match reports true.
type Rule struct {
	Route Route
	Match func(query string) bool
}

// Classifier walks its rules in order; the first match wins.
type Classifier struct {
	rules []Rule
}

func NewClassifier(persona config.PersonaConfig, domainRestriction bool) *Classifier {
	rules := []Rule{
		{Route: RouteMeta, Match: containsAny(persona.MetaKeywords)},
		{Route: RouteFollowUp, Match: containsAny(persona.FollowUpKeywords)},
	}
	if domainRestriction {
		inDomain := containsAny(persona.DomainKeywords)
		rules = append(rules, Rule{Route: RouteOutOfScope, Match: func(q string) bool { return !inDomain(q) }})
	}
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(query string) Route {
	q := normalize(query)
	for _, r := range c.rules {
		if r.Match(q) {
			return r.Route
		}
	}
	return RouteDefault
}

// normalize lower-cases text and rejoins its words with single spaces, with
// a leading space so keywords can be anchored at a word start.
func normalize(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}
	return " " + strings.Join(words, " ")
}

// containsAny matches keywords at the start of a word, so "sow" matches
// "sowing" but "cow" does not match "moscow". Multi-word keywords match a
// run of words.
func containsAny(keywords []string) func(string) bool {
	anchored := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = normalize(k); k != "" {
			anchored = append(anchored, k)
		}
	}
	return func(q string) bool {
		for _, k := range anchored {
			if strings.Contains(q, k) {
				return true
			}
		}
		return false
	}
}
