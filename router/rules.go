package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/session"
)

// KeywordRule matches requests containing any of its keywords as whole words.
type KeywordRule struct {
	name string
	want persona.Capability
	re   *regexp.Regexp
}

// NewKeywordRule returns nil when keywords is empty.
func NewKeywordRule(name string, want persona.Capability, keywords []string) *KeywordRule {
	var alts []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			alts = append(alts, regexp.QuoteMeta(k))
		}
	}
	if len(alts) == 0 {
		return nil
	}
	return &KeywordRule{
		name: name,
		want: want,
		re:   regexp.MustCompile(`\b(?:` + strings.Join(alts, "|") + `)\b`),
	}
}

func (k *KeywordRule) Name() string { return k.name }

func (k *KeywordRule) Match(_ context.Context, req session.Request, _ Signal) (Match, bool) {
	if !k.re.MatchString(strings.ToLower(req.RawText)) {
		return Match{}, false
	}
	return Match{Want: k.want, Confidence: 1}, true
}

var followUpRe = regexp.MustCompile(`(?i)^\s*(?:more|details?|sources?|links?|tell me more|expand|elaborate|continue)\b`)

// IsFollowUp reports whether text asks to continue the previous answer.
func IsFollowUp(text string) bool { return followUpRe.MatchString(text) }

// SearchFollowUpRule keeps follow-ups to a search answer on the search
// persona.
type SearchFollowUpRule struct{}

func (SearchFollowUpRule) Name() string { return "search_follow_up" }

func (SearchFollowUpRule) Match(_ context.Context, req session.Request, sig Signal) (Match, bool) {
	if sig.LastPersonaID != persona.SearchID || !followUpRe.MatchString(req.RawText) {
		return Match{}, false
	}
	query := sig.LastUserText
	if query == "" {
		query = req.RawText
	}
	return Match{Want: persona.CapSearch, PersonaID: persona.SearchID, Confidence: 1, Query: query}, true
}

// DefaultRules returns the rule order used by the shell: search follow-ups,
// search keywords, plan keywords, then the optional model classifier.
func DefaultRules(searchKeywords, planKeywords []string, classifier *ClassifierRule) []Rule {
	rules := []Rule{SearchFollowUpRule{}}
	if r := NewKeywordRule("search_keywords", persona.CapSearch, searchKeywords); r != nil {
		rules = append(rules, r)
	}
	if r := NewKeywordRule("plan_keywords", persona.CapPlan|persona.CapExecute, planKeywords); r != nil {
		rules = append(rules, r)
	}
	if classifier != nil {
		rules = append(rules, classifier)
	}
	return rules
}
