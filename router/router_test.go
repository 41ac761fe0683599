package router

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/session"
)

// stubPersona only carries a descriptor.
type stubPersona struct{ d persona.Descriptor }

func (s stubPersona) Descriptor() persona.Descriptor { return s.d }

func (s stubPersona) Handle(context.Context, session.Request, persona.Input) (*persona.Response, error) {
	return &persona.Response{PersonaID: s.d.ID, Text: "ok"}, nil
}

var (
	chat  = stubPersona{persona.Descriptor{ID: persona.GeneralChatID, Capabilities: persona.CapRespond}}
	srch  = stubPersona{persona.Descriptor{ID: persona.SearchID, Capabilities: persona.CapRespond | persona.CapSearch, Priority: 10}}
	agent = stubPersona{persona.Descriptor{ID: persona.HelpAgentID, Capabilities: persona.CapRespond | persona.CapPlan | persona.CapExecute, Priority: 20}}
)

func newRouter(t *testing.T, classifier *ClassifierRule, personas ...persona.Persona) *Router {
	t.Helper()
	reg, err := persona.NewRegistry(personas...)
	require.NoError(t, err)
	cfg := config.Default().Router
	r, err := New(reg, persona.GeneralChatID, DefaultRules(cfg.SearchKeywords, cfg.PlanKeywords, classifier))
	require.NoError(t, err)
	return r
}

func ai(text string) session.Request { return session.NewRequest(text, session.ModeAI) }

func TestWeatherFallsBackToGeneralChat(t *testing.T) {
	r := newRouter(t, nil, chat)
	d := r.Route(context.Background(), ai("what's the weather"), nil)
	assert.Equal(t, persona.GeneralChatID, d.PersonaID)
	assert.True(t, d.FallbackUsed)
	assert.Equal(t, "fallback", d.Rule)
}

func TestKeywordRules(t *testing.T) {
	r := newRouter(t, nil, chat, srch, agent)
	tests := []struct {
		input string
		want  string
		rule  string
	}{
		{"search for the latest Go release", persona.SearchID, "search_keywords"},
		{"news about rust", persona.SearchID, "search_keywords"},
		{"list files in current directory", persona.HelpAgentID, "plan_keywords"},
		{"run the unit tests", persona.HelpAgentID, "plan_keywords"},
		{"explain closures in Go", persona.GeneralChatID, "fallback"},
		// Keywords match whole words only.
		{"tell me about webassembly running in browsers", persona.GeneralChatID, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d := r.Route(context.Background(), ai(tt.input), nil)
			assert.Equal(t, tt.want, d.PersonaID)
			assert.Equal(t, tt.rule, d.Rule)
			assert.Equal(t, tt.rule == "fallback", d.FallbackUsed)
		})
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	r := newRouter(t, nil, chat, srch, agent)
	// Both keyword sets match; search is evaluated first.
	d := r.Route(context.Background(), ai("search and run the build"), nil)
	assert.Equal(t, persona.SearchID, d.PersonaID)
}

func TestRuleWithoutCapablePersonaFallsThrough(t *testing.T) {
	r := newRouter(t, nil, chat)
	d := r.Route(context.Background(), ai("search for go generics"), nil)
	assert.Equal(t, persona.GeneralChatID, d.PersonaID)
	assert.True(t, d.FallbackUsed)
}

func TestSelectedPersonaIsCapable(t *testing.T) {
	reg, err := persona.NewRegistry(chat, srch, agent)
	require.NoError(t, err)
	r := newRouter(t, nil, chat, srch, agent)
	for _, input := range []string{"hello", "google it", "delete the tmp dir", "more", "weather"} {
		for _, mode := range []session.Mode{session.ModeAI, session.ModeAuto} {
			req := session.NewRequest(input, mode)
			d := r.Route(context.Background(), req, nil)
			p, ok := reg.Get(d.PersonaID)
			require.True(t, ok, input)
			assert.True(t, p.Descriptor().Capabilities.Has(persona.Required(mode)), input)
		}
	}
}

func TestSearchFollowUp(t *testing.T) {
	r := newRouter(t, nil, chat, srch, agent)
	recent := []session.Turn{
		{Role: session.RoleSystem, Content: "ignored"},
		{Role: session.RoleUser, Content: "go 1.25 release notes"},
		{Role: session.RoleAssistant, Content: "Highlights...", PersonaID: persona.SearchID},
	}
	d := r.Route(context.Background(), ai("more details"), recent)
	assert.Equal(t, persona.SearchID, d.PersonaID)
	assert.Equal(t, "search_follow_up", d.Rule)
	assert.Equal(t, "go 1.25 release notes", d.Query)

	// The same input after a chat answer is not a search follow-up.
	recent[2].PersonaID = persona.GeneralChatID
	d = r.Route(context.Background(), ai("more details"), recent)
	assert.Equal(t, persona.GeneralChatID, d.PersonaID)
}

func TestSignalFrom(t *testing.T) {
	var turns []session.Turn
	for i := 0; i < 12; i++ {
		turns = append(turns, session.Turn{Role: session.RoleUser, Content: "q"}, session.Turn{Role: session.RoleAssistant, Content: "a", PersonaID: "p"})
	}
	sig := SignalFrom(turns)
	assert.Len(t, splitLines(sig.Context), signalTurns)
	assert.Equal(t, "p", sig.LastPersonaID)
	assert.Equal(t, "q", sig.LastUserText)
}

func TestSignalFromCutsLongTurnsOnCharacters(t *testing.T) {
	long := strings.Repeat("ü", 300)
	sig := SignalFrom([]session.Turn{{Role: session.RoleUser, Content: long}})
	assert.True(t, utf8.ValidString(sig.Context))
	line := strings.TrimPrefix(sig.Context, "User: ")
	assert.Equal(t, snippetChars, utf8.RuneCountInString(line))
	assert.True(t, strings.HasSuffix(line, "..."))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestClassifierRule(t *testing.T) {
	tests := []struct {
		name    string
		reply   llm.MockResponse
		want    string
		query   string
		matched bool
	}{
		{
			name:    "search with suggested query",
			reply:   llm.MockResponse{Text: "```json\n{\"intent\":\"SEARCH_SERVICE\",\"confidence\":0.9,\"reasoning\":\"needs fresh data\",\"suggested_query\":\"bitcoin price today\"}\n```"},
			want:    persona.SearchID,
			query:   "bitcoin price today",
			matched: true,
		},
		{
			name:    "help agent",
			reply:   llm.MockResponse{Text: `{"intent":"HELP_ASSISTENT","confidence":0.8}`},
			want:    persona.HelpAgentID,
			matched: true,
		},
		{name: "low confidence", reply: llm.MockResponse{Text: `{"intent":"SEARCH_SERVICE","confidence":0.3}`}},
		{name: "unknown intent", reply: llm.MockResponse{Text: `{"intent":"WEATHER","confidence":0.99}`}},
		{name: "not json", reply: llm.MockResponse{Text: "I think it's a search"}},
		{name: "provider error", reply: llm.MockResponse{Err: &llm.ProviderError{Kind: llm.KindTransport}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &llm.MockClient{Responses: []llm.MockResponse{tt.reply}}
			rule := NewClassifierRule(client, 0.6)
			m, ok := rule.Match(context.Background(), ai("how much is a bitcoin"), Signal{})
			assert.Equal(t, tt.matched, ok)
			if tt.matched {
				assert.Equal(t, tt.want, m.PersonaID)
				assert.Equal(t, tt.query, m.Query)
			}
			assert.Equal(t, 1, client.CallCount())
		})
	}
}

func TestRouterNeverFailsWhenClassifierFails(t *testing.T) {
	client := &llm.MockClient{Responses: []llm.MockResponse{{Err: &llm.ProviderError{Kind: llm.KindAuth}}}}
	r := newRouter(t, NewClassifierRule(client, 0.6), chat, srch, agent)
	d := r.Route(context.Background(), ai("tell me a joke"), nil)
	assert.Equal(t, persona.GeneralChatID, d.PersonaID)
	assert.True(t, d.FallbackUsed)
	assert.Equal(t, 1, client.CallCount())
}

func TestNewRejectsUnknownFallback(t *testing.T) {
	reg, err := persona.NewRegistry(srch)
	require.NoError(t, err)
	_, err = New(reg, persona.GeneralChatID, nil)
	assert.Error(t, err)
}
