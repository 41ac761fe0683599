package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/session"
)

const classifierInstructions = `You are an expert router. Choose the best tool. Always return strict JSON with fields:
{"intent": "...", "confidence": 0.0, "reasoning": "...", "suggested_query": "..."}

VALID INTENTS:
- GENERAL_CHAT
- SEARCH_SERVICE
- HELP_ASSISTENT

NOTES:
- Use SEARCH_SERVICE only when the user asks for web lookups, latest info, prices or news.
- Use GENERAL_CHAT for explanations, code samples, theory, or questions solvable without fresh web data.
- Use HELP_ASSISTENT when the user wants to navigate the local project, read files or run shell commands.
- suggested_query for SEARCH_SERVICE must be a clean search string.
- Confidence range 0-1. No markdown, code fences, or extra keys.`

// DefaultClassifierTimeout bounds one classification call.
const DefaultClassifierTimeout = 15 * time.Second

type intentTarget struct {
	want persona.Capability
	id   string
}

var intents = map[string]intentTarget{
	"GENERAL_CHAT":   {persona.CapRespond, persona.GeneralChatID},
	"SEARCH_SERVICE": {persona.CapSearch, persona.SearchID},
	"HELP_ASSISTENT": {persona.CapPlan | persona.CapExecute, persona.HelpAgentID},
	"HELP_ASSISTANT": {persona.CapPlan | persona.CapExecute, persona.HelpAgentID},
}

// ClassifierRule asks a model for the request's intent. Failures and low
// confidence answers do not match.
type ClassifierRule struct {
	llm           llm.Client
	minConfidence float64
	timeout       time.Duration
	log           *zap.Logger
}

type ClassifierOption func(*ClassifierRule)

func WithClassifierTimeout(d time.Duration) ClassifierOption {
	return func(c *ClassifierRule) { c.timeout = d }
}

func WithClassifierLogger(l *zap.Logger) ClassifierOption {
	return func(c *ClassifierRule) { c.log = logging.OrNop(l) }
}

func NewClassifierRule(client llm.Client, minConfidence float64, opts ...ClassifierOption) *ClassifierRule {
	c := &ClassifierRule{llm: client, minConfidence: minConfidence, timeout: DefaultClassifierTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ClassifierRule) Name() string { return "model_classifier" }

type classification struct {
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	SuggestedQuery string  `json:"suggested_query"`
}

func (c *ClassifierRule) Match(ctx context.Context, req session.Request, sig Signal) (Match, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	contextBlock := sig.Context
	if contextBlock == "" {
		contextBlock = "(empty)"
	}
	prompt := fmt.Sprintf("%s\n\nCONVERSATION CONTEXT:\n---\n%s\n---\n\nCURRENT USER INPUT:\n%q",
		classifierInstructions, contextBlock, req.RawText)
	raw, err := c.llm.Complete(ctx, []llm.Message{
		llm.System("You are a precise intent classifier. Always answer with JSON."),
		llm.User(prompt),
	}, llm.Options{MaxTokens: 512, Temperature: llm.Float(0)})
	if err != nil {
		c.log.Warn("intent classification failed", zap.Error(err))
		return Match{}, false
	}

	cl, err := parseClassification(raw)
	if err != nil {
		c.log.Warn("unparsable intent classification", zap.String("raw", raw), zap.Error(err))
		return Match{}, false
	}
	target, ok := intents[strings.ToUpper(strings.TrimSpace(cl.Intent))]
	if !ok || cl.Confidence < c.minConfidence {
		c.log.Debug("intent classification not accepted",
			zap.String("intent", cl.Intent), zap.Float64("confidence", cl.Confidence))
		return Match{}, false
	}

	m := Match{Want: target.want, PersonaID: target.id, Confidence: cl.Confidence, Reasoning: cl.Reasoning}
	if target.id == persona.SearchID {
		m.Query = strings.TrimSpace(cl.SuggestedQuery)
	}
	return m, true
}

func parseClassification(raw string) (classification, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var cl classification
	err := json.Unmarshal([]byte(strings.TrimSpace(text)), &cl)
	return cl, err
}
