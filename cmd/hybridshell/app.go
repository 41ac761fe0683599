package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/policy"
	"github.com/m4xw311/hybridshell/router"
	"github.com/m4xw311/hybridshell/search"
	"github.com/m4xw311/hybridshell/session"
)

// app holds the collaborators shared by every session of one process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	client   llm.Client
	router   llm.Client
	memory   memory.Store
	searcher search.Searcher
	policy   *policy.Policy
}

func (a *app) retry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts: a.cfg.MaxAttempts,
		BaseDelay:   a.cfg.BackoffBase,
		MaxDelay:    a.cfg.BackoffMax,
		CallTimeout: a.cfg.CallTimeout,
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, policy: policy.New(cfg.Policy, log)}

	client, err := llm.New(ctx, cfg.Provider, cfg.Model)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s client", cfg.Provider)
	}
	a.client = llm.WithRateLimit(llm.WithRetry(client, a.retry(), log), cfg.RequestsPerMinute)

	if cfg.Router.ModelClassifier {
		provider, model := cfg.RouterBackend()
		a.router = a.client
		if provider != cfg.Provider || model != cfg.Model {
			rc, err := llm.New(ctx, provider, model)
			if err != nil {
				return nil, errors.Wrapf(err, "error initializing router client")
			}
			a.router = llm.WithRetry(rc, a.retry(), log)
		}
	}

	a.memory = openMemory(cfg.Memory, log)

	a.searcher, err = search.New(cfg.Search, log)
	if err != nil {
		log.Warn("search backend unavailable", zap.String("backend", cfg.Search.Backend), zap.Error(err))
		a.searcher = search.Disabled{Backend: cfg.Search.Backend, Err: err}
	}
	return a, nil
}

// openMemory prefers the on-disk store and falls back to memory that lasts
// for this process only.
func openMemory(cfg config.MemoryConfig, log *zap.Logger) memory.Store {
	if !cfg.Enabled {
		return nil
	}
	opts := memory.Options{Dimension: cfg.Dimension, MaxItems: cfg.MaxItems}
	if cfg.Path != "" {
		store, err := memory.OpenSQLite(cfg.Path, opts, log)
		if err == nil {
			return store
		}
		log.Warn("persistent memory unavailable, using in-process memory", zap.String("path", cfg.Path), zap.Error(err))
	}
	return memory.NewMemStore(opts)
}

// sessionOptions are the per-session parts of the wiring.
type sessionOptions struct {
	shell      *executor.ShellExecutor
	transcript *session.Transcript
	confirmer  policy.Confirmer
	callbacks  agent.Callbacks
	onRoute    func(session.Request, router.Decision)
}

func (a *app) orchestrator(so sessionOptions) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	gateOpts := []policy.GateOption{policy.WithDir(so.shell.Dir), policy.WithLogger(a.log)}
	if so.confirmer != nil {
		gateOpts = append(gateOpts, policy.WithConfirmer(so.confirmer))
	}
	gate := policy.NewGate(a.policy, policy.Mode(cfg.ConfirmationPolicy), gateOpts...)
	loop := agent.NewLoop(a.client, so.shell, gate, agent.Config{
		MaxSteps:            cfg.MaxSteps,
		MaxReplans:          cfg.MaxReplans,
		CommandTimeout:      cfg.CommandTimeout,
		VerifyWithModel:     cfg.VerifyWithModel,
		InteractiveCommands: cfg.Policy.InteractiveCommands,
	}, agent.WithCallbacks(so.callbacks), agent.WithLogger(a.log))

	registry, err := persona.NewRegistry(
		persona.NewGeneralChat(a.client, persona.WithChatLogger(a.log)),
		persona.NewSearch(a.client, a.searcher, persona.WithSearchLogger(a.log)),
		persona.NewHelpAgent(loop),
	)
	if err != nil {
		return nil, err
	}

	var classifier *router.ClassifierRule
	if a.router != nil {
		classifier = router.NewClassifierRule(a.router, cfg.Router.MinConfidence, router.WithClassifierLogger(a.log))
	}
	rt, err := router.New(registry, cfg.DefaultPersona,
		router.DefaultRules(cfg.Router.SearchKeywords, cfg.Router.PlanKeywords, classifier),
		router.WithLogger(a.log))
	if err != nil {
		return nil, err
	}

	storeOpts := []contextstore.Option{contextstore.WithLogger(a.log)}
	orchOpts := []orchestrator.Option{orchestrator.WithLogger(a.log)}
	if a.memory != nil {
		storeOpts = append(storeOpts, contextstore.WithMemory(a.memory))
		orchOpts = append(orchOpts, orchestrator.WithMemory(a.memory))
	}
	if so.transcript != nil {
		orchOpts = append(orchOpts, orchestrator.WithTranscript(so.transcript))
	}
	if so.onRoute != nil {
		orchOpts = append(orchOpts, orchestrator.WithRouteHook(so.onRoute))
	}
	store := contextstore.New(cfg.ContextWindowSize, storeOpts...)
	return orchestrator.New(rt, registry, store, so.shell, orchestrator.Config{
		RecentTurns:    cfg.ContextWindowSize,
		TopK:           cfg.Memory.TopK,
		CommandTimeout: cfg.CommandTimeout,
	}, orchOpts...), nil
}

func (a *app) Close() error {
	var errs []error
	if c, ok := a.searcher.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	return errors.Join(errs...)
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "hybridshell"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
