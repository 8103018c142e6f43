package main

import (
	"fmt"

	"toolforge/internal/composite"
	"toolforge/internal/config"
	"toolforge/internal/embedding"
	"toolforge/internal/executor"
	"toolforge/internal/generator"
	"toolforge/internal/logging"
	"toolforge/internal/orchestrator"
	"toolforge/internal/planner"
	"toolforge/internal/policy"
	"toolforge/internal/reflection"
	"toolforge/internal/registry"
	"toolforge/internal/sandbox"
	"toolforge/internal/session"
	"toolforge/internal/skillgraph"
	"toolforge/internal/store"
	"toolforge/internal/synthesis"
	"toolforge/internal/tracker"
	"toolforge/internal/tuner"
)

// App holds the wired subsystems for one CLI invocation.
type App struct {
	Config       *config.Config
	Store        *store.LocalStore
	Policies     *policy.Store
	Registry     *registry.Registry
	Cache        *skillgraph.Cache
	Graph        *skillgraph.Graph
	Tracker      *tracker.Tracker
	Composites   *composite.Synthesizer
	Tuner        *tuner.Tuner
	Orchestrator *orchestrator.Orchestrator
}

// newApp builds the full pipeline from configuration. Embeddings and the
// generator are optional: without an API key the system still serves
// registered tools through degraded retrieval.
func newApp(cfg *config.Config) (*App, error) {
	if err := logging.Initialize(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	db, err := store.NewLocalStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	policies, err := policy.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	var embedder embedding.Engine
	if cfg.Embedding.APIKey != "" {
		embedder, err = embedding.NewEngine(embedding.Config{
			Provider: cfg.Embedding.Provider,
			APIKey:   cfg.Embedding.APIKey,
			Model:    cfg.Embedding.Model,
			TaskType: cfg.Embedding.TaskType,
		})
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Embedding engine unavailable: %v", err)
			embedder = nil
		}
	}

	var gen generator.CodeGenerator
	if cfg.LLM.APIKey != "" {
		g, err := generator.NewGenAIGenerator(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLMTimeout())
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Code generator unavailable: %v", err)
		} else {
			gen = g
		}
	}

	sb := sandbox.New(cfg.SandboxTimeout())
	sb.SetMaxOutputBytes(cfg.Sandbox.MaxOutputBytes)
	reg := registry.New(db, embedder, policies, cfg.ToolsDir())
	cache := skillgraph.NewCache(policies, db)
	cache.Warm()
	graph := skillgraph.NewGraph(db)
	tr := tracker.New(db)
	exec := executor.New(reg, sb, cache, tr)
	synth := synthesis.New(gen, sb, reg, policies)
	qp := planner.NewQueryPlanner(reg, tr, gen, policies)
	cp := planner.NewCompositionPlanner(reg, exec, synth, gen, graph, policies)
	sessions := session.NewManager(db)
	reflector := reflection.New(db, reg, gen, sb, cache)
	composites := composite.New(db, reg, policies, sb)
	tun := tuner.New(db, policies)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:    reg,
		Planner:     qp,
		Composition: cp,
		Executor:    exec,
		Synthesis:   synth,
		Reflector:   reflector,
		Sessions:    sessions,
		Tracker:     tr,
		Generator:   gen,
		Policies:    policies,
	})

	logging.Boot("toolforge ready: workspace=%s tools=%d", cfg.Workspace, mustCount(reg))
	return &App{
		Config:       cfg,
		Store:        db,
		Policies:     policies,
		Registry:     reg,
		Cache:        cache,
		Graph:        graph,
		Tracker:      tr,
		Composites:   composites,
		Tuner:        tun,
		Orchestrator: orch,
	}, nil
}

// Close flushes and releases everything in reverse dependency order.
func (a *App) Close() {
	a.Orchestrator.Drain()
	a.Tracker.Close()
	a.Cache.Close()
	if err := a.Store.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("Store close: %v", err)
	}
	logging.CloseAll()
}

func mustCount(reg *registry.Registry) int {
	n, err := reg.Count()
	if err != nil {
		return 0
	}
	return n
}
