package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/concord/pkg/adapter"
	"github.com/zen-systems/concord/pkg/config"
	"github.com/zen-systems/concord/pkg/evidence"
	"github.com/zen-systems/concord/pkg/logging"
	"github.com/zen-systems/concord/pkg/observer"
	"github.com/zen-systems/concord/pkg/pipeline"
	"github.com/zen-systems/concord/pkg/registry"
	"github.com/zen-systems/concord/pkg/store"
	"github.com/zen-systems/concord/pkg/task"
)

// engine bundles everything a command needs to run tasks.
type engine struct {
	cfg      *config.Config
	aliases  *config.ModelAliases
	logger   zerolog.Logger
	reg      *registry.Registry
	orch     *pipeline.Orchestrator
	store    *store.Store
	recorder *evidence.Recorder
}

type engineOptions struct {
	configPath  string
	logLevel    string
	mock        bool
	evidenceDir string
	model       string
	observers   []pipeline.Observer
}

func buildEngine(opts engineOptions) (*engine, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format, Output: os.Stderr})
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, aliases: cfg.ModelAliases(), logger: logger}

	regOpts := []registry.Option{registry.WithBreakerConfig(cfg.Breaker), registry.WithLogger(logger)}
	// Mock runs never touch the outcome history.
	if !cfg.Store.Disabled && !opts.mock {
		st, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		e.store = st
		regOpts = append(regOpts, registry.WithListener(st.Listener()))
	}
	e.reg = registry.New(regOpts...)

	if err := e.registerModels(opts.mock); err != nil {
		e.Close()
		return nil, err
	}

	if e.store != nil {
		seeded, err := e.store.WarmStart(e.reg, time.Now().Add(-cfg.Store.Window), cfg.Store.MinCalls)
		if err != nil {
			logger.Warn().Err(err).Msg("warm start failed")
		} else if seeded > 0 {
			logger.Debug().Int("models", seeded).Msg("reliability warm-started from history")
		}
	}

	pins, err := config.PinMap(cfg.Pins, e.aliases)
	if err != nil {
		e.Close()
		return nil, err
	}
	if opts.model != "" {
		id := e.aliases.Resolve(opts.model)
		if _, ok := e.reg.Get(id); !ok {
			e.Close()
			return nil, fmt.Errorf("model %q is not available", opts.model)
		}
		pins = make(map[task.TaskType]string, len(task.AllTaskTypes))
		for _, t := range task.AllTaskTypes {
			pins[t] = id
		}
	}

	observers := []pipeline.Observer{observer.NewLog(logger)}
	if opts.evidenceDir != "" {
		e.recorder = evidence.NewRecorder(opts.evidenceDir, logger)
		observers = append(observers, e.recorder)
	}
	observers = append(observers, opts.observers...)

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithObserver(pipeline.Multi(observers...)),
		pipeline.WithMaxSubtasks(cfg.Engine.MaxSubtasks),
		pipeline.WithMaxParallel(cfg.Engine.MaxParallel),
		pipeline.WithRetry(cfg.Retry),
		pipeline.WithTimeouts(cfg.Timeouts),
		pipeline.WithArbitrationFanout(cfg.Engine.ArbitrationFanout),
		pipeline.WithAllowDegraded(cfg.Engine.AllowDegraded),
		pipeline.WithFallback(cfg.Engine.FallbackOnFailure),
		pipeline.WithBudget(cfg.Engine.BudgetUSD),
		pipeline.WithPins(pins),
	}
	if cfg.Judge != "" {
		if a, ok := e.reg.Adapter(e.aliases.Resolve(cfg.Judge)); ok {
			pipeOpts = append(pipeOpts, pipeline.WithJudge(a))
		} else {
			logger.Warn().Str("model", cfg.Judge).Msg("judge model not available, using heuristic arbitration")
		}
	}
	if cfg.Classifier.Model != "" {
		if a, ok := e.reg.Adapter(e.aliases.Resolve(cfg.Classifier.Model)); ok {
			pipeOpts = append(pipeOpts, pipeline.WithTieBreaker(a, cfg.Classifier.Threshold))
		} else {
			logger.Warn().Str("model", cfg.Classifier.Model).Msg("classifier model not available, using rules only")
		}
	}

	e.orch, err = pipeline.New(e.reg, pipeOpts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// registerModels binds every catalog entry to a provider client when its key is
// present, or to a mock when running offline.
func (e *engine) registerModels(mock bool) error {
	descs, err := config.Descriptors(e.cfg.Models)
	if err != nil {
		return err
	}

	providers := make(map[string]adapter.Provider)
	for _, desc := range descs {
		var a adapter.Adapter
		switch {
		case mock:
			a = adapter.NewMock(desc).WithLatency(desc.AvgLatency / 20)
		case e.cfg.HasProvider(desc.Provider):
			p, ok := providers[desc.Provider]
			if !ok {
				p, err = adapter.NewProvider(desc.Provider, e.cfg.APIKey(desc.Provider))
				if err != nil {
					return fmt.Errorf("%s: %w", desc.Provider, err)
				}
				providers[desc.Provider] = p
			}
			a = adapter.Bind(p, desc)
		default:
			e.logger.Debug().Str("model", desc.ID).Str("provider", desc.Provider).Msg("no API key, model skipped")
			continue
		}
		if err := e.reg.Register(a); err != nil {
			return err
		}
	}

	if e.reg.Len() == 0 {
		return fmt.Errorf("no models available: set ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY or DEEPSEEK_API_KEY, or run with --mock")
	}
	return nil
}

// Close releases the outcome store.
func (e *engine) Close() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("close store")
	}
}
