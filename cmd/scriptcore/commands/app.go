package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/scriptcore/pkg/circuit"
	"github.com/openfroyo/scriptcore/pkg/config"
	"github.com/openfroyo/scriptcore/pkg/invoke"
	"github.com/openfroyo/scriptcore/pkg/policy"
	"github.com/openfroyo/scriptcore/pkg/protocol"
	"github.com/openfroyo/scriptcore/pkg/scripting"
	"github.com/openfroyo/scriptcore/pkg/session"
	"github.com/openfroyo/scriptcore/pkg/stores"
	"github.com/openfroyo/scriptcore/pkg/telemetry"
)

// app holds every component a command may need. Components a command does
// not ask for stay nil.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	policies *policy.Engine
	journal  *stores.SQLiteStore
	engine   *session.Engine
	breaker  *circuit.Breaker
	invoker  *invoke.Invoker

	closers []func(context.Context) error
}

type appOptions struct {
	// stream writes the execution stream as JSON lines when set
	stream io.Writer

	// needInvoker builds the session, breaker and invoker
	needInvoker bool

	// needPolicies builds the policy engine even when admission is disabled
	needPolicies bool

	// needJournal opens the journal even when journaling is disabled
	needJournal bool

	// notices receives circuit and session state changes when set
	notices io.Writer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = buildVersion
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	a.onClose(tel.Shutdown)

	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	if err := a.tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	a.watchEvents(opts.notices)

	if cfg.Policy.Enabled || opts.needPolicies {
		if err := a.openPolicies(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Journal.Enabled || opts.needJournal {
		if err := a.openJournal(ctx); err != nil {
			return nil, err
		}
	}

	if opts.needInvoker {
		a.buildInvoker(opts.stream)
	}
	ready = true
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse order of construction.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("Shutdown failed")
		}
	}
	a.closers = nil
}

// watchEvents logs every telemetry event at debug level and prints
// circuit and session state changes to w when it is set.
func (a *app) watchEvents(w io.Writer) {
	log := a.logger.With().Str("component", "events").Logger()
	a.tel.Events.Subscribe(func(e telemetry.Event) {
		log.Debug().
			Str("event", e.Type).
			Str("source", e.Source).
			Str("execution_id", e.ExecutionID).
			Msg(e.Message)
	}, nil)

	if w == nil {
		return
	}
	a.tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Fprintf(w, "# %s\n", e.Message)
	}, telemetry.FilterByType(telemetry.EventTypeCircuitChanged, telemetry.EventTypeSessionChanged))
}

func (a *app) openPolicies(ctx context.Context) error {
	engine, err := policy.NewEngine(a.logger, a.cfg.PolicyOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	a.policies = engine
	a.onClose(func(context.Context) error { return engine.Close() })

	paths := a.cfg.Policy.Paths
	if len(paths) == 0 {
		return nil
	}
	if err := engine.LoadPolicies(ctx, paths); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if a.cfg.Policy.Watch {
		if err := engine.WatchPolicies(ctx, paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return nil
}

func (a *app) openJournal(ctx context.Context) error {
	journal, err := stores.Open(ctx, a.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = journal
	a.onClose(func(context.Context) error { return journal.Close() })

	if retention := a.cfg.Journal.Retention; retention > 0 {
		n, err := journal.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("failed to prune journal: %w", err)
		}
		if n > 0 {
			a.logger.Info().Int64("pruned", n).Dur("retention", retention).Msg("Pruned journal")
		}
	}
	return nil
}

func (a *app) buildInvoker(stream io.Writer) {
	cfg := a.cfg

	rt := scripting.NewRuntime(
		scripting.WithModule(scripting.HostModule(cfg.HostModuleConfig())),
		scripting.WithMaxSteps(cfg.Engine.MaxSteps),
		scripting.WithLogger(a.logger),
	)
	a.engine = session.New(rt, cfg.SessionOptions(),
		session.WithLogger(a.logger),
		session.WithStateObserver(invoke.SessionObserver(a.tel)),
	)
	a.onClose(func(context.Context) error {
		a.engine.Dispose()
		return nil
	})

	a.breaker = circuit.New(cfg.Breaker.Name, cfg.BreakerOptions(), circuit.WithLogger(a.logger))
	a.onClose(func(context.Context) error {
		a.breaker.Close()
		return nil
	})

	opts := []invoke.Option{
		invoke.WithRetry(cfg.RetryOptions()),
		invoke.WithTelemetry(a.tel),
		invoke.WithLogger(a.logger),
	}
	if a.policies != nil && cfg.Policy.Enabled {
		opts = append(opts, invoke.WithAdmission(a.policies))
	}
	if a.journal != nil && cfg.Journal.Enabled {
		opts = append(opts, invoke.WithJournal(a.journal))
	}
	if stream != nil {
		opts = append(opts, invoke.WithEncoder(protocol.NewEncoder(stream)))
	}

	a.invoker = invoke.New(a.engine, a.breaker, opts...)
	a.onClose(func(context.Context) error {
		a.invoker.Close()
		return nil
	})
}
