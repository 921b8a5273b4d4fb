package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/coretools"
	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/session"
)

// newProvider builds the LLM transport for a profile. Tests replace it.
var newProvider = func(profile agent.AuthProfile) (agent.LLMProvider, error) {
	factory := &agent.ProviderFactory{}
	return factory.NewProvider(profile)
}

// appOptions are the command line overrides shared by run and chat
type appOptions struct {
	model       string
	metricsAddr string
	noBuiltin   bool
}

// app is the wired runtime behind one CLI invocation
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  zerolog.Logger
	runtime *runtimeconfig.Config
	manager *session.Manager
	cleanup *session.Cleanup
	metrics *http.Server
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.metricsAddr != "" {
		cfg.Observability.MetricsAddr = opts.metricsAddr
	}
	if opts.noBuiltin {
		cfg.Tools.Builtin = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(cfg.LoggerConfig(true))
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: lg, logger: lg.Component("cli")}

	if err := a.init(); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	if err := tracing.InitOpenTelemetry("agentloop"); err != nil {
		a.logger.Warn().Err(err).Msg("OpenTelemetry disabled")
	}
	if path := a.cfg.Observability.AuditLog; path != "" {
		if err := observability.InitAuditLogger(path); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	if addr := a.cfg.Observability.MetricsAddr; addr != "" {
		a.serveMetrics(addr)
	}

	profile, err := a.cfg.PrimaryProfile()
	if err != nil {
		return err
	}
	provider, err := newProvider(profile)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	rc, err := runtimeconfig.New(a.cfg.ToRuntimeOptions())
	if err != nil {
		return err
	}
	if a.cfg.Tools.Builtin {
		rc, err = coretools.RegisterCoreTools(rc, coretools.Options{WorkspaceRoot: a.cfg.Tools.WorkspacePath})
		if err != nil {
			return err
		}
	}
	a.runtime = rc

	a.manager = session.NewManager(session.ManagerConfig{
		Provider:       provider,
		InboxSize:      a.cfg.Session.InboxSize,
		TraceRetention: a.cfg.Trace.Retention,
		Logger:         a.log.Component("session"),
	})

	if idle := a.cfg.Session.IdleTimeoutMs; idle > 0 {
		a.cleanup = session.NewCleanup(a.manager, time.Duration(idle)*time.Millisecond, 0, 0)
		if err := a.cleanup.Start(); err != nil {
			return err
		}
	}

	a.logger.Debug().
		Str("provider", profile.Provider).
		Str("profile", profile.ID).
		Str("model", rc.Model).
		Strs("tools", rc.Tools().Names()).
		Msg("Runtime ready")
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	a.logger.Info().Str("addr", addr).Msg("Serving metrics")
}

// openSession opens the CLI session with the workspace as base tool context
func (a *app) openSession(ctx context.Context, id string, toolContext map[string]string) (*session.Session, error) {
	base := map[string]interface{}{}
	if a.cfg.Tools.WorkspacePath != "" {
		base[coretools.ToolContextWorkspaceRoot] = a.cfg.Tools.WorkspacePath
	}
	for k, v := range toolContext {
		base[k] = v
	}
	return a.manager.Open(ctx, session.Config{ID: id, Runtime: a.runtime, ToolContext: base})
}

func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if a.cleanup != nil {
		_ = a.cleanup.Stop()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Session shutdown incomplete")
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	_ = observability.GetAuditLogger().Close()
	_ = tracing.ShutdownOpenTelemetry(ctx)
	_ = a.log.Close()
}
