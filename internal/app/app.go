// Package app wires all Parlavo subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the discussion store,
// chat backends, transport strategies, and the session engine from config;
// Run serves the local HTTP surface (session control, history, health,
// metrics) until the context is cancelled; Shutdown tears everything down.
//
// For testing, inject doubles via functional options (WithStore,
// WithLiveStrategy, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlavo/parlavo/internal/config"
	"github.com/parlavo/parlavo/internal/health"
	"github.com/parlavo/parlavo/internal/resilience"
	"github.com/parlavo/parlavo/internal/session"
	"github.com/parlavo/parlavo/internal/turn"
	"github.com/parlavo/parlavo/pkg/capture"
	"github.com/parlavo/parlavo/pkg/capture/pulse"
	"github.com/parlavo/parlavo/pkg/chat"
	"github.com/parlavo/parlavo/pkg/chat/anyllm"
	"github.com/parlavo/parlavo/pkg/chat/gemini"
	"github.com/parlavo/parlavo/pkg/chat/openai"
	"github.com/parlavo/parlavo/pkg/discussion"
	"github.com/parlavo/parlavo/pkg/discussion/filestore"
	"github.com/parlavo/parlavo/pkg/discussion/memstore"
	"github.com/parlavo/parlavo/pkg/discussion/postgres"
	"github.com/parlavo/parlavo/pkg/transport"
	"github.com/parlavo/parlavo/pkg/transport/live"
	"github.com/parlavo/parlavo/pkg/transport/stateless"
)

// defaultListenAddr is used when server.listen_addr is not configured.
const defaultListenAddr = ":8080"

// defaultStorageDir is the file store directory when storage.dir is empty.
const defaultStorageDir = "./discussions"

// App owns all subsystem lifetimes and serves the local control surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store  discussion.Store
	engine *session.Engine
	health *health.Handler
	srv    *http.Server

	// Injectable backends — nil means "build from config".
	liveStrategy transport.Strategy
	textStrategy transport.Strategy
	capture      capture.Adapter
	chatProvider chat.Provider

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a discussion store instead of creating one from config.
func WithStore(s discussion.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLiveStrategy injects the voice transport strategy.
func WithLiveStrategy(s transport.Strategy) Option {
	return func(a *App) { a.liveStrategy = s }
}

// WithTextStrategy injects the text transport strategy.
func WithTextStrategy(s transport.Strategy) Option {
	return func(a *App) { a.textStrategy = s }
}

// WithCapture injects a microphone capture adapter.
func WithCapture(c capture.Adapter) Option {
	return func(a *App) { a.capture = c }
}

// WithChatProvider injects the stateless chat backend instead of building one
// from config.
func WithChatProvider(p chat.Provider) Option {
	return func(a *App) { a.chatProvider = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: store connection, backend construction, engine assembly, and
// HTTP route registration all happen before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initBackends(); err != nil {
		return nil, fmt.Errorf("app: init backends: %w", err)
	}
	a.initEngine()
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore builds the discussion store selected by storage.driver.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	driver := a.cfg.Storage.Driver
	if driver == "" {
		driver = config.StorageFile
	}

	switch driver {
	case config.StorageMemory:
		a.store = memstore.New()

	case config.StorageFile:
		dir := a.cfg.Storage.Dir
		if dir == "" {
			dir = defaultStorageDir
		}
		fs, err := filestore.New(dir)
		if err != nil {
			return err
		}
		a.store = fs

	case config.StoragePostgres:
		pg, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})

	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}

	a.logger.Info("discussion store ready", "driver", driver)
	return nil
}

// initBackends builds the transport strategies from config unless they were
// injected.
func (a *App) initBackends() error {
	if a.liveStrategy == nil && a.cfg.Backend.Live.APIKey != "" {
		lc := a.cfg.Backend.Live
		var opts []live.Option
		if lc.Model != "" {
			opts = append(opts, live.WithModel(lc.Model))
		}
		if lc.Voice != "" {
			opts = append(opts, live.WithVoice(lc.Voice))
		}
		if lc.BaseURL != "" {
			opts = append(opts, live.WithBaseURL(lc.BaseURL))
		}
		a.liveStrategy = live.New(lc.APIKey, opts...)
		a.logger.Info("live backend configured", "model", lc.Model)
	}

	if a.chatProvider == nil && a.cfg.Backend.Chat.Primary.Backend != "" {
		provider, err := a.buildChatProvider()
		if err != nil {
			return err
		}
		a.chatProvider = provider
	}
	if a.textStrategy == nil && a.chatProvider != nil {
		a.textStrategy = stateless.New(a.chatProvider)
		a.logger.Info("chat backend configured", "backend", a.chatProvider.Name())
	}

	// Voice sessions need a microphone; only build the capture adapter when
	// the live backend exists so a chat-only deployment never touches audio.
	if a.capture == nil && a.liveStrategy != nil {
		var opts []pulse.Option
		if a.cfg.Capture.Device != "" {
			opts = append(opts, pulse.WithDevice(a.cfg.Capture.Device))
		}
		a.capture = pulse.New(opts...)
	}

	return nil
}

// buildChatProvider constructs the primary chat backend and, when fallbacks
// are configured, wraps everything in a circuit-breaking failover group.
func (a *App) buildChatProvider() (chat.Provider, error) {
	primary, err := newChatBackend(a.cfg.Backend.Chat.Primary)
	if err != nil {
		return nil, fmt.Errorf("chat primary: %w", err)
	}
	if len(a.cfg.Backend.Chat.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewChatFallback(primary, resilience.FallbackConfig{})
	for i, fb := range a.cfg.Backend.Chat.Fallbacks {
		p, err := newChatBackend(fb)
		if err != nil {
			return nil, fmt.Errorf("chat fallback %d: %w", i, err)
		}
		group.AddFallback(p)
		a.logger.Info("chat fallback registered", "backend", p.Name())
	}
	return group, nil
}

// newChatBackend constructs one stateless completion backend.
func newChatBackend(bc config.ChatBackendConfig) (chat.Provider, error) {
	switch bc.Backend {
	case "gemini":
		var opts []gemini.Option
		if len(bc.Models) > 0 {
			opts = append(opts, gemini.WithModels(bc.Models...))
		} else if bc.Model != "" {
			opts = append(opts, gemini.WithModels(bc.Model))
		}
		if bc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(bc.BaseURL))
		}
		return gemini.New(bc.APIKey, opts...)

	case "openai":
		var opts []openai.Option
		if bc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(bc.BaseURL))
		}
		return openai.New(bc.APIKey, bc.Model, opts...)

	case "anyllm":
		var opts []anyllmlib.Option
		if bc.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(bc.APIKey))
		}
		if bc.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(bc.BaseURL))
		}
		return anyllm.New(bc.Provider, bc.Model, opts...)

	default:
		return nil, fmt.Errorf("unknown chat backend %q", bc.Backend)
	}
}

// initEngine assembles the session engine from the built parts.
func (a *App) initEngine() {
	opts := []session.Option{
		session.WithInstructions(instructionsFor(a.cfg.Session)),
		session.WithPolicy(policyFor(a.cfg.Session)),
		session.WithLogger(a.logger),
	}
	if a.liveStrategy != nil {
		opts = append(opts, session.WithLiveStrategy(a.liveStrategy))
	}
	if a.textStrategy != nil {
		opts = append(opts, session.WithTextStrategy(a.textStrategy))
	}
	if a.capture != nil {
		opts = append(opts, session.WithCapture(a.capture))
	}
	a.engine = session.New(a.store, opts...)
}

// initHTTP registers the health, metrics, and session API routes.
func (a *App) initHTTP() {
	a.health = health.New(a.healthCheckers()...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.registerAPI(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// healthCheckers builds the readiness checks for the configured subsystems.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{
		{
			Name: "backend",
			Check: func(context.Context) error {
				if a.liveStrategy == nil && a.textStrategy == nil {
					return errors.New("no backend configured")
				}
				return nil
			},
		},
	}

	if pg, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "storage", Check: pg.Ping})
	} else {
		checkers = append(checkers, health.Checker{
			Name:  "storage",
			Check: func(context.Context) error { return nil },
		})
	}

	return checkers
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface and blocks until ctx is cancelled or the server
// fails. The HTTP server is shut down before Run returns; the remaining
// subsystems are released by Shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown error", "error", err)
		}
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Engine exposes the session engine, mainly for tests and embedding callers.
func (a *App) Engine() *session.Engine { return a.engine }

// Handler exposes the HTTP surface without the listener, for tests and for
// embedding the API into another server.
func (a *App) Handler() http.Handler { return a.srv.Handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any active session and tears down subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, the remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if _, err := a.engine.Stop(ctx); err != nil && !errors.Is(err, session.ErrNotActive) {
			a.logger.Warn("failed to stop active session", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config helpers ──────────────────────────────────────────────────────────

// instructionsFor resolves the system instruction: an explicit one wins,
// otherwise the built-in tutor persona with the target language filled in.
func instructionsFor(sc config.SessionConfig) string {
	if sc.Instructions != "" {
		return sc.Instructions
	}
	lang := sc.Language
	if lang == "" {
		lang = "French"
	}
	return fmt.Sprintf(
		"You are a friendly %s tutor. Converse naturally, gently correct mistakes, and keep replies short. Respond in %s.",
		lang, lang,
	)
}

// policyFor converts the config timings into a turn policy. Zero values fall
// through to the policy defaults.
func policyFor(sc config.SessionConfig) turn.PolicyConfig {
	return turn.PolicyConfig{
		Debounce:            time.Duration(sc.DebounceMs) * time.Millisecond,
		PunctuationDebounce: time.Duration(sc.PunctuationDebounceMs) * time.Millisecond,
		UserIdleTimeout:     time.Duration(sc.UserIdleMs) * time.Millisecond,
	}
}
