package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/api"
	"github.com/cardledger/cardledger/internal/app/categorize"
	"github.com/cardledger/cardledger/internal/app/orchestrator"
	"github.com/cardledger/cardledger/internal/app/otp"
	"github.com/cardledger/cardledger/internal/app/ownership"
	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/infra/observability"
	"github.com/cardledger/cardledger/internal/infra/scraper"
	"github.com/cardledger/cardledger/internal/infra/sqlite"
	"github.com/cardledger/cardledger/internal/infra/vault"
)

// Daemon wires the configured components together. `serve` runs its HTTP
// server; one-shot CLI commands use the same wiring without serving.
type Daemon struct {
	Config   Config
	DB       *sqlite.DB
	Resolver *categorize.Resolver
	Orch     *orchestrator.Orchestrator
	Hub      *api.ProgressHub
	Tracer   *observability.Tracer
	Log      zerolog.Logger

	// Sealed is false when no vault key is configured; credentials cannot
	// be read or written until one is.
	Sealed bool
}

// Options adjust New for tests and one-shot commands.
type Options struct {
	// Scraper replaces the external process adapter.
	Scraper domain.Scraper
	// Observers receive every progress event in addition to the live hub.
	Observers []domain.ProgressSink
}

// New opens the database and builds every component from cfg.
func New(cfg Config, log zerolog.Logger, opts Options) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db, Log: log}
	v, err := vault.FromEnv(cfg.Vault.KeyEnv)
	switch {
	case err == nil:
		db.UseSealer(v)
		d.Sealed = true
	case errors.Is(err, vault.ErrNoKey):
		log.Warn().Str("env", cfg.Vault.KeyEnv).Msg("no vault key; stored credentials are unavailable")
	default:
		db.Close()
		return nil, fmt.Errorf("vault: %w", err)
	}

	d.Resolver = categorize.NewResolver(db, db)
	d.Hub = api.NewProgressHub()
	d.Tracer = observability.NewTracer(2000)

	sc := opts.Scraper
	if sc == nil {
		sc = scraper.New(scraper.Config{
			Command: cfg.Scraper.Command,
			Args:    cfg.Scraper.Args,
		})
	}

	var gate orchestrator.Gate = orchestrator.NewMemoryGate()
	if cfg.Scrape.Lease == "sqlite" {
		gate = orchestrator.NewLeaseGate(db, "scrape", Duration(cfg.Scrape.LeaseTTL, 30*time.Minute))
	}

	d.Orch = orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Scraper:     sc,
		Credentials: db,
		Audit:       db,
		Owners:      db,
		Reconciler:  orchestrator.NewReconciler(db, ownership.New(db), d.Resolver, cfg.Location()),
		Broker:      otp.NewBroker(Duration(cfg.Scrape.OTPTimeout, otp.DefaultTimeout), observability.OTPObserver{}),
		Gate:        gate,
		Tracer:      d.Tracer,
		Observers:   append([]domain.ProgressSink{d.Hub}, opts.Observers...),
		Log:         log.With().Str("component", "orchestrator").Logger(),
	})
	return d, nil
}

// Orchestrator maps the [scrape] section onto orchestrator settings.
func (c Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Retry = orchestrator.RetryPolicy{
		MaxRetries: c.Scrape.MaxRetries,
		Initial:    Duration(c.Scrape.InitialBackoff, oc.Retry.Initial),
		Max:        Duration(c.Scrape.MaxBackoff, oc.Retry.Max),
	}
	oc.InterAccountDelay = Duration(c.Scrape.InterAccountDelay, oc.InterAccountDelay)
	oc.RateLimitedDelay = Duration(c.Scrape.RateLimitedDelay, oc.RateLimitedDelay)
	return oc
}

// Handler builds the HTTP API.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.Orch, d.DB, d.Resolver)
	srv.SetProgressHub(d.Hub)
	srv.SetTracer(d.Tracer)
	srv.SetCycleStartDay(d.Config.Billing.CycleStartDay)
	srv.SetLogger(d.Log.With().Str("component", "api").Logger())
	if d.Config.Metrics.Enabled {
		srv.EnableMetrics()
	}
	return srv.Handler()
}

// Serve runs the API until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.API.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.API.Addr(), err)
	}
	return d.serve(ctx, ln)
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	d.Log.Info().Str("addr", ln.Addr().String()).Bool("vault", d.Sealed).Msg("cardledger API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.Log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		d.Log.Warn().Err(err).Msg("http shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops background batches and closes the database.
func (d *Daemon) Close() error {
	d.Orch.Close()
	return d.DB.Close()
}
