package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/workloom/backend/internal/config"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/handler"
	appMiddleware "github.com/workloom/backend/internal/middleware"
	"github.com/workloom/backend/internal/repository"
	"github.com/workloom/backend/internal/service"
	"github.com/workloom/backend/pkg/payment"
)

// Stores bundles the data-access implementations the services run on.
type Stores struct {
	Plans         service.PlanSource
	Subscriptions service.SubscriptionStore
	Events        service.EventStore
	TimeEntries   service.TimeEntryStore
	Invoices      service.InvoiceStore
	// DB is pinged by the health check; nil for the in-memory store.
	DB handler.Pinger
}

// MemoryStores wires every store to one in-memory backend.
func MemoryStores(m *repository.MemoryStore) Stores {
	return Stores{
		Plans:         m.Plans(),
		Subscriptions: m.Subscriptions(),
		Events:        m.Events(),
		TimeEntries:   m.TimeEntries(),
		Invoices:      m.Invoices(),
	}
}

// PostgresStores wires every store to the connection pool.
func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Plans:         repository.NewPlanRepository(pool),
		Subscriptions: repository.NewSubscriptionRepository(pool),
		Events:        repository.NewBillingEventRepository(pool),
		TimeEntries:   repository.NewTimeEntryRepository(pool),
		Invoices:      repository.NewInvoiceRepository(pool),
		DB:            pool,
	}
}

// App is the assembled service graph.
type App struct {
	Router   http.Handler
	Auth     *service.AuthService
	Webhooks *service.WebhookService
	Invoices *service.InvoiceService

	limiter *appMiddleware.RateLimiter
	closers []func()
}

// Options tweak assembly for tests.
type Options struct {
	Gateway   payment.Gateway
	Clock     service.Clock
	RateLimit bool
}

// Open connects the configured store and assembles the app.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn().Msg("Using in-memory store; data is lost on exit")
		return New(cfg, MemoryStores(repository.NewMemoryStore(domain.DefaultPlans())), Options{RateLimit: true}), nil
	}

	pool, err := repository.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	app := New(cfg, PostgresStores(pool), Options{RateLimit: true})
	app.closers = append(app.closers, pool.Close)
	return app, nil
}

// Migrate creates the schema and seeds the default plans.
func Migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreMemory {
		return nil
	}
	pool, err := repository.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return err
	}
	if err := repository.NewPlanRepository(pool).Seed(ctx, domain.DefaultPlans()); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	return nil
}

// New assembles services and routes on the given stores.
func New(cfg *config.Config, stores Stores, opts Options) *App {
	gateway := opts.Gateway
	if gateway == nil {
		gateway = payment.NewMockGateway(cfg.PaymentProvider)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	providers := payment.NewRegistry(
		payment.NewRazorpayProvider(cfg.RazorpayWebhookSecret),
		payment.NewStripeProvider(cfg.StripeWebhookSecret),
	)

	authSvc := service.NewAuthService(cfg.JWTSecret)
	catalog := service.NewPlanCatalog(stores.Plans)
	ledger := service.NewEventLedger(stores.Events, now)
	subSvc := service.NewSubscriptionService(stores.Subscriptions, catalog, gateway,
		cfg.PaymentProvider, service.TrialPolicy{Days: cfg.TrialDays}, now)
	webhookSvc := service.NewWebhookService(providers, ledger, subSvc)
	invoiceSvc := service.NewInvoiceService(stores.TimeEntries, stores.Invoices, service.InvoiceOptions{
		NumberAttempts: cfg.InvoiceNumberAttempts,
		DueDays:        cfg.InvoiceDueDays,
	}, now)

	app := &App{
		Auth:     authSvc,
		Webhooks: webhookSvc,
		Invoices: invoiceSvc,
	}
	if opts.RateLimit {
		// 20 req/sec per IP, burst of 40
		app.limiter = appMiddleware.NewRateLimiter(20, 40)
		app.closers = append(app.closers, app.limiter.Stop)
	}

	app.Router = NewRouter(Deps{
		Auth:        authSvc,
		Health:      handler.NewHealthHandler(stores.DB),
		Plans:       handler.NewPlansHandler(catalog),
		Payment:     handler.NewPaymentHandler(subSvc, webhookSvc, ledger),
		Invoices:    handler.NewInvoiceHandler(invoiceSvc),
		CORSOrigins: cfg.CORSOrigins,
		RateLimiter: app.limiter,
	})
	return app
}

// Close releases the store and background workers.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
