package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/workloom/backend/internal/domain"
	"github.com/workloom/backend/internal/handler"
	appMiddleware "github.com/workloom/backend/internal/middleware"
)

// Deps are the handlers and collaborators the router mounts.
type Deps struct {
	Auth        appMiddleware.TokenVerifier
	Health      *handler.HealthHandler
	Plans       *handler.PlansHandler
	Payment     *handler.PaymentHandler
	Invoices    *handler.InvoiceHandler
	CORSOrigins []string
	// RateLimiter is optional; nil disables per-IP limiting.
	RateLimiter *appMiddleware.RateLimiter
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(appMiddleware.Recovery)
	r.Use(appMiddleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware())
	}

	// Health check and public routes (no auth)
	r.Get("/health", d.Health.Check)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/plans", d.Plans.List)
	r.Post("/api/payment/webhook/{provider}", d.Payment.Webhook)

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(d.Auth))

		// Subscription
		r.Get("/api/payment/subscription", d.Payment.GetSubscription)
		r.Get("/api/payment/events", d.Payment.ListEvents)

		// Invoices (read)
		r.Get("/api/invoices", d.Invoices.List)
		r.Get("/api/invoices/{number}", d.Invoices.Get)

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.RequireRole(domain.RoleAdmin, domain.RoleOperator))
			r.Post("/api/payment/checkout", d.Payment.CreateCheckout)
			r.Post("/api/payment/subscription/cancel", d.Payment.CancelSubscription)

			r.Post("/api/invoices/unbilled", d.Invoices.Unbilled)
			r.Post("/api/invoices/preview", d.Invoices.Preview)
			r.Post("/api/invoices/manual", d.Invoices.CreateManual)
			r.Post("/api/invoices", d.Invoices.Commit)
			r.Put("/api/invoices/{number}/items", d.Invoices.ReplaceItems)
			r.Post("/api/invoices/{number}/status", d.Invoices.ChangeStatus)
		})
	})

	return r
}
