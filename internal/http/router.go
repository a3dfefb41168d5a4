package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticketmint/ticket-engine/internal/observability"
	"github.com/ticketmint/ticket-engine/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(RateLimitMiddleware(rl))
	r.Use(IdempotencyKeyMiddleware())

	r.Post("/v1/reservations", h.CreateReservation)
	r.Post("/v1/quotes", h.CreateQuote)
	r.Post("/v1/purchases", h.CreatePurchase)
	r.Post("/v1/payments/callback", h.PaymentCallback)
	r.Get("/v1/ticket-types/{id}/availability", h.GetAvailability)
	r.Get("/v1/tickets/{id}", h.GetTicket)
	r.Post("/v1/tickets/{id}/transfers", h.InitiateTransfer)
	r.Post("/v1/tickets/{id}/revoke", h.RevokeTicket)
	r.Post("/v1/transfers/{id}/approve", h.ApproveTransfer)
	r.Post("/v1/transfers/{id}/reject", h.RejectTransfer)
	r.Post("/v1/entry/validate", h.ValidateEntry)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
