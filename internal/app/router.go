package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mwork/credit-ledger/internal/domain/admin"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/payment"
	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/metrics"
	"github.com/mwork/credit-ledger/internal/pkg/response"
)

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	creditHandler := credit.NewHandler(a.Ledger)
	paymentHandler := payment.NewHandler(a.Payments, a.Query)
	adminHandler := admin.NewHandler(a.Ledger, a.Query, a.Distribution, a.Payments)
	auth := middleware.Auth(a.JWT)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORSHandler(a.Config.AllowedOrigins))

	r.Get("/health", a.health)
	if a.Config.MetricsEnabled {
		metrics.Init()
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/account/credit", func(r chi.Router) {
			r.Use(auth)
			creditHandler.Routes(r)
			adminHandler.CreditRoutes(r)
		})

		r.Route("/payment", func(r chi.Router) {
			r.Post("/callback", paymentHandler.Callback)
			r.Group(func(r chi.Router) {
				r.Use(auth)
				paymentHandler.Routes(r)
				r.Route("/admin", func(r chi.Router) {
					r.Use(middleware.RequireStaff())
					adminHandler.PaymentRoutes(r)
				})
			})
		})
	})

	return r
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "store": a.Config.StoreDriver}
	if a.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			response.ServiceUnavailable(w, "DATABASE_UNAVAILABLE", "database unreachable")
			return
		}
	}
	response.OK(w, status)
}
