package handler

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/metrics"
	"github.com/Dan9191/bnpl-service/internal/middleware"
)

// NewRouter wires the public, authenticated and admin routes.
func NewRouter(h *Handler, cfg *config.Config, log *logrus.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.Middleware, middleware.RequestLogMiddleware(log))

	// Public routes
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/webhooks/gateway", h.GatewayWebhook).Methods("POST")

	// Protected routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg))
	api.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	api.HandleFunc("/transactions/{id}/schedule", h.GetSchedule).Methods("GET")
	api.HandleFunc("/transactions/{id}/early-payment", h.GetEarlyPaymentOptions).Methods("GET")
	api.HandleFunc("/transactions/{id}/early-payment", h.SettleEarly).Methods("POST")
	api.HandleFunc("/merchants/{id}/discount-config", h.GetDiscountConfig).Methods("GET")
	api.HandleFunc("/merchants/{id}/discount-config", h.SaveDiscountConfig).Methods("PUT")
	api.HandleFunc("/merchants/{id}/settings", h.SaveMerchantSettings).Methods("PUT")
	api.HandleFunc("/merchants/{id}/onboard", h.OnboardMerchant).Methods("POST")

	// Admin routes
	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.AdminOnly)
	admin.HandleFunc("/transactions/{id}/schedule/repair", h.RepairSchedule).Methods("POST")
	admin.HandleFunc("/transactions/{id}/schedule/validate", h.ValidateSchedule).Methods("GET")
	admin.HandleFunc("/installments/{id}/retry", h.RetryInstallment).Methods("POST")
	admin.HandleFunc("/installments/{id}/capture", h.CaptureInstallment).Methods("POST")
	admin.HandleFunc("/admin/batches", h.RunBatch).Methods("POST")
	admin.HandleFunc("/admin/reconcile", h.ReconcileProcessing).Methods("POST")

	return r
}
