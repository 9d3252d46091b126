// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/inboxsync/internal/middleware"
)

// RouterDeps はルーター構築に必要な依存関係をまとめる。
type RouterDeps struct {
	Sync            SyncService
	Users           UserStoreService
	Fetcher         ItemFetcher
	RefreshRecorder RefreshRecorder
	HealthChecker   HealthChecker

	// MetricsHandler がnilの場合、/metricsは登録しない。
	MetricsHandler http.Handler
	StatusRecorder middleware.StatusRecorder
	// RateLimiter がnilの場合、同期APIのレート制限を行わない。
	RateLimiter *middleware.RateLimiter

	JWTSecret         []byte
	JWTIssuer         string
	InternalToken     string
	CORSAllowedOrigin string
	Logger            *slog.Logger
}

// NewRouter はアプリケーションのルーターを構築する。
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	health := NewHealthHandler(deps.HealthChecker)
	r.Get("/health", health.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	if deps.Sync != nil {
		syncHandler := NewSyncHandler(deps.Sync)
		r.Route("/api/replicache", func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.JWTSecret, deps.JWTIssuer))
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/push", syncHandler.Push)
			r.Get("/pull", syncHandler.Pull)
			r.Post("/pull", syncHandler.Pull)
		})
	}

	if deps.Users != nil {
		internal := NewInternalHandler(deps.Users, deps.Fetcher, deps.RefreshRecorder, logger)
		r.Route("/internal/users/{userID}", func(r chi.Router) {
			r.Use(middleware.NewInternalAuthMiddleware(deps.InternalToken))
			r.Post("/sources", internal.CreateSource)
			r.Get("/sources", internal.ListSources)
			r.Delete("/sources/{sourceID}", internal.DeleteSource)
			r.Post("/sources/{sourceID}/ingest", internal.Ingest)
			r.Post("/sources/{sourceID}/refresh", internal.Refresh)
			r.Post("/identity-events", internal.IdentityEvent)
			r.Get("/schema", internal.Schema)
		})
	}

	return r
}
