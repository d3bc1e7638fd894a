package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"keynet-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *LifecycleHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Post("/v1/master-keys", h.CreateMasterKey)

	r.Route("/v1/entities/{class}/{entity_id}/keys", func(r chi.Router) {
		r.Post("/", h.CreateSubKey)
		r.Get("/", h.ListKeys)
		r.Post("/rotate", h.RotateKey)
	})

	r.Route("/v1/subkeys/{key_id}", func(r chi.Router) {
		r.Post("/import", h.RetryImport)
		r.Get("/verify", h.VerifyKey)
	})

	r.Get("/v1/token/health", h.TokenHealth)

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
