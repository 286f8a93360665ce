package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jcmexdev/pos-checkout/internal/checkout-api/infra/httpx/middlewares"
	"github.com/jcmexdev/pos-checkout/internal/pkg/interceptors"
	"github.com/jcmexdev/pos-checkout/internal/pkg/metrics"
)

type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Metrics        *metrics.ServerMetrics // nil disables request metrics
	MetricsHandler http.Handler           // served on /metrics when set
}

func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(interceptors.HTTPRequestContext)
	r.Use(middlewares.Tracing)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewares.Metrics(cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", headerReplayed},
		MaxAge:         300,
	}))
	r.Use(answerOptions)

	r.Get("/health", handler.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Post("/checkout", handler.Checkout)
		r.Get("/sales/{id}", handler.GetSale)
		r.Get("/checkouts/{id}", handler.GetCheckoutStatus)
		r.Get("/checkouts/{id}/log", handler.GetCheckoutLog)
	})
	return r
}

// answerOptions ends any OPTIONS request the CORS handler let through with an
// empty 200, whatever the path.
func answerOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
