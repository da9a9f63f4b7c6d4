/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    Structured access log (zap)
  4. Metrics:    Prometheus request counter and latency histogram
  5. CORS:       Cross-origin requests from the mini-app

ROUTE GROUPS:
  /api/users/{id}/*     Per-user operations (TelegramAuth)
  /api/tasks            Task catalog
  /api/referrals        Referral recording (TelegramAuth, signer = referee)
  /api/admin/*          Admin operations (AdminAuth)
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: TelegramAuth and AdminAuth
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/metrics"
)

// RouterConfig carries the settings the router needs beyond the handler.
type RouterConfig struct {
	AllowedOrigins []string
	BotToken       string
	MaxAuthAge     time.Duration
	AdminToken     string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Logger))
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderInitData, HeaderAdminToken},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Use(TelegramAuth(cfg.BotToken, cfg.MaxAuthAge))

			r.Get("/", h.GetUser)
			r.Post("/ads/claim", h.ClaimAd)
			r.Post("/tasks/{taskID}/complete", h.CompleteTask)
			r.Get("/referrals", h.GetReferrals)
			r.Get("/wallet", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Get("/withdrawals", h.ListUserWithdrawals)
		})

		r.Get("/tasks", h.ListTasks)

		// The signed user must be the referee being linked.
		r.With(TelegramAuth(cfg.BotToken, cfg.MaxAuthAge)).Post("/referrals", h.RecordReferral)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuth(cfg.AdminToken))

			r.Get("/users", h.ListUsers)
			r.Get("/withdrawals", h.ListWithdrawals)
			r.Get("/withdrawals/pending", h.ListPendingWithdrawals)
			r.Post("/withdrawals/{id}/decision", h.DecideWithdrawal)
			r.Post("/tasks", h.CreateTask)
			r.Post("/reconcile", h.Reconcile)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// requestMetrics labels by route pattern, not raw path, to bound cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		metrics.ResponseTimeHistogram.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
