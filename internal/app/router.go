package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/finflow-jobs/internal/config"
)

// BuildRouter constructs the admin HTTP handler with all middlewares and
// routes. Mutating endpoints are rate limited per client IP.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(AccessLog())

	r.Get("/healthz", srv.Healthz())
	r.Get("/readyz", srv.Readyz())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	r.Route("/admin", func(ar chi.Router) {
		ar.Get("/queues", srv.ListQueues())
		ar.Get("/queues/{name}", srv.QueueDetail())
		ar.Get("/dlq", srv.ListDeadLetters())
		ar.Get("/dlq/stats", srv.DeadLetterStats())

		ar.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.AdminRateLimitPerMin, time.Minute))
			wr.Post("/queues/{name}/pause", srv.PauseQueue())
			wr.Post("/queues/{name}/resume", srv.ResumeQueue())
			wr.Post("/queues/{name}/clear", srv.ClearQueue())
			wr.Post("/queues/{name}/retry-failed", srv.RetryFailed())
			wr.Post("/dlq/{id}/retry", srv.RetryDeadLetter())
			wr.Post("/dlq/queue/{name}/retry", srv.RetryDeadLettersByQueue())
			wr.Post("/dlq/prune", srv.PruneDeadLetters())
			wr.Post("/dlq/clear", srv.ClearDeadLetters())
		})
	})

	return otelhttp.NewHandler(SecurityHeaders(r), "admin-http")
}
