package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"order-dispatch-service/internal/entity"
)

func Routes(h *Handler, workerCreds map[entity.Family][]string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// public: holding a valid signed token (or a payment ref) is the
		// only credential on this surface
		r.Post("/orders", h.CreateOrder)
		r.Post("/jobs/redeem", h.RedeemJob)
		r.Post("/webhooks/payment", h.PaymentWebhook)
		r.Get("/jobs/{id}", h.GetJob)

		// worker surface: separate bearer credential per family
		r.Group(func(r chi.Router) {
			r.Use(WorkerAuth(workerCreds))
			r.Post("/worker/pick", h.PickJob)
			r.Post("/worker/progress", h.ProgressJob)
			r.Post("/worker/complete", h.CompleteJob)
			r.Get("/queues/{family}", h.QueueStats)
			r.Get("/jobs/archive", h.ListArchive)
			r.Get("/debug/config", h.DebugConfig)
		})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
