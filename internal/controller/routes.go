package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/mailcampaign/internal/handler"
)

// NewRouter wires the admin API routes.
func NewRouter(c *CampaignController, h *handler.CampaignHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Campaign routes
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", h.ListCampaignsHandler)
	r.Post("/campaigns/preview", c.PreviewMessage)
	r.Get("/campaigns/{id}", h.GetCampaignHandler)
	r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
	r.Get("/campaigns/{id}/queue", h.ListQueueItemsHandler)

	r.Post("/one-time", c.CreateOneTime)

	// Queue routes
	r.Get("/queue/stats", h.QueueStatsHandler)
	r.Get("/queue/{id}", h.GetQueueItemHandler)
	r.Post("/queue/{id}/cancel", c.CancelQueueItem)

	r.Get("/dispatcher/status", h.DispatcherStatusHandler)
	r.Post("/dispatcher/run", c.RequestDispatch)
	r.Post("/mailer/test", c.TestMailer)

	r.Handle("/metrics", promhttp.Handler())
	return r
}
