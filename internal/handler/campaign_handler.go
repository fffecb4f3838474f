// internal/handler/campaign_handler.go
package handler

import (
	"net/http"

	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/runstate"
	"github.com/unclebandit/mailcampaign/internal/service"
)

// CampaignHandler serves the read-only side of the admin API.
type CampaignHandler struct {
	Service  *service.CampaignService
	RunState runstate.Store
	Logger   logger.Logger
}

func NewCampaignHandler(svc *service.CampaignService, rs runstate.Store, log logger.Logger) *CampaignHandler {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &CampaignHandler{Service: svc, RunState: rs, Logger: log}
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(),
		intQuery(r, "page"), intQuery(r, "page_size"), r.URL.Query().Get("status"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaignHandler returns a single campaign with its per-status counts.
func (h *CampaignHandler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	details, err := h.Service.GetCampaign(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

func (h *CampaignHandler) ListQueueItemsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	items, pagination, err := h.Service.ListQueueItems(r.Context(), id,
		r.URL.Query().Get("status"), intQuery(r, "page"), intQuery(r, "page_size"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       items,
		"pagination": pagination,
	})
}

func (h *CampaignHandler) QueueStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.QueueStats(r.Context())
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *CampaignHandler) GetQueueItemHandler(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	item, err := h.Service.GetQueueItem(r.Context(), id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// DispatcherStatusHandler reports when the dispatcher last ran and when it
// expects to run next. Either is omitted until a dispatcher has recorded it.
func (h *CampaignHandler) DispatcherStatusHandler(w http.ResponseWriter, r *http.Request) {
	if h.RunState == nil {
		WriteJSON(w, http.StatusOK, runstate.State{})
		return
	}

	state, err := h.RunState.Snapshot(r.Context())
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, state)
}
