// internal/controller/campaign_controller.go
package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/xeipuuv/gojsonschema"

	"github.com/unclebandit/mailcampaign/internal/config"
	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/handler"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/queue"
	"github.com/unclebandit/mailcampaign/internal/service"
)

const maxBodyBytes = 1 << 20

// CampaignController serves the mutating side of the admin API.
type CampaignController struct {
	CampaignService *service.CampaignService
	Mailer          mailer.Mailer
	Queue           queue.Queue
	Sender          config.SenderConfig
	Logger          logger.Logger
}

func (c *CampaignController) log() logger.Logger {
	if c.Logger == nil {
		return logger.NewNoOpLogger()
	}
	return c.Logger
}

// decode validates the body against schema and then unmarshals it into dst.
func (c *CampaignController) decode(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		handler.WriteError(w, c.log(), appErrors.NewValidationError("unreadable body: "+err.Error()))
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := validateBody(schema, body); err != nil {
		handler.WriteError(w, c.log(), err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		handler.WriteError(w, c.log(), appErrors.NewValidationError(err.Error()))
		return false
	}
	return true
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignRequest
	if !c.decode(w, r, createCampaignSchema, &body) {
		return
	}

	id, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	details, err := c.CampaignService.GetCampaign(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, details)
}

func (c *CampaignController) CreateOneTime(w http.ResponseWriter, r *http.Request) {
	var body service.OneTimeRequest
	if !c.decode(w, r, oneTimeSchema, &body) {
		return
	}

	id, err := c.CampaignService.CreateOneTime(r.Context(), body)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	item, err := c.CampaignService.GetQueueItem(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, item)
}

// PreviewMessage renders a subject/body pair the way a recipient with the
// given values would receive it.
func (c *CampaignController) PreviewMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string            `json:"subject"`
		Body    string            `json:"body"`
		Values  map[string]string `json:"values"`
	}
	if !c.decode(w, r, previewSchema, &body) {
		return
	}

	preview := c.CampaignService.PreviewMessage(body.Subject, body.Body, body.Values)
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rendered": preview,
		"is_html":  mailer.IsHTML(preview.Body),
	})
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	n, err := c.CampaignService.CancelCampaign(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":     id,
		"items_cancelled": n,
	})
}

func (c *CampaignController) CancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	if err := c.CampaignService.CancelQueueItem(r.Context(), id); err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	item, err := c.CampaignService.GetQueueItem(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, item)
}

// RequestDispatch asks the dispatcher for an immediate tick. The request is
// accepted once published; the tick itself runs asynchronously.
func (c *CampaignController) RequestDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := queue.RequestDispatch(c.Queue, "admin api")
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	c.log().Info("dispatch requested", map[string]interface{}{"request_id": req.ID})
	handler.WriteJSON(w, http.StatusAccepted, req)
}

// TestMailer sends a diagnostic message and returns the transport log. The
// recipient defaults to the configured sender address.
func (c *CampaignController) TestMailer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if !c.decode(w, r, mailerTestSchema, &body) {
		return
	}

	to := service.NormalizeEmail(body.To)
	if to == "" {
		to = service.NormalizeEmail(c.Sender.FromEmail)
	}
	if to == "" {
		handler.WriteError(w, c.log(), appErrors.NewValidationError("no test recipient given and no sender address configured"))
		return
	}

	res := c.Mailer.TestConnection(r.Context(), to)
	if !res.OK {
		c.log().Warn("mail delivery test failed", map[string]interface{}{"to": to, "error": res.Error})
	}
	handler.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"to":      to,
		"enabled": c.Mailer.IsEnabled(),
		"result":  res,
	})
}
