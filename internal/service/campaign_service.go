// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/mailcampaign/internal/config"
	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/repository"
)

// CancelledByAdmin is the error message stored on items cancelled through
// the control API.
const CancelledByAdmin = "Cancelled by administrator"

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	QueueRepo    repository.QueueRepositoryInterface
	Resolver     *RecipientResolver
	Scheduler    *Scheduler
	Mailer       mailer.Mailer
	Template     config.TemplateConfig
	Logger       logger.Logger
	Now          func() time.Time
}

type CreateCampaignRequest struct {
	Subject       string              `json:"subject"`
	Body          string              `json:"body"`
	ListIDs       []int64             `json:"list_ids,omitempty"`
	SubscriberIDs []int64             `json:"subscriber_ids,omitempty"`
	Sources       []string            `json:"sources,omitempty"`
	External      []ExternalRecipient `json:"external,omitempty"`
	BCC           string              `json:"bcc,omitempty"`
	Schedule      Schedule            `json:"schedule"`
}

type OneTimeRequest struct {
	RecipientEmail string   `json:"recipient_email"`
	RecipientName  string   `json:"recipient_name,omitempty"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	Schedule       Schedule `json:"schedule"`
	Immediate      bool     `json:"immediate"`
}

// CampaignDetails is a campaign together with its per-status item counts.
type CampaignDetails struct {
	*model.Campaign
	Stats model.QueueStats `json:"stats"`
}

type Preview struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) log() logger.Logger {
	if s.Logger == nil {
		return logger.NewNoOpLogger()
	}
	return s.Logger
}

// ====================== Creation ======================

// CreateCampaign resolves the recipients and stores the campaign with one
// pending queue item per recipient. Nothing is persisted when validation or
// resolution fails.
func (s *CampaignService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (int64, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" || strings.TrimSpace(req.Body) == "" {
		return 0, appErrors.NewValidationError("subject and body are required")
	}

	recipients, err := s.Resolver.Resolve(ctx, RecipientRequest{
		SubscriberIDs: req.SubscriberIDs,
		ListIDs:       req.ListIDs,
		Sources:       req.Sources,
		External:      req.External,
	})
	if err != nil {
		return 0, err
	}

	now := s.now()
	scheduledAt := s.Scheduler.Resolve(req.Schedule)
	body := Compose(s.Template.Header, req.Body, s.Template.Footer)
	bcc := strings.Join(ParseBCC(req.BCC), ", ")

	c := &model.Campaign{
		Subject:        subject,
		Body:           body,
		ListRefs:       req.ListIDs,
		Kind:           model.KindCampaign,
		RecipientCount: len(recipients),
		Status:         model.CampaignPending,
		BCC:            bcc,
		ScheduledAt:    scheduledAt,
		CreatedAt:      now,
	}

	items := make([]*model.QueueItem, 0, len(recipients))
	for _, r := range recipients {
		items = append(items, &model.QueueItem{
			Recipient:   r.Ref(),
			Subject:     subject,
			Body:        body,
			BCC:         bcc,
			Status:      model.QueuePending,
			ScheduledAt: scheduledAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.CampaignRepo.CreateWithItems(ctx, c, items); err != nil {
		return 0, fmt.Errorf("create campaign: %w", err)
	}

	s.log().Info("campaign queued", map[string]interface{}{
		"campaign_id":  c.ID,
		"recipients":   c.RecipientCount,
		"scheduled_at": scheduledAt,
	})
	return c.ID, nil
}

// CreateOneTime queues a single message and returns its queue item id. With
// Immediate set the message is sent before returning and stored already
// terminal; a delivery failure is recorded on the item, not returned.
func (s *CampaignService) CreateOneTime(ctx context.Context, req OneTimeRequest) (int64, error) {
	email := NormalizeEmail(req.RecipientEmail)
	if !validEmail(email) {
		return 0, appErrors.NewValidationError("a valid recipient email is required")
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" || strings.TrimSpace(req.Body) == "" {
		return 0, appErrors.NewValidationError("subject and body are required")
	}

	first, last := SplitName(req.RecipientName)
	recipients, err := s.Resolver.Resolve(ctx, RecipientRequest{
		External: []ExternalRecipient{{Email: email, FirstName: first, LastName: last}},
	})
	if err != nil {
		return 0, err
	}
	r := recipients[0]

	now := s.now()
	body := Compose(s.Template.Header, req.Body, s.Template.Footer)
	c := &model.Campaign{
		Subject:        subject,
		Body:           body,
		Kind:           model.KindOneTime,
		RecipientCount: 1,
		Status:         model.CampaignPending,
		CreatedAt:      now,
	}
	item := &model.QueueItem{
		Recipient: r.Ref(),
		Subject:   subject,
		Body:      body,
		Status:    model.QueuePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Immediate {
		// Stored already claimed; the dispatcher never selects it.
		c.ScheduledAt, item.ScheduledAt = now, now
		c.Status = model.CampaignProcessing
		item.Status = model.QueueProcessing
		item.Attempts = 1
	} else {
		scheduledAt := s.Scheduler.Resolve(req.Schedule)
		c.ScheduledAt, item.ScheduledAt = scheduledAt, scheduledAt
	}

	if err := s.CampaignRepo.CreateWithItems(ctx, c, []*model.QueueItem{item}); err != nil {
		return 0, fmt.Errorf("create one-time message: %w", err)
	}

	if req.Immediate {
		s.sendImmediately(ctx, r, c, item)
	}

	s.log().Info("one-time message stored", map[string]interface{}{
		"campaign_id": c.ID,
		"item_id":     item.ID,
		"status":      item.Status,
	})
	return item.ID, nil
}

// sendImmediately delivers a stored, processing one-time item and records
// the outcome. A failed terminal write is logged with the message id and
// leaves the item processing.
func (s *CampaignService) sendImmediately(ctx context.Context, r ResolvedRecipient, c *model.Campaign, item *model.QueueItem) {
	values := RecipientValues(r.Email, r.FirstName, r.LastName, r.Token, s.Template.UnsubscribeURL)
	res := s.Mailer.Send(ctx, mailer.Message{
		To:      r.Email,
		ToName:  values["recipient_name"],
		Subject: RenderTemplate(item.Subject, values),
		Body:    RenderTemplate(item.Body, values),
	})

	// The outcome is recorded even if the request was cancelled mid-send.
	writeCtx := context.WithoutCancel(ctx)
	now := s.now()
	var err error
	if res.OK {
		err = s.QueueRepo.MarkSent(writeCtx, item.ID, now)
	} else {
		s.log().Warn("one-time send failed", map[string]interface{}{"to": r.Email, "error": res.Error})
		err = s.QueueRepo.MarkFailed(writeCtx, item.ID, now, res.Error)
	}
	if err != nil {
		s.log().Error("failed to record one-time outcome", map[string]interface{}{
			"item_id":    item.ID,
			"sent":       res.OK,
			"message_id": res.MessageID,
			"error":      err.Error(),
		})
		return
	}
	if res.OK {
		item.Status, item.SentAt = model.QueueSent, &now
	} else {
		item.Status, item.ErrorMessage = model.QueueFailed, res.Error
	}

	if _, err := s.CampaignRepo.CompleteIfDone(writeCtx, c.ID, now); err != nil {
		s.log().Error("failed to complete one-time campaign", map[string]interface{}{"campaign_id": c.ID, "error": err.Error()})
	}
}

// ====================== Control ======================

// CancelQueueItem cancels a pending or processing item and completes its
// campaign when nothing else is in flight.
func (s *CampaignService) CancelQueueItem(ctx context.Context, id int64) error {
	now := s.now()
	err := s.QueueRepo.Cancel(ctx, id, now, CancelledByAdmin)
	if errors.Is(err, repository.ErrNoTransition) {
		item, getErr := s.QueueRepo.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return appErrors.NewNotCancellable("queue item", id, string(item.Status))
	}
	if err != nil {
		return fmt.Errorf("cancel queue item %d: %w", id, err)
	}

	item, err := s.QueueRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item.CampaignID != nil {
		if _, err := s.CampaignRepo.CompleteIfDone(ctx, *item.CampaignID, now); err != nil {
			s.log().Warn("completion check failed", map[string]interface{}{"campaign_id": *item.CampaignID, "error": err.Error()})
		}
	}

	s.log().Info("queue item cancelled", map[string]interface{}{"item_id": id})
	return nil
}

// CancelCampaign cancels the campaign and every item still in flight. It
// returns the number of items cancelled.
func (s *CampaignService) CancelCampaign(ctx context.Context, id int64) (int64, error) {
	n, err := s.CampaignRepo.Cancel(ctx, id, s.now(), CancelledByAdmin)
	if errors.Is(err, repository.ErrNoTransition) {
		c, getErr := s.CampaignRepo.GetByID(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		return 0, appErrors.NewNotCancellable("campaign", id, string(c.Status))
	}
	if err != nil {
		return 0, fmt.Errorf("cancel campaign %d: %w", id, err)
	}

	s.log().Info("campaign cancelled", map[string]interface{}{"campaign_id": id, "items_cancelled": n})
	return n, nil
}

// ====================== Reporting ======================

func (s *CampaignService) QueueStats(ctx context.Context) (model.QueueStats, error) {
	return s.QueueRepo.Stats(ctx)
}

func (s *CampaignService) GetCampaign(ctx context.Context, id int64) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

func (s *CampaignService) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	return s.QueueRepo.GetByID(ctx, id)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]*CampaignDetails, map[string]int, error) {
	if status != "" && !validCampaignStatus(status) {
		return nil, nil, appErrors.NewValidationError(fmt.Sprintf("unknown campaign status %q", status))
	}
	page, pageSize, offset := normalizePage(page, pageSize)

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	details := make([]*CampaignDetails, 0, len(campaigns))
	for _, c := range campaigns {
		stats, err := s.CampaignRepo.GetCampaignStats(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
		details = append(details, &CampaignDetails{Campaign: c, Stats: stats})
	}
	return details, paginationMeta(page, pageSize, total), nil
}

func (s *CampaignService) ListQueueItems(ctx context.Context, campaignID int64, status string, page, pageSize int) ([]*model.QueueItem, map[string]int, error) {
	if status != "" && !validQueueStatus(status) {
		return nil, nil, appErrors.NewValidationError(fmt.Sprintf("unknown queue status %q", status))
	}
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := normalizePage(page, pageSize)

	items, total, err := s.QueueRepo.ListByCampaign(ctx, campaignID, status, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return items, paginationMeta(page, pageSize, total), nil
}

// PreviewMessage renders subject and body, wrapped in the global header and
// footer, for the given recipient values.
func (s *CampaignService) PreviewMessage(subject, body string, values map[string]string) Preview {
	return Preview{
		Subject: RenderTemplate(subject, values),
		Body:    RenderTemplate(Compose(s.Template.Header, body, s.Template.Footer), values),
	}
}

// ====================== helpers ======================

// SplitName splits a display name into first name and the rest.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// ParseBCC splits a comma or semicolon separated address list and keeps the
// valid, distinct addresses.
func ParseBCC(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		addr := NormalizeEmail(part)
		if !validEmail(addr) || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func paginationMeta(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

func validCampaignStatus(status string) bool {
	switch model.CampaignStatus(status) {
	case model.CampaignPending, model.CampaignProcessing, model.CampaignCompleted, model.CampaignCancelled:
		return true
	}
	return false
}

func validQueueStatus(status string) bool {
	switch model.QueueStatus(status) {
	case model.QueuePending, model.QueueProcessing, model.QueueSent, model.QueueFailed, model.QueueCancelled:
		return true
	}
	return false
}
