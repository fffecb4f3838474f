package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/metrics"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/repository"
	"github.com/unclebandit/mailcampaign/internal/runstate"
)

const (
	DefaultEmailsPerMinute = 10
	DefaultStaleAfter      = 15 * time.Minute
	DefaultInterval        = time.Minute
)

// Dispatcher moves due queue items to a terminal state, one batch per tick.
type Dispatcher struct {
	QueueRepo    repository.QueueRepositoryInterface
	CampaignRepo repository.CampaignRepositoryInterface
	Mailer       mailer.Mailer
	RunState     runstate.Store
	Config       config.DispatcherConfig
	Template     config.TemplateConfig
	Logger       logger.Logger
	Now          func() time.Time

	running atomic.Bool
}

// TickReport summarises one tick.
type TickReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	Recovered          int64         `json:"recovered"`
	Selected           int           `json:"selected"`
	Claimed            int           `json:"claimed"`
	Sent               int           `json:"sent"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped"`
	CampaignsCompleted int           `json:"campaigns_completed"`
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) log() logger.Logger {
	if d.Logger == nil {
		return logger.NewNoOpLogger()
	}
	return d.Logger
}

// BatchLimit is the per-cursor item limit for one tick.
func (d *Dispatcher) BatchLimit() int {
	if d.Config.EmailsPerMinute > 0 {
		return d.Config.EmailsPerMinute
	}
	return DefaultEmailsPerMinute
}

func (d *Dispatcher) staleAfter() time.Duration {
	if d.Config.StaleAfter > 0 {
		return d.Config.StaleAfter
	}
	return DefaultStaleAfter
}

// Tick recovers stuck items, sends one batch and completes the campaigns it
// touched. Failures are logged and counted; Tick itself never fails.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	start := d.now()
	report := TickReport{StartedAt: start}
	log := d.log()

	recovered, err := d.QueueRepo.RecoverStuck(ctx, start.Add(-d.staleAfter()), start)
	if err != nil {
		log.Error("stuck item recovery failed", map[string]interface{}{"error": err.Error()})
	} else if recovered > 0 {
		report.Recovered = recovered
		metrics.DispatchRecovered.Add(float64(recovered))
		log.Warn("reset stuck items to pending", map[string]interface{}{"count": recovered})
	}

	due := d.selectDue(ctx, start)
	report.Selected = len(due)

	touched := map[int64]bool{}
	for _, res := range d.process(ctx, due) {
		if res.claimed {
			report.Claimed++
		}
		switch res.outcome {
		case metrics.OutcomeSent:
			report.Sent++
		case metrics.OutcomeFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		metrics.DispatchItems.WithLabelValues(res.outcome).Inc()
		if res.claimed && res.campaignID != nil {
			touched[*res.campaignID] = true
		}
	}

	report.CampaignsCompleted = d.completeCampaigns(ctx, touched)

	finished := d.now()
	report.Duration = finished.Sub(start)
	metrics.DispatchTickDuration.Observe(report.Duration.Seconds())
	metrics.DispatchLastRun.Set(float64(finished.Unix()))
	if d.RunState != nil {
		if err := d.RunState.RecordLastRun(ctx, finished); err != nil {
			log.Warn("failed to record last run", map[string]interface{}{"error": err.Error()})
		}
	}

	log.Info("dispatch tick finished", map[string]interface{}{
		"recovered": report.Recovered,
		"selected":  report.Selected,
		"sent":      report.Sent,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"completed": report.CampaignsCompleted,
	})
	return report
}

// TryTick runs Tick unless another tick is already in progress in this
// process. The boolean reports whether a tick ran.
func (d *Dispatcher) TryTick(ctx context.Context) (TickReport, bool) {
	if !d.running.CompareAndSwap(false, true) {
		d.log().Debug("tick already running, skipping", nil)
		return TickReport{}, false
	}
	defer d.running.Store(false)
	return d.Tick(ctx), true
}

// Run ticks every interval and whenever a nudge arrives, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, nudges <-chan struct{}) error {
	if interval <= 0 {
		interval = d.Config.Interval
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log().Info("dispatcher started", map[string]interface{}{
		"interval": interval.String(),
		"batch":    d.BatchLimit(),
		"workers":  d.Config.Workers,
	})

	d.TryTick(ctx)
	d.recordNextRun(ctx, d.now().Add(interval))
	for {
		select {
		case <-ctx.Done():
			d.log().Info("dispatcher stopped", nil)
			return nil
		case <-ticker.C:
		case _, ok := <-nudges:
			if !ok {
				nudges = nil
				continue
			}
			d.log().Debug("dispatch nudge received", nil)
		}
		d.TryTick(ctx)
		d.recordNextRun(ctx, d.now().Add(interval))
	}
}

func (d *Dispatcher) recordNextRun(ctx context.Context, t time.Time) {
	if d.RunState == nil || ctx.Err() != nil {
		return
	}
	if err := d.RunState.RecordNextRun(ctx, t); err != nil {
		d.log().Warn("failed to record next run", map[string]interface{}{"error": err.Error()})
	}
}

// selectDue reads both cursors, each capped at the batch limit, and merges
// them in id order.
func (d *Dispatcher) selectDue(ctx context.Context, now time.Time) []*model.DueItem {
	limit := d.BatchLimit()
	var due []*model.DueItem

	subs, err := d.QueueRepo.DueSubscriberItems(ctx, now, limit)
	if err != nil {
		d.log().Error("subscriber cursor failed", map[string]interface{}{"error": err.Error()})
	}
	due = append(due, subs...)

	ext, err := d.QueueRepo.DueExternalItems(ctx, now, limit)
	if err != nil {
		d.log().Error("external cursor failed", map[string]interface{}{"error": err.Error()})
	}
	due = append(due, ext...)

	sort.SliceStable(due, func(i, j int) bool { return due[i].Item.ID < due[j].Item.ID })
	return due
}

func (d *Dispatcher) completeCampaigns(ctx context.Context, touched map[int64]bool) int {
	ids := make([]int64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	completed := 0
	for _, id := range ids {
		done, err := d.CampaignRepo.CompleteIfDone(ctx, id, d.now())
		if err != nil {
			d.log().Error("campaign completion check failed", map[string]interface{}{"campaign_id": id, "error": err.Error()})
			continue
		}
		if done {
			completed++
			metrics.CampaignsCompleted.Inc()
			d.log().Info("campaign completed", map[string]interface{}{"campaign_id": id})
		}
	}
	return completed
}

type itemResult struct {
	itemID     int64
	campaignID *int64
	claimed    bool
	outcome    string
}

// handle claims, renders and sends one item. A panic anywhere in here is
// recorded as a failure of that item only.
func (d *Dispatcher) handle(ctx context.Context, send func(context.Context, mailer.Message) mailer.Result, due *model.DueItem) (res itemResult) {
	item := due.Item
	res = itemResult{itemID: item.ID, campaignID: item.CampaignID, outcome: metrics.OutcomeSkipped}
	log := d.log().With(map[string]interface{}{"item_id": item.ID})

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during send: %v", r)
			log.Error("recovered from panic", map[string]interface{}{"panic": fmt.Sprint(r)})
			if err := d.QueueRepo.MarkFailed(ctx, item.ID, d.now(), msg); err != nil && !errors.Is(err, repository.ErrNoTransition) {
				log.Error("failed to record panic", map[string]interface{}{"error": err.Error()})
			}
			if res.claimed {
				res.outcome = metrics.OutcomeFailed
			}
		}
	}()

	if err := d.QueueRepo.Claim(ctx, item.ID, d.now()); err != nil {
		if !errors.Is(err, repository.ErrNotClaimed) {
			log.Error("claim failed", map[string]interface{}{"error": err.Error()})
		}
		return res
	}
	res.claimed = true

	if item.CampaignID != nil {
		if _, err := d.CampaignRepo.MarkProcessing(ctx, *item.CampaignID); err != nil {
			log.Warn("campaign status update failed", map[string]interface{}{"campaign_id": *item.CampaignID, "error": err.Error()})
		}
	}

	values := RecipientValues(due.Email, due.FirstName, due.LastName, due.Token, d.Template.UnsubscribeURL)
	result := send(ctx, mailer.Message{
		To:      due.Email,
		ToName:  values["recipient_name"],
		Subject: RenderTemplate(item.Subject, values),
		Body:    RenderTemplate(item.Body, values),
		BCC:     ParseBCC(item.BCC),
	})

	now := d.now()
	if result.OK {
		res.outcome = metrics.OutcomeSent
		if err := d.QueueRepo.MarkSent(ctx, item.ID, now); err != nil {
			log.Warn("sent but status not recorded", map[string]interface{}{"error": err.Error()})
		}
		return res
	}

	res.outcome = metrics.OutcomeFailed
	log.Warn("delivery failed", map[string]interface{}{"to": due.Email, "error": result.Error})
	if err := d.QueueRepo.MarkFailed(ctx, item.ID, now, result.Error); err != nil {
		log.Warn("failure not recorded", map[string]interface{}{"error": err.Error()})
	}
	return res
}
