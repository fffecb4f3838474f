package service

import (
	"context"
	"sync"

	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/model"
)

// sendWorker processes due items from a job channel over one lazily opened
// mailer session.
type sendWorker struct {
	d       *Dispatcher
	jobs    <-chan *model.DueItem
	results chan<- itemResult
	session mailer.Session
}

// Start begins processing jobs
func (w *sendWorker) Start(ctx context.Context) {
	defer w.close()
	for due := range w.jobs {
		w.results <- w.d.handle(ctx, w.send, due)
	}
}

func (w *sendWorker) send(ctx context.Context, msg mailer.Message) mailer.Result {
	if w.session == nil {
		s, err := w.d.Mailer.Open(ctx)
		if err != nil {
			return mailer.Result{Error: "connect: " + err.Error()}
		}
		w.session = s
	}
	return w.session.Send(ctx, msg)
}

func (w *sendWorker) close() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.d.log().Debug("closing mailer session", map[string]interface{}{"error": err.Error()})
	}
	w.session = nil
}

// process fans due items out to Config.Workers workers (one by default).
// Items already handed to a worker finish even if ctx is cancelled; the
// rest stay pending for the next tick.
func (d *Dispatcher) process(ctx context.Context, due []*model.DueItem) []itemResult {
	if len(due) == 0 {
		return nil
	}
	workers := d.Config.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	itemCtx := context.WithoutCancel(ctx)
	jobs := make(chan *model.DueItem)
	results := make(chan itemResult, len(due))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		w := &sendWorker{d: d, jobs: jobs, results: results}
		go func() {
			defer wg.Done()
			w.Start(itemCtx)
		}()
	}

feed:
	for _, item := range due {
		select {
		case jobs <- item:
		case <-ctx.Done():
			d.log().Warn("tick interrupted, leaving remaining items pending", nil)
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]itemResult, 0, len(due))
	for r := range results {
		out = append(out, r)
	}
	return out
}
