// Package app wires the configured infrastructure into the campaign service
// and the dispatcher. The server and dispatcher commands share it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/db"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/mailer"
	"github.com/unclebandit/mailcampaign/internal/queue"
	"github.com/unclebandit/mailcampaign/internal/repository"
	"github.com/unclebandit/mailcampaign/internal/runstate"
	"github.com/unclebandit/mailcampaign/internal/service"
)

type App struct {
	Config     *config.Config
	Logger     logger.Logger
	DB         *sql.DB
	Mailer     *mailer.Client
	RunState   runstate.Store
	Nudges     queue.Queue
	Service    *service.CampaignService
	Dispatcher *service.Dispatcher

	closers []func() error
}

// Build connects to Postgres, the optional redis and AMQP brokers and the
// mail relay. On error everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (a *App, err error) {
	a = &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.DB, err = db.Open(ctx, cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)

	a.Mailer, err = mailer.New(ctx, cfg.Mailer, cfg.Sender, cfg.Secrets, log.With(map[string]interface{}{"component": "mailer"}))
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}

	var closeFn func() error
	a.RunState, closeFn, err = NewRunState(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeFn)

	a.Nudges, closeFn, err = NewNudgeQueue(cfg.AMQP, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeFn)

	campaignRepo := &repository.CampaignRepository{DB: a.DB}
	queueRepo := &repository.QueueRepository{DB: a.DB}
	subscriberRepo := &repository.SubscriberRepository{DB: a.DB}

	a.Service = &service.CampaignService{
		CampaignRepo: campaignRepo,
		QueueRepo:    queueRepo,
		Resolver: &service.RecipientResolver{
			SubscriberRepo: subscriberRepo,
			Sources:        service.NewSourceRegistry(service.StaticSourcesFromConfig(cfg.Sources)...),
			Logger:         log.With(map[string]interface{}{"component": "resolver"}),
		},
		Scheduler: &service.Scheduler{DefaultTimezone: cfg.App.Timezone},
		Mailer:    a.Mailer,
		Template:  cfg.Template,
		Logger:    log.With(map[string]interface{}{"component": "campaigns"}),
	}
	a.Dispatcher = &service.Dispatcher{
		QueueRepo:    queueRepo,
		CampaignRepo: campaignRepo,
		Mailer:       a.Mailer,
		RunState:     a.RunState,
		Config:       cfg.Dispatcher,
		Template:     cfg.Template,
		Logger:       log.With(map[string]interface{}{"component": "dispatcher"}),
	}
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.Logger != nil {
			a.Logger.Warn("close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}

// NewRunState returns the redis-backed store when redis is enabled and an
// in-process one otherwise.
func NewRunState(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (runstate.Store, func() error, error) {
	if !cfg.Enabled {
		log.Info("redis disabled, dispatcher run state is kept in memory", nil)
		return runstate.NewMemoryStore(), func() error { return nil }, nil
	}
	client, err := runstate.NewRedisClient(ctx, cfg.Address, cfg.Password, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to redis", map[string]interface{}{"address": cfg.Address})
	return runstate.NewRedisStore(client, runstate.DefaultPrefix), client.Close, nil
}

// NewNudgeQueue returns the RabbitMQ queue when AMQP is enabled and an
// in-process queue otherwise. Without AMQP a nudge only reaches a
// dispatcher running in the same process.
func NewNudgeQueue(cfg config.AMQPConfig, log logger.Logger) (queue.Queue, func() error, error) {
	if !cfg.Enabled {
		log.Info("amqp disabled, dispatch requests stay in process", nil)
		return queue.NewInMemoryQueue(log), func() error { return nil }, nil
	}
	q, err := queue.DialAMQP(cfg.URL, log.With(map[string]interface{}{"component": "amqp"}))
	if err != nil {
		return nil, nil, err
	}
	q.Route(queue.DispatchTopic, cfg.Queue)
	log.Info("connected to rabbitmq", map[string]interface{}{"queue": cfg.Queue})
	return q, q.Close, nil
}
