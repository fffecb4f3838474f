// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/mailcampaign/internal/app"
	"github.com/unclebandit/mailcampaign/internal/config"
	"github.com/unclebandit/mailcampaign/internal/controller"
	"github.com/unclebandit/mailcampaign/internal/db"
	"github.com/unclebandit/mailcampaign/internal/handler"
	"github.com/unclebandit/mailcampaign/internal/logger"
	"github.com/unclebandit/mailcampaign/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewStructured("info", "console").Error("failed to load config", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format).With(map[string]interface{}{"app": cfg.App.Name})

	if err := run(cfg, log); err != nil {
		log.Error("server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := db.Migrate(ctx, a.DB)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		log.Info("applied migrations", map[string]interface{}{"versions": applied})
	}

	// Without a broker nobody else can hear a nudge, so the server ticks the
	// dispatcher itself.
	if !cfg.AMQP.Enabled {
		nudges := make(chan struct{}, 1)
		if err := queue.StartDispatchSubscriber(a.Nudges, nudges, log); err != nil {
			return err
		}
		go func() {
			_ = a.Dispatcher.Run(ctx, cfg.Dispatcher.Interval, nudges)
		}()
	}

	campaignController := &controller.CampaignController{
		CampaignService: a.Service,
		Mailer:          a.Mailer,
		Queue:           a.Nudges,
		Sender:          cfg.Sender,
		Logger:          log.With(map[string]interface{}{"component": "http"}),
	}
	campaignHandler := handler.NewCampaignHandler(a.Service, a.RunState, log.With(map[string]interface{}{"component": "http"}))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           controller.NewRouter(campaignController, campaignHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server running", map[string]interface{}{"addr": cfg.Server.Addr, "mail_transport": a.Mailer.TransportName()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
