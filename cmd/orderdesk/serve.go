package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/orderdesk/internal/alert"
	"github.com/iurnickita/orderdesk/internal/auth"
	"github.com/iurnickita/orderdesk/internal/config"
	"github.com/iurnickita/orderdesk/internal/feed"
	"github.com/iurnickita/orderdesk/internal/handler"
	"github.com/iurnickita/orderdesk/internal/kitchen"
	"github.com/iurnickita/orderdesk/internal/logger"
	"github.com/iurnickita/orderdesk/internal/order"
	"github.com/iurnickita/orderdesk/internal/payment"
	"github.com/iurnickita/orderdesk/internal/payment/provider"
	"github.com/iurnickita/orderdesk/internal/store"
	"github.com/iurnickita/orderdesk/internal/telemetry"
	"github.com/iurnickita/orderdesk/internal/webhook"
)

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the alert scheduler and the order feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = zaplog.Sync() }()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMeter(shutdownCtx)
		_ = shutdownTracer(shutdownCtx)
	}()

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Лента заказов: без брокеров экземпляр работает один
	board := feed.NewBoard()
	var publisher feed.Publisher
	if len(cfg.Feed.Brokers) > 0 {
		pub := feed.NewKafkaPublisher(cfg.Feed)
		defer pub.Close()
		publisher = pub

		sub := feed.NewKafkaSubscriber(cfg.Feed, board, zaplog)
		defer sub.Close()
		g.Go(func() error {
			return sub.Run(ctx)
		})
	} else {
		zaplog.Info("order feed brokers are not configured, running single instance")
	}
	hub := feed.NewHub(board, publisher, zaplog)

	orders := order.NewService(st, hub, zaplog)

	client := provider.NewClient(cfg.Payment)
	orderReconciler := payment.NewOrderReconciler(st, client, hub, zaplog)
	subscriptionReconciler := payment.NewSubscriptionReconciler(cfg.Payment, st, client, zaplog)
	webhooks, err := webhook.NewHandler(cfg.Webhook, orderReconciler, subscriptionReconciler, zaplog)
	if err != nil {
		return err
	}

	var gate kitchen.Gate
	sessions, err := kitchen.NewSessionManager(cfg.Kitchen)
	switch {
	case errors.Is(err, kitchen.ErrSessionNotConfigured):
		zaplog.Warn("kitchen session secret is not configured, kitchen unlock is disabled")
	case err != nil:
		return err
	default:
		rdb, err := kitchen.NewRedisClient(ctx, cfg.Kitchen.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		gate = kitchen.NewGate(st, kitchen.NewRateLimiter(cfg.Kitchen, rdb), zaplog)
	}

	scheduler := alert.NewScheduler(cfg.Alert, board, zaplog)
	g.Go(func() error {
		if err := scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	router := handler.NewRouter(handler.Services{
		Auth:          auth.NewAuth(gate, sessions, cfg.Handler.TenantHeader, zaplog),
		Orders:        orders,
		Subscriptions: subscriptionReconciler,
		Webhooks:      webhooks,
		Scheduler:     scheduler,
		Board:         board,
		Metrics:       metricsHandler,
		Health:        st.Ping,
	}, zaplog)

	g.Go(func() error {
		return handler.Serve(ctx, cfg.Handler, router, zaplog)
	})

	err = g.Wait()
	zaplog.Info("orderdesk stopped", zap.Error(err))
	return err
}
