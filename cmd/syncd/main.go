package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lanewaylabs/sessionsync/internal/backend"
	"github.com/lanewaylabs/sessionsync/internal/backend/queue"
	"github.com/lanewaylabs/sessionsync/internal/config"
	"github.com/lanewaylabs/sessionsync/internal/httpapi"
	"github.com/lanewaylabs/sessionsync/internal/observability"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

func main() {
	cfg := config.Load()
	log := observability.Logger().With("component", "syncd")

	db, err := backend.OpenDB(cfg.DBDSN)
	if err != nil {
		log.Error("db open failed", "err", err)
		os.Exit(1)
	}
	if err := backend.Migrate(db); err != nil {
		log.Error("db migrate failed", "err", err)
		os.Exit(1)
	}

	repo := backend.NewRepo(db)

	var presence backend.Presence
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		presence = backend.NewRedisPresence(rdb)
	} else {
		presence = backend.NewMemPresence()
	}

	bus := backend.NewBus()
	sink := backend.EventSink(bus)

	var pub *queue.Publisher
	if cfg.RabbitURL != "" {
		pub, err = queue.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			log.Error("rabbit publisher failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		sink = backend.MultiSink{bus, pub}
	}

	svc := backend.NewService(repo, presence, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RabbitURL != "" {
		consumer, err := queue.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, svc.Origin())
		if err != nil {
			log.Error("rabbit consumer failed", "err", err)
			os.Exit(1)
		}
		defer consumer.Close()
		// foreign instances' events join the local stream
		go consumer.Run(ctx, func(evt protocol.SessionEvent) {
			_ = bus.Publish(ctx, evt)
		})
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(svc, cfg),
	}

	go func() {
		log.Info("syncd listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("syncd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
}
