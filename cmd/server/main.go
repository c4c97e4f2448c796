package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrymomot/foundation/core/config"
	"github.com/dmitrymomot/foundation/core/logger"
	"github.com/dmitrymomot/foundation/core/response"
	"github.com/dmitrymomot/foundation/core/router"
	"github.com/dmitrymomot/foundation/core/server"
	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"github.com/dmitrymomot/pubsub/api"
	"github.com/dmitrymomot/pubsub/broker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg Config
	config.MustLoad(&cfg)

	log := logger.New(logger.WithProduction(cfg.AppName))

	br := broker.New(cfg.Broker, broker.WithLogger(log.With(logger.Component("broker"))))

	r := router.New[*router.Context](
		router.WithLogger[*router.Context](log),
		router.WithErrorHandler[*router.Context](response.JSONErrorHandler[*router.Context]),
	)

	// WebSocket endpoint does its own admission so it can answer with a
	// transport close code instead of an HTTP status.
	streamHandler := api.Stream(br, cfg.APIKeys, log.With(logger.Component("ws")))
	r.Get("/ws", streamHandler)
	r.Get("/ws/", streamHandler)

	r.Group(func(rest router.Router[*router.Context]) {
		rest.Use(api.RequireAPIKey[*router.Context](cfg.APIKeys))

		createTopic := api.CreateTopic(br)
		listTopics := api.ListTopics(br)
		deleteTopic := api.DeleteTopic(br)
		health := api.Health(br, cfg.Version)
		stats := api.Stats(br)
		shutdown := api.Shutdown(br)

		rest.Post("/topics", createTopic)
		rest.Post("/topics/", createTopic)
		rest.Get("/topics", listTopics)
		rest.Get("/topics/", listTopics)
		rest.Delete("/topics/{name}", deleteTopic)
		rest.Delete("/topics/{name}/", deleteTopic)
		rest.Get("/health", health)
		rest.Get("/health/", health)
		rest.Get("/stats", stats)
		rest.Get("/stats/", stats)
		rest.Post("/shutdown", shutdown)
		rest.Post("/shutdown/", shutdown)
	})

	srv, err := server.NewFromConfig(cfg.Server, server.WithLogger(log.With(logger.Component("server"))))
	if err != nil {
		log.Error("failed to create server", logger.Component("server"), logger.Error(err))
		os.Exit(1)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Run(ctx, r) })
	eg.Go(func() error {
		<-ctx.Done()

		// Signal-triggered shutdown; a nested call is a no-op when the REST
		// surface already started the drain.
		_ = br.BeginShutdown(cfg.Broker.ShutdownTimeout)
		select {
		case <-br.Done():
		case <-time.After(cfg.Broker.ShutdownTimeout + 5*time.Second):
			log.Warn("broker drain did not finish in time")
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}
