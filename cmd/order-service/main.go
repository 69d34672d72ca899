package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/cylinder-shop/internal/config"
	"github.com/vasiliy-maslov/cylinder-shop/internal/db"
	"github.com/vasiliy-maslov/cylinder-shop/internal/handler"
	"github.com/vasiliy-maslov/cylinder-shop/internal/logging"
	"github.com/vasiliy-maslov/cylinder-shop/internal/metrics"
	"github.com/vasiliy-maslov/cylinder-shop/internal/order"
	"github.com/vasiliy-maslov/cylinder-shop/internal/product"
	"github.com/vasiliy-maslov/cylinder-shop/internal/transport"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup(cfg.App.Name, cfg.App.Env, cfg.App.LogLevel)
	log.Info().Str("env", cfg.App.Env).Msg("Order service starting...")

	if err := db.ApplyMigrations(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	orderService := order.NewEngine(order.NewRepository(pg.Pool), order.WithRecorder(m))
	productService := product.NewService(product.NewRepository(pg.Pool))

	router := transport.NewRouter(transport.RouterDeps{
		Orders:         handler.NewOrderHandler(orderService),
		Products:       handler.NewProductHandler(productService),
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}
