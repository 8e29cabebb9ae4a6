// Command server runs the Hydra gateway: an OpenAI-compatible API that
// multiplexes a pool of Gemini API credentials behind one endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"hydra-go/internal/accesstoken"
	"hydra-go/internal/config"
	"hydra-go/internal/credential"
	"hydra-go/internal/executor"
	"hydra-go/internal/logging"
	"hydra-go/internal/monitor"
	"hydra-go/internal/ratelimit"
	"hydra-go/internal/router"
	"hydra-go/internal/server"
	"hydra-go/internal/stats"
	"hydra-go/internal/storage"
	"hydra-go/internal/upstream/gemini"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := config.Load(*configPath)
	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging setup: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *configPath); err != nil {
		log.WithError(err).Fatal("gateway exited")
	}
}

func run(cfg *config.Config, configPath string) error {
	store, err := storage.New(cfg.RedisURL, cfg.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.HealthCheck(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	registry := credential.NewRegistry(store)
	accountant := ratelimit.NewAccountant(store)
	statsSvc := stats.NewService(store)
	tokens := accesstoken.NewService(store)
	client := gemini.NewClient(cfg.GeminiBaseURL)

	selector := router.NewSelector(registry, accountant, router.Weights{
		Health:   cfg.HealthWeight,
		Capacity: cfg.CapacityWeight,
	})
	exec := executor.New(selector, registry, accountant, statsSvc, cfg.MaxAttempts, cfg.FallbackEnabled)

	mon := monitor.New(registry, accountant, statsSvc, client)
	mon.Start(ctx)

	stopWatch := config.Watch(configPath, func(fresh *config.Config) {
		if err := logging.Setup(fresh); err != nil {
			log.WithError(err).Warn("applying reloaded log settings failed")
		}
		selector.SetWeights(router.Weights{
			Health:   fresh.HealthWeight,
			Capacity: fresh.CapacityWeight,
		})
		log.Info("configuration reloaded")
	})
	defer stopWatch()

	engine := server.New(server.Dependencies{
		Config:     cfg,
		Store:      store,
		Registry:   registry,
		Accountant: accountant,
		Executor:   exec,
		Client:     client,
		Stats:      statsSvc,
		Tokens:     tokens,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("hydra gateway listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
