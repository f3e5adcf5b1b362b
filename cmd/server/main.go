package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"statpulse/internal/config"
	"statpulse/internal/engine"
	"statpulse/internal/providers"
	"statpulse/internal/providers/bea"
	"statpulse/internal/providers/bls"
	"statpulse/internal/quota"
	"statpulse/internal/server"
	"statpulse/internal/store"
	"statpulse/internal/store/postgres"
	"statpulse/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config (optional)")
	flag.Parse()

	if err := runServer(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "server failed:", err)
		os.Exit(1)
	}
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provs, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	tracker := quota.New(st, cfg.Quota.DailyLimit)
	eng := engine.New(st, provs, tracker, cfg, log)
	srv := server.New(eng, tracker, log)

	e := srv.Routes()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			log.Error("listener stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.New(context.Background(), cfg.Storage.DSN)
	default:
		return sqlite.New(cfg.Storage.Path)
	}
}

func buildProviders(cfg config.Config) (map[string]providers.Provider, error) {
	blsProvider, err := bls.NewWithConfig(bls.Config{
		BaseURL:   cfg.Providers.BLS.BaseURL,
		APIKey:    cfg.Providers.BLS.APIKey,
		UserAgent: cfg.Providers.BLS.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	beaProvider, err := bea.NewWithConfig(bea.Config{
		BaseURL:   cfg.Providers.BEA.BaseURL,
		APIKey:    cfg.Providers.BEA.APIKey,
		UserAgent: cfg.Providers.BEA.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return map[string]providers.Provider{
		"bls": blsProvider,
		"bea": beaProvider,
	}, nil
}
