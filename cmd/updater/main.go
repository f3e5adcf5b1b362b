package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"statpulse/internal/config"
	"statpulse/internal/engine"
	"statpulse/internal/model"
	"statpulse/internal/providers"
	"statpulse/internal/providers/bea"
	"statpulse/internal/providers/bls"
	"statpulse/internal/quota"
	"statpulse/internal/store"
	"statpulse/internal/store/postgres"
	"statpulse/internal/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "seed":
		seed(os.Args[2:])
	case "status":
		status(os.Args[2:])
	case "quota":
		quotaCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: updater <run|seed|status|quota> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  run     start or resume an update cycle for a survey")
	fmt.Fprintln(os.Stderr, "  seed    refresh a survey's series universe from the provider")
	fmt.Fprintln(os.Stderr, "  status  print the survey's current cycle")
	fmt.Fprintln(os.Stderr, "  quota   print today's quota ledger")
}

func run(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to yaml config (optional)")
	survey := fs.String("survey", "", "survey code")
	category := fs.String("category", "", "restrict the cycle to one category")
	force := fs.Bool("force", false, "discard prior progress and start a fresh cycle")
	maxRequests := fs.Int("max-requests", 0, "fetch-call budget for this invocation (0 = unbounded)")
	seedSeries := fs.Bool("seed", false, "refresh the series universe before partitioning")
	apiKey := fs.String("api-key", "", "caller-supplied API key (bypasses the shared quota)")
	userAgent := fs.String("user-agent", "", "override the upstream User-Agent")
	fs.Parse(args)

	if *survey == "" {
		fmt.Fprintln(os.Stderr, "run: -survey is required")
		os.Exit(2)
	}

	app, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updater:", err)
		os.Exit(1)
	}
	defer app.close()

	// SIGINT/SIGTERM triggers a cooperative stop: the in-flight batch is
	// committed and the cycle is marked interrupted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := app.engine.Run(ctx, engine.StartRequest{
		SurveyCode:  *survey,
		Category:    *category,
		Force:       *force,
		MaxRequests: *maxRequests,
		SeedSeries:  *seedSeries,
		APIKey:      *apiKey,
		UserAgent:   *userAgent,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "updater run failed:", err)
		os.Exit(1)
	}

	printSummary(summary)
	if summary.State == model.CycleHalted && summary.HaltReason == model.HaltQuota {
		os.Exit(3)
	}
}

func seed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to yaml config (optional)")
	survey := fs.String("survey", "", "survey code")
	fs.Parse(args)

	if *survey == "" {
		fmt.Fprintln(os.Stderr, "seed: -survey is required")
		os.Exit(2)
	}

	app, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updater:", err)
		os.Exit(1)
	}
	defer app.close()

	surveyCfg, ok := app.cfg.Surveys[*survey]
	if !ok {
		fmt.Fprintf(os.Stderr, "seed: unknown survey %q\n", *survey)
		os.Exit(2)
	}
	provider := app.providers[surveyCfg.Provider]

	series, err := provider.ListSeries(context.Background(), *survey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seed failed:", err)
		os.Exit(1)
	}
	if err := app.store.UpsertSeries(context.Background(), series); err != nil {
		fmt.Fprintln(os.Stderr, "seed failed:", err)
		os.Exit(1)
	}
	fmt.Printf("seed complete (survey=%s series=%d)\n", *survey, len(series))
}

func status(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to yaml config (optional)")
	survey := fs.String("survey", "", "survey code")
	fs.Parse(args)

	if *survey == "" {
		fmt.Fprintln(os.Stderr, "status: -survey is required")
		os.Exit(2)
	}

	app, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updater:", err)
		os.Exit(1)
	}
	defer app.close()

	cycle, err := app.engine.Status(context.Background(), *survey)
	if errors.Is(err, store.ErrNoCycle) {
		fmt.Printf("survey %s has no cycle\n", *survey)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "status failed:", err)
		os.Exit(1)
	}

	fmt.Printf("cycle %s state=%s series=%d/%d observations=%d requests=%d\n",
		cycle.ID, cycle.State, cycle.SeriesUpdated, cycle.TotalSeries,
		cycle.ObservationsWritten, cycle.RequestsUsed,
	)
	if cycle.HaltReason != model.HaltNone {
		fmt.Printf("halt reason: %s\n", cycle.HaltReason)
	}
	if cycle.LastError != "" {
		fmt.Printf("last error: %s\n", cycle.LastError)
	}
}

func quotaCmd(args []string) {
	fs := flag.NewFlagSet("quota", flag.ExitOnError)
	configPath := fs.String("config", "", "path to yaml config (optional)")
	fs.Parse(args)

	app, err := buildApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "updater:", err)
		os.Exit(1)
	}
	defer app.close()

	ledger, err := app.quota.Status(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "quota failed:", err)
		os.Exit(1)
	}
	fmt.Printf("quota %s used=%d limit=%d remaining=%d\n",
		ledger.Date, ledger.Used, ledger.Limit, ledger.Remaining(),
	)
}

func printSummary(summary model.RunSummary) {
	fmt.Printf("updater run complete (survey=%s cycle=%s state=%s series=%d/%d observations=%d requests=%d)\n",
		summary.SurveyCode, summary.CycleID, summary.State,
		summary.SeriesUpdated, summary.SeriesTotal,
		summary.ObservationsWritten, summary.RequestsUsed,
	)
	if summary.HaltReason != model.HaltNone {
		fmt.Printf("halted: %s\n", summary.HaltReason)
	}
	for _, failed := range summary.FailedBatches {
		fmt.Fprintf(os.Stderr, "batch %d failed (%s): %s\n", failed.Index, failed.Reason, failed.Detail)
	}
}

type app struct {
	cfg       config.Config
	store     store.Store
	providers map[string]providers.Provider
	quota     *quota.Tracker
	engine    *engine.Engine
	log       *zap.Logger
}

func (a *app) close() {
	_ = a.store.Close()
	_ = a.log.Sync()
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	provs, err := buildProviders(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	tracker := quota.New(st, cfg.Quota.DailyLimit)
	eng := engine.New(st, provs, tracker, cfg, log)

	return &app{
		cfg:       cfg,
		store:     st,
		providers: provs,
		quota:     tracker,
		engine:    eng,
		log:       log,
	}, nil
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
