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

	"github.com/joho/godotenv"

	"github.com/betbot/copytrade/internal/config"
	"github.com/betbot/copytrade/internal/delegation"
	"github.com/betbot/copytrade/internal/fanout"
	"github.com/betbot/copytrade/internal/queue"
	"github.com/betbot/copytrade/internal/server"
	"github.com/betbot/copytrade/internal/store"
	"github.com/betbot/copytrade/internal/venue"
	"github.com/betbot/copytrade/pkg/logger"
	"github.com/betbot/copytrade/pkg/shutdown"
	"github.com/betbot/copytrade/pkg/usdc"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("COPYTRADE_CONFIG"), "YAML config file path (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}

	minTradable, err := usdc.FromString(cfg.Worker.MinTradableUSDC)
	if err != nil {
		logger.Errorf("bad min_tradable_usdc %q: %v", cfg.Worker.MinTradableUSDC, err)
		os.Exit(1)
	}

	venueClient := venue.NewHTTPClient(cfg.Venue.BaseURL)
	authority := delegation.NewAuthority(st)
	worker := fanout.NewWorker(st, authority, venueClient, fanout.WorkerOptions{
		MinTradableMicros: minTradable,
		PollDeadline:      cfg.Venue.PollDeadline,
		PollInterval:      cfg.Venue.PollInterval,
	})

	var (
		pub    queue.Publisher
		inproc *queue.InProc
	)
	switch cfg.Queue.Mode {
	case "http":
		pub = queue.NewHTTPPublisher(cfg.Queue.PublishURL, cfg.Queue.ConsumeURL, cfg.Queue.Delay, cfg.Queue.MaxRetries)
	default:
		inproc = queue.NewInProc(func(ctx context.Context, msg queue.Message) error {
			return worker.Execute(ctx, msg.LeaderTradeID, msg.FollowerID)
		}, cfg.Queue.Delay, cfg.Queue.Backoff, cfg.Queue.MaxRetries)
		pub = inproc
	}

	dispatcher := fanout.NewDispatcher(st, pub, cfg.Queue.Delay)
	sweeper := fanout.NewSweeper(st, pub, fanout.SweeperOptions{
		Interval:     cfg.Sweep.Interval,
		PendingAge:   cfg.Sweep.PendingAge,
		ExecutingAge: cfg.Sweep.ExecutingAge,
	})
	sweeper.Start()

	srv := server.New(st, dispatcher, worker, sweeper)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("copytrade engine listening on %s (queue mode: %s)", cfg.Listen, cfg.Queue.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) { _ = httpSrv.Shutdown(ctx) })
	mgr.OnShutdown(func(ctx context.Context) { sweeper.Close() })
	if inproc != nil {
		mgr.OnShutdown(func(ctx context.Context) { inproc.Close() })
	}
	mgr.OnShutdown(func(ctx context.Context) { _ = st.Close() })

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	fmt.Println("engine stopped")
}
