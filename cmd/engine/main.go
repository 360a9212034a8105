// Command engine is the runtime host: it loads configuration, wires every
// adapter and domain component together, and serves the operator surface
// until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/posedge/engine/internal/bus"
	"github.com/posedge/engine/internal/config"
	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/engine"
	"github.com/posedge/engine/internal/exchange/base"
	"github.com/posedge/engine/internal/exchange/binance"
	"github.com/posedge/engine/internal/host"
	"github.com/posedge/engine/internal/host/httpapi"
	"github.com/posedge/engine/internal/intent"
	"github.com/posedge/engine/internal/lease"
	"github.com/posedge/engine/internal/logging"
	"github.com/posedge/engine/internal/reconciler"
	"github.com/posedge/engine/internal/safetynet"
	signalport "github.com/posedge/engine/internal/signal"
	"github.com/posedge/engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the runtime host configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	eventStore, err := store.Open(cfg.App.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer eventStore.Close()

	leases, err := lease.Open(cfg.App.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open lease manager: %w", err)
	}
	defer leases.Close()

	exchangeCfg, ok := cfg.Exchanges[cfg.App.CurrentExchange]
	if !ok {
		return fmt.Errorf("no exchange config for %q", cfg.App.CurrentExchange)
	}
	apiKey, err := readCredential(exchangeCfg.APIKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read api key: %w", err)
	}
	secretKey, err := readCredential(exchangeCfg.SecretKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read secret key: %w", err)
	}

	exchange := binance.New(base.Config{
		BaseURL:        exchangeCfg.BaseURL,
		WSBaseURL:      exchangeCfg.WSBaseURL,
		APIKey:         apiKey,
		SecretKey:      secretKey,
		RateLimitRPS:   exchangeCfg.RateLimitRPS,
		RateLimitBurst: exchangeCfg.RateLimitBurst,
	}, logger)

	eventBus := bus.New(logger)
	journal := intent.New(eventStore, logger)

	webhookSignals := signalport.NewWebhookPort(256)
	dedupSignals := signalport.NewDedupPort(webhookSignals, logger, 24*time.Hour)

	sup := engine.New(eventStore, journal, leases, exchange, eventBus, logger, engine.Config{
		LeaseTTL:           time.Duration(cfg.Lease.TTLSeconds) * time.Second,
		EntrySubmitTimeout: time.Duration(cfg.Intent.EntrySubmitTimeoutSec) * time.Second,
		EntryLookupRetries: cfg.Intent.EntryLookupAttempts,
		ExitMaxBackoff:     time.Duration(cfg.Intent.ExitMaxBackoffSec) * time.Second,
		QtyStep:            decimal.NewFromFloat(0), // per-symbol step is supplied at arm time via the HTTP request
		PriceTick:          decimal.NewFromFloat(0),
		FeeRate:            decimal.NewFromFloat(exchangeCfg.FeeRate),
	})

	recon := reconciler.New(eventStore, exchange, logger, cfg.Account.AccountId)

	safetyNet := safetynet.New(eventStore, exchange, journal, leases, eventBus, logger, safetynet.Config{
		AccountId:     cfg.Account.AccountId,
		PollInterval:  time.Duration(cfg.SafetyNet.PollIntervalSec) * time.Second,
		SafetyPercent: decimal.NewFromFloat(cfg.SafetyNet.SafetyPercent),
		LeaseTTL:      time.Duration(cfg.Lease.TTLSeconds) * time.Second,
	})

	runtimeHost := host.New(host.Dependencies{
		Supervisor: sup,
		Reconciler: recon,
		SafetyNet:  safetyNet,
		Journal:    journal,
		Leases:     leases,
		DB:         eventStore.DB(),
		Exchange:   exchange,
		Bus:        eventBus,
		Logger:     logger,
	}, host.Config{
		AccountId:         cfg.Account.AccountId,
		SafetyNetDisabled: !cfg.SafetyNet.Enabled,
	})

	api := httpapi.New(":"+cfg.App.HTTPPort, httpapi.Deps{
		Supervisor: sup,
		SafetyNet:  safetyNet,
		Health:     runtimeHost.Health(),
		AccountId:  cfg.Account.AccountId,
		Logger:     logger,
		Signals:    webhookSignals,
	})

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runtimeHost.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime host: %w", err)
	}
	api.Start()

	go dispatchSignals(ctx, dedupSignals, sup, logger)

	logger.Info("engine started", "account_id", cfg.Account.AccountId, "mode", cfg.App.Mode)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("operator http api shutdown error", "error", err)
	}
	runtimeHost.Stop(shutdownCtx)

	return nil
}

func dispatchSignals(ctx context.Context, port *signalport.DedupPort, sup *engine.Supervisor, logger core.ILogger) {
	stream, err := port.Stream(ctx)
	if err != nil {
		logger.Error("failed to start signal stream", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-stream:
			if !ok {
				return
			}
			sup.Dispatch(ctx, sig)
		}
	}
}

func readCredential(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
