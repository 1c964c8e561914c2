package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/adapters/binanceclient"
	"liqCascadeBot/internal/adapters/logger"
	"liqCascadeBot/internal/adapters/sqlite"
	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/app"
	"liqCascadeBot/internal/intake"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/position"
	"liqCascadeBot/internal/ratelimit"
	"liqCascadeBot/internal/reconciler"
	"liqCascadeBot/internal/risk"
	"liqCascadeBot/internal/strategy"
)

const (
	exitOK              = 0
	exitConfigInvalid   = 2
	exitAuthFailed      = 3
	exitShutdownTimeout = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("FATAL: Failed to load configuration: %v", err)
		return exitConfigInvalid
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogOutput == "file" {
		appLogger = logger.NewFileLogger(cfg.LogFilePath, cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "output": cfg.LogOutput})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		return exitConfigInvalid
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Rate Governor
	governor := ratelimit.New(ratelimit.Config{
		BufferPct: cfg.RateLimitBufferPct,
		Logger:    appLogger,
	})

	// 5. Exchange Client (Binance Adapter)
	client, err := binanceclient.New(binanceclient.Config{
		APIKey:                  cfg.APIKey,
		SecretKey:               cfg.SecretKey,
		UseTestnet:              cfg.IsTestnet,
		HedgeMode:               cfg.HedgeMode,
		Logger:                  appLogger,
		Governor:                governor,
		ReconnectDelay:          cfg.ReconnectDelay,
		MaxReconnectAttempts:    cfg.MaxReconnectAttempts,
		MarkPriceReconnectDelay: cfg.PriceMonitorReconnect,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		return exitConfigInvalid
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 6. Engine Components
	maxPerSymbol := make(map[string]float64, len(cfg.Symbols))
	for sym, s := range cfg.Symbols {
		maxPerSymbol[sym] = s.MaxPositionUSDT
	}
	riskMgr := risk.NewManager(risk.Config{
		MaxTotalExposureUSDT: cfg.MaxTotalExposureUSDT,
		MaxPositionUSDT:      maxPerSymbol,
		Logger:               appLogger,
	})

	windows := aggregator.New(cfg.WindowDuration, nil)

	engine := position.NewEngine(position.Config{
		Symbols:                  cfg.Symbols,
		HedgeMode:                cfg.HedgeMode,
		BatchOrdersEnabled:       cfg.BatchOrdersEnabled,
		TranchePnLIncrementPct:   cfg.TranchePnLIncrementPct,
		MaxTranchesPerSymbolSide: cfg.MaxTranchesPerSymbolSide,
		InstantTPEnabled:         cfg.InstantTPEnabled,
		InstantTPEpsilonPct:      cfg.InstantTPEpsilonPct,
		PriceMonitorStaleAfter:   cfg.PriceMonitorStaleAfter,
		Client:                   client,
		Tranches:                 repo,
		Orders:                   repo,
		Relationships:            repo,
		Risk:                     riskMgr,
		Logger:                   appLogger,
	})

	evaluator := strategy.New(strategy.Config{
		Symbols:                cfg.Symbols,
		MaxOpenOrdersPerSymbol: cfg.MaxOpenOrdersPerSymbol,
		TimeInForce:            cfg.TimeInForce,
		SimulateOnly:           cfg.SimulateOnly,
		Client:                 client,
		Windows:                windows,
		Risk:                   riskMgr,
		Orders:                 repo,
		Governor:               governor,
		Logger:                 appLogger,
	})

	liqIntake := intake.New(intake.Config{
		Repo:         repo,
		Windows:      windows,
		Logger:       appLogger,
		BufferWindow: cfg.BufferWindow,
	}, evaluator.HandleBatch)

	recon := reconciler.New(reconciler.Config{
		Interval:      cfg.ReconcileInterval,
		OrderTTL:      cfg.OrderTTL,
		Client:        client,
		Engine:        engine,
		Orders:        repo,
		Relationships: repo,
		Logger:        appLogger,
	})

	router := app.NewFillRouter(engine, repo, riskMgr, recon, appLogger, nil)

	// 7. Application Service
	service, err := app.New(app.Deps{
		Config:    cfg,
		Logger:    appLogger,
		Client:    client,
		Governor:  governor,
		LiqRepo:   repo,
		OrderRepo: repo,
		RelRepo:   repo,
		Windows:   windows,
		Intake:    liqIntake,
		Evaluator: evaluator,
		Engine:    engine,
		Risk:      riskMgr,
		Recon:     recon,
		Router:    router,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize service")
		return exitConfigInvalid
	}

	// 8. Run
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Service exited with error")
		switch {
		case errors.Is(err, ports.ErrAuthenticationFailed):
			return exitAuthFailed
		case errors.Is(err, app.ErrShutdownTimeout):
			return exitShutdownTimeout
		default:
			return 1
		}
	}

	appLogger.Info(ctx, "Application finished gracefully.")
	return exitOK
}
