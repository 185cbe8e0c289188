package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"breakout-core/internal/api"
	"breakout-core/internal/events"
	"breakout-core/internal/gateway"
	"breakout-core/internal/order"
	"breakout-core/internal/strategy"
	"breakout-core/pkg/config"
	"breakout-core/pkg/db"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/exchanges/paper"
	"breakout-core/pkg/retry"
)

// paperHistoryBars seeds two days of one-minute bars so daily strategies
// have a previous period right away.
const paperHistoryBars = 2 * 24 * 60

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("breakout-core starting port=%s db=%s dry_run=%v", cfg.Port, cfg.DBPath, cfg.DryRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := database.Queries()

	// Exchange gateways, one per credential set
	venue := "delta"
	factory := gateway.DeltaFactory(cfg.GatewayTimeout, cfg.DeltaRateLimit)
	if cfg.DryRun {
		venue = "paper"
		sim := paper.New()
		for _, sym := range cfg.PaperSymbols {
			(&paper.Walk{
				Gateway:    sim,
				Symbol:     sym,
				StartPrice: cfg.PaperStartPrice,
				History:    paperHistoryBars,
			}).Start(ctx)
		}
		factory = gateway.PaperFactory(sim)
	}
	pool := gateway.NewPool(factory, gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()

	defaultCreds := gateway.Credentials{
		BaseURL:   cfg.DeltaBaseURL,
		APIKey:    cfg.DeltaAPIKey,
		APISecret: cfg.DeltaAPISecret,
	}

	// Stateless limit-wait endpoint trades with the default credentials
	var placer api.OrderPlacer
	var prices api.PriceSource
	if cfg.DryRun || cfg.DeltaAPIKey != "" {
		gw, err := pool.Get(defaultCreds)
		if err != nil {
			log.Fatalf("default gateway: %v", err)
		}
		prices = gw
		placer = order.NewEntryPlacer(gw,
			order.NewBracketPlacer(gw, retry.Default(), cfg.GatewayTimeout),
			order.NewSQLStore(queries),
			order.PlacerConfig{CheckInterval: cfg.OrderCheckInterval, CallTimeout: cfg.GatewayTimeout},
			bus)
	} else {
		log.Println("no DELTA_API_KEY set; /api/v1/orders/limit-wait and /api/v1/ticker disabled")
	}

	registry := strategy.NewRegistry(strategy.RegistryConfig{
		Gateways: func(sc strategy.Config) (exchange.Gateway, error) {
			creds := defaultCreds
			if sc.API.APIKey != "" {
				creds.APIKey, creds.APISecret = sc.API.APIKey, sc.API.APISecret
			}
			if sc.API.BaseURL != "" {
				creds.BaseURL = sc.API.BaseURL
			}
			return pool.Get(creds)
		},
		Store:       order.NewSQLStore(queries),
		Runs:        queries,
		Bus:         bus,
		CallTimeout: cfg.GatewayTimeout,
		StopTimeout: cfg.StopTimeout,
	})

	autoStart(ctx, registry, cfg.StrategiesFile)

	server := api.NewServer(bus, registry, placer, queries,
		api.AuthConfig{Enabled: cfg.AuthEnabled, Secret: cfg.JWTSecret},
		api.SystemMeta{DryRun: cfg.DryRun, Venue: venue, Version: buildVersion()},
	)
	server.Prices = prices
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("api listening on :%s venue=%s", cfg.Port, venue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), max(cfg.StopTimeout, strategy.MinStopTimeout(cfg.GatewayTimeout)))
	defer shutdownCancel()
	if err := registry.StopAll(shutdownCtx); err != nil {
		log.Printf("stop strategies: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown: %v", err)
	}
}

// autoStart launches every active strategy listed in path. A missing file
// is not an error.
func autoStart(ctx context.Context, registry *strategy.Registry, path string) {
	if path == "" {
		return
	}
	cfgs, err := strategy.LoadConfigFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("strategies file %s not found; nothing to auto-start", path)
		return
	}
	if err != nil {
		log.Printf("strategies file: %v", err)
		return
	}
	for _, sc := range cfgs {
		id, err := registry.Start(ctx, sc)
		if err != nil {
			log.Printf("auto-start %s %s: %v", sc.Name, sc.Trading.Symbol, err)
			continue
		}
		log.Printf("auto-started %s (%s %s)", id, sc.Trading.Symbol, sc.Schedule.Timeframe)
	}
}

func buildVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
