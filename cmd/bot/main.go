package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"adaptive-grid-bot-go/internal/config"
	"adaptive-grid-bot-go/internal/downloader"
	"adaptive-grid-bot-go/internal/engine"
	"adaptive-grid-bot-go/internal/exchange"
	"adaptive-grid-bot-go/internal/logger"
	"adaptive-grid-bot-go/internal/models"
	"adaptive-grid-bot-go/internal/notify"
	"adaptive-grid-bot-go/internal/persistence"
	"adaptive-grid-bot-go/internal/reporter"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or sandbox")
	dataPath := flag.String("data", "", "candle CSV for sandbox mode")
	symbol := flag.String("symbol", "", "symbol to download candles for (with -start/-end)")
	startDate := flag.String("start", "", "download start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "download end date (YYYY-MM-DD)")
	flag.Parse()

	// A default logger so config loading itself can be logged; reinitialised
	// from the config right after.
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading credentials from the environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("load config: %v", err)
	}
	logger.Init(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLive(cfg)
	case "sandbox":
		path, err := resolveDataFile(cfg, *dataPath, *symbol, *startDate, *endDate)
		if err != nil {
			logger.S().Fatal(err)
		}
		runSandbox(cfg, path)
	default:
		logger.S().Fatalf("unknown mode %q, expected 'live' or 'sandbox'", *mode)
	}
}

// resolveDataFile returns the candle CSV to replay, downloading it first when
// -symbol/-start/-end are given.
func resolveDataFile(cfg *models.Config, dataPath, symbol, startDate, endDate string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err := time.Parse("2006-01-02", startDate)
		if err != nil {
			return "", fmt.Errorf("bad -start date: %w", err)
		}
		endTime, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return "", fmt.Errorf("bad -end date: %w", err)
		}

		path := fmt.Sprintf("data/%s-%s-%s-%s.csv", symbol, cfg.CandleInterval, startDate, endDate)
		dl := downloader.NewKlineDownloader()
		if err := dl.DownloadKlines(context.Background(), symbol, cfg.CandleInterval, path, startTime, endTime); err != nil {
			return "", fmt.Errorf("download candles: %w", err)
		}
		return path, nil
	}

	if dataPath != "" {
		return dataPath, nil
	}
	if cfg.SandboxDataFile != "" {
		return cfg.SandboxDataFile, nil
	}
	return "", fmt.Errorf("sandbox mode needs -data, -symbol/-start/-end, or sandbox_data_file in the config")
}

func runLive(cfg *models.Config) {
	logger.S().Infow("starting live mode", "symbol", cfg.Symbol)

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}

	gateway, err := exchange.NewLiveExchange(apiKey, secretKey, cfg.APIBaseURL, cfg.WSBaseURL, cfg.RequestsPerSecond, logger.S())
	if err != nil {
		logger.S().Fatalf("init exchange: %v", err)
	}
	defer gateway.Close()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("open state store: %v", err)
	}
	defer repo.Close()

	eng := engine.New(cfg, gateway, repo, notify.NewLogSink(logger.S()), logger.S())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.S().Errorf("engine stopped: %v", err)
	}

	printReport(cfg.Symbol, eng, start)
}

func runSandbox(cfg *models.Config, dataPath string) {
	logger.S().Infow("starting sandbox mode", "symbol", cfg.Symbol, "data", dataPath)

	candles, err := downloader.LoadCandlesCSV(dataPath)
	if err != nil {
		logger.S().Fatalf("load candle data: %v", err)
	}
	warmup := cfg.VolatilityPeriod + 1
	if len(candles) <= warmup {
		logger.S().Fatalf("need more than %d candles for the volatility warmup, got %d", warmup, len(candles))
	}

	gateway := exchange.NewSandboxExchange(cfg.Symbol, cfg.Budget, logger.S())
	for _, c := range candles[:warmup] {
		gateway.Advance(c)
	}

	// Sandbox runs keep state in memory; every run starts fresh.
	repo, err := persistence.NewInMemoryRepository()
	if err != nil {
		logger.S().Fatalf("open state store: %v", err)
	}
	defer repo.Close()

	eng := engine.New(cfg, gateway, repo, notify.NewLogSink(logger.S()), logger.S())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Give the engine time to reconcile and rest its first ladder before the
	// replay starts moving the price.
	time.Sleep(500 * time.Millisecond)

	start := time.Now()
	gateway.Replay(ctx, candles[warmup:], 5*time.Millisecond)
	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		logger.S().Errorf("engine stopped: %v", err)
	}

	printReport(cfg.Symbol, eng, start)
	net, avgEntry := gateway.Position()
	logger.S().Infow("sandbox run finished",
		"cash", gateway.Cash(), "net_position", net, "avg_entry", avgEntry)
}

func printReport(symbol string, eng *engine.Engine, start time.Time) {
	summary := eng.PnlSummary(0)
	metrics := reporter.Compute(summary.LastTrades)
	reporter.PrintSession(os.Stdout, symbol, metrics, eng.Balance(), start, time.Now())
	reporter.PrintTrades(os.Stdout, summary.LastTrades, 20)
}
