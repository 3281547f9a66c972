// Package main provides the entry point for the trading engine: a cobra
// CLI exposing serve (run the daily cycle and operator API forever), cycle
// (run one Phase 0-4 pass and exit), and killswitch clear (call a running
// server's kill-switch-clear endpoint).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shopspring/decimal"

	"github.com/iara-trader/engine/internal/aigateway"
	"github.com/iara-trader/engine/internal/api"
	"github.com/iara-trader/engine/internal/broker"
	"github.com/iara-trader/engine/internal/config"
	"github.com/iara-trader/engine/internal/decisionstore"
	"github.com/iara-trader/engine/internal/guardian"
	"github.com/iara-trader/engine/internal/marketdata"
	"github.com/iara-trader/engine/internal/newsdata"
	"github.com/iara-trader/engine/internal/orchestrator"
	"github.com/iara-trader/engine/internal/phase0"
	"github.com/iara-trader/engine/internal/phase1"
	"github.com/iara-trader/engine/internal/phase2"
	"github.com/iara-trader/engine/internal/phase3"
	"github.com/iara-trader/engine/internal/phase4"
	"github.com/iara-trader/engine/internal/state"
)

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Autonomous equities trading engine",
		Long:  "Runs the Buzz Factory / Screener / Vault / Judge / Execution pipeline and its always-on Guardian monitors.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "Path to the engine's YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCycleCmd())
	rootCmd.AddCommand(newKillSwitchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine's daily scheduler and operator API until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)
			defer logger.Sync()

			eng, err := buildEngine(logger)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng.orch.Start(ctx)
			go func() {
				if err := eng.api.Start(); err != nil && err != http.ErrServerClosed {
					logger.Error("operator API stopped", zap.Error(err))
				}
			}()
			logger.Info("engine serving", zap.String("addr", fmt.Sprintf("%s:%d", eng.cfg.Server.Host, eng.cfg.Server.Port)))

			<-ctx.Done()
			logger.Info("shutdown signal received, draining")

			eng.orch.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := eng.api.Stop(shutdownCtx); err != nil {
				logger.Warn("operator API shutdown", zap.Error(err))
			}
			return nil
		},
	}
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one Phase 0 through Phase 4 pass immediately and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)
			defer logger.Sync()

			eng, err := buildEngine(logger)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := eng.orch.RunCycle(ctx); err != nil {
				return fmt.Errorf("running cycle: %w", err)
			}
			return nil
		},
	}
}

func newKillSwitchCmd() *cobra.Command {
	var serverAddr string
	parent := &cobra.Command{
		Use:   "killswitch",
		Short: "Operate a running engine's kill switch over its HTTP API",
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear an activated kill switch on a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s/api/v1/killswitch/clear", serverAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(nil))
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("calling %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s returned %s", url, resp.Status)
			}
			fmt.Println("kill switch cleared")
			return nil
		},
	}
	clearCmd.Flags().StringVar(&serverAddr, "server", "localhost:8090", "Running engine's operator API host:port")
	parent.AddCommand(clearCmd)
	return parent
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// engine bundles every wired component a CLI command needs, plus the means
// to shut it all down cleanly.
type engine struct {
	cfg      *config.Config
	store    *decisionstore.Store
	orch     *orchestrator.Orchestrator
	api      *api.Server
	bus      *guardian.AlertBus
	buzz     *phase0.BuzzFactory
	screener *phase1.Screener
	watchdog *guardian.Watchdog
	sentinel *guardian.Sentinel
	logger   *zap.Logger
}

func (e *engine) Close() {
	e.saveGuardianState()
	if err := e.buzz.Close(); err != nil {
		e.logger.Warn("closing buzz factory pool", zap.Error(err))
	}
	if err := e.screener.Close(); err != nil {
		e.logger.Warn("closing screener pool", zap.Error(err))
	}
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "closing decision store:", err)
	}
}

// saveGuardianState persists the Watchdog's price rings and the
// Sentinel's seen-headline set so a restart resumes monitoring where it
// left off.
func (e *engine) saveGuardianState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if payload, err := json.Marshal(e.watchdog.ExportState()); err == nil {
		if err := e.store.SaveGuardianState(ctx, "watchdog", payload); err != nil {
			e.logger.Warn("saving watchdog state failed", zap.Error(err))
		}
	}
	if payload, err := json.Marshal(e.sentinel.ExportState()); err == nil {
		if err := e.store.SaveGuardianState(ctx, "sentinel", payload); err != nil {
			e.logger.Warn("saving sentinel state failed", zap.Error(err))
		}
	}
}

// restoreGuardianState reloads any persisted Guardian snapshots at
// startup; a missing or unreadable snapshot just starts the task cold.
func restoreGuardianState(logger *zap.Logger, store *decisionstore.Store, watchdog *guardian.Watchdog, sentinel *guardian.Sentinel) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if payload, ok, err := store.LoadGuardianState(ctx, "watchdog"); err != nil {
		logger.Warn("loading watchdog state failed", zap.Error(err))
	} else if ok {
		var st guardian.WatchdogState
		if err := json.Unmarshal(payload, &st); err == nil {
			watchdog.RestoreState(st)
		}
	}
	if payload, ok, err := store.LoadGuardianState(ctx, "sentinel"); err != nil {
		logger.Warn("loading sentinel state failed", zap.Error(err))
	} else if ok {
		var st guardian.SentinelState
		if err := json.Unmarshal(payload, &st); err == nil {
			sentinel.RestoreState(st)
		}
	}
}

// startingCapital is sourced from the environment, not the config file: it
// is account state, not engine tuning, and changes per deployment.
func startingCapital() decimal.Decimal {
	if v := os.Getenv("ENGINE_STARTING_CAPITAL"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromInt(100_000)
}

// buildEngine wires every package's New constructor together: one
// market-data adapter and one news-data adapter shared across every phase
// and Guardian task, an AI gateway built from whichever provider keys are
// present in the environment, a paper broker backing the State Core's
// positions, and the Decision Store persisting caches, audits and trade
// history to SQLite.
func buildEngine(logger *zap.Logger) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	market := marketdata.New(logger, marketdata.NewSynthetic(), marketdata.DefaultConfig())

	newsQuota := newsdata.NewFileQuotaStore("./data/news_quota.json")
	newsCfg := newsdata.DefaultConfig()
	if cfg.AI.CacheExpiryHours > 0 {
		newsCfg.CacheExpiryHours = cfg.AI.CacheExpiryHours
	}
	news := newsdata.New(logger, newsdata.NewSynthetic(), newsdata.NewSynthetic(), newsQuota, newsCfg)

	ai := aigateway.New(logger, aigateway.FromEnv(os.Getenv))

	store, err := decisionstore.New(logger, cfg.Database.Path, 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("opening decision store: %w", err)
	}

	capital := startingCapital()
	st := state.New(logger, state.DefaultConfig(), capital, sectorLookup(market))
	if history, err := store.CapitalHistory(context.Background(), 30); err != nil {
		logger.Warn("loading capital history failed", zap.Error(err))
	} else if len(history) > 0 {
		st.RestoreCapitalHistory(history)
	}

	br := broker.NewPaper(logger, pricesFrom(market), broker.PaperConfig{StartingCash: capital})

	buzz := phase0.New(logger, market, news, phase0.ConfigFrom(cfg))
	screener := phase1.New(logger, ai, market, cfg.AI.ScreenerThreshold, "")
	vault := phase2.New(logger, market, st, cfg.Risk, cfg.Phase2, "SPY")
	judge := phase3.New(logger, ai, market, nil, store, store, st, phase3.Config{
		JudgeThreshold: cfg.AI.JudgeThreshold,
		MaxCorrelation: cfg.Risk.MaxCorrelation,
	})
	executor := phase4.New(logger, br, market, market, st, store, cfg.Risk, cfg.Tiers, cfg.Technical, cfg.Phase0.EarningsProximityDays)

	bus := guardian.NewAlertBus(logger, 1000, 4)
	if handler, ok := telegramHandler(logger, cfg.Telegram); ok {
		bus.Register(handler)
	}

	closer := guardian.NewCloser(logger, br, st)
	watchdog := guardian.NewWatchdog(logger, market, st, closer, bus, guardian.WatchdogConfig{
		Interval:            time.Duration(cfg.Phase5.WatchdogInterval) * time.Second,
		FlashCrashThreshold: cfg.Alerts.FlashCrashThreshold,
		FlashCrashWindow:    time.Duration(cfg.Phase5.FlashCrashWindow) * time.Second,
		PanicDDThreshold:    guardian.DefaultWatchdogConfig().PanicDDThreshold,
	})
	sentinel := guardian.NewSentinel(logger, news, ai, market, st, st, judge, closer, bus, guardian.SentinelConfig{
		Interval:            time.Duration(cfg.Phase5.SentinelInterval) * time.Second,
		FridayBreakevenHour: cfg.Phase5.FridayBreakevenHour,
	})
	poisonPill := guardian.NewPoisonPill(logger, news, ai, st, bus, guardian.DefaultPoisonPillConfig()).WithMarketData(market)

	restoreGuardianState(logger, store, watchdog, sentinel)

	orch := orchestrator.New(logger, cfg, market, st, store, br, buzz, screener, vault, judge, executor, watchdog, sentinel, poisonPill, bus)
	apiServer := api.NewServer(logger, cfg.Server, st, store)
	apiServer.SetEventStats(orch.EventBus().Stats)
	bus.Register(apiServer)

	return &engine{
		cfg: cfg, store: store, orch: orch, api: apiServer, bus: bus,
		buzz: buzz, screener: screener,
		watchdog: watchdog, sentinel: sentinel, logger: logger,
	}, nil
}

// sectorLookup resolves a symbol's sector from the market-data adapter's
// quote, caching results so repeated exposure checks don't re-fetch.
func sectorLookup(market *marketdata.Adapter) state.SectorLookup {
	cache := make(map[string]string)
	return func(symbol string) (string, bool) {
		if sector, ok := cache[symbol]; ok {
			return sector, sector != ""
		}
		q, err := market.Quote(context.Background(), symbol)
		if err != nil || q.Sector == "" {
			cache[symbol] = ""
			return "", false
		}
		cache[symbol] = q.Sector
		return q.Sector, true
	}
}

// pricesFrom adapts the market-data adapter into the paper broker's
// synchronous PriceLookup.
func pricesFrom(market *marketdata.Adapter) broker.PriceLookup {
	return func(symbol string) (decimal.Decimal, bool) {
		q, err := market.Quote(context.Background(), symbol)
		if err != nil || q.Price.IsZero() {
			return decimal.Zero, false
		}
		return q.Price, true
	}
}

// telegramHandler builds the optional Guardian alert sink from a bot token
// discovered in the environment; the chat ID is ordinary config since it
// isn't a credential. Disabled (or missing token) returns ok=false so the
// caller skips registration entirely.
func telegramHandler(logger *zap.Logger, cfg config.TelegramConfig) (*guardian.TelegramAlertHandler, bool) {
	if !cfg.Enabled {
		return nil, false
	}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		logger.Warn("telegram alerts enabled but TELEGRAM_BOT_TOKEN is unset, skipping")
		return nil, false
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Warn("telegram bot init failed, skipping alerts", zap.Error(err))
		return nil, false
	}
	return guardian.NewTelegramAlertHandler(logger, bot, cfg.ChatID), true
}
