package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deriv-digit-bot-go/internal/bot"
	"deriv-digit-bot-go/internal/config"
	"deriv-digit-bot-go/internal/control"
	"deriv-digit-bot-go/internal/exchange"
	"deriv-digit-bot-go/internal/logger"
	"deriv-digit-bot-go/internal/metrics"
	"deriv-digit-bot-go/internal/models"
	"deriv-digit-bot-go/internal/notify"
	"deriv-digit-bot-go/internal/persistence"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	symbol := flag.String("symbol", "", "instrument to stream at startup, overrides the config")
	autoStart := flag.Bool("start", false, "enable trading as soon as the stream is up")
	flag.Parse()

	// Default logger until the config is loaded.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, reading the process environment")
	} else {
		logger.S().Info("loaded environment from .env")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.S().Fatalf("failed to load config: %v", err)
		}
		logger.S().Warnf("config file %s not found, using defaults", *configPath)
		cfg = config.Default()
	}
	if *symbol != "" {
		cfg.Symbol = *symbol
		config.Normalize(cfg)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.L().Sync()

	switch *mode {
	case "live", "paper":
		run(cfg, *mode, *autoStart)
	default:
		logger.S().Fatalf("unknown mode %q, use live or paper", *mode)
	}
}

func run(cfg *models.Config, mode string, autoStart bool) {
	log := logger.L()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := os.Getenv("DERIV_API_TOKEN")
	var ch exchange.Channel
	switch mode {
	case "live":
		if token == "" {
			logger.S().Fatal("DERIV_API_TOKEN must be set in live mode")
		}
		live := exchange.NewDerivChannel(exchange.Options{
			URL:               cfg.WSURL,
			AppID:             cfg.AppID,
			RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
			RequestsPerSecond: cfg.RequestsPerSecond,
			PingInterval:      time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
			PongWait:          time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		}, log.Named("deriv"))
		defer live.Close()
		ch = live
	case "paper":
		sim := exchange.NewSimChannel(exchange.SimConfig{
			InitialBalance: decimal.NewFromFloat(cfg.Paper.InitialBalance),
			Currency:       cfg.Paper.Currency,
			PayoutRate:     decimal.NewFromFloat(cfg.Paper.PayoutRate),
			Seed:           cfg.Paper.Seed,
		}, log.Named("sim"))
		go sim.Run(ctx, time.Duration(cfg.Paper.TickIntervalMs)*time.Millisecond)
		// the simulated venue needs no login
		token = ""
		ch = sim
	}
	log.Info("starting digit bot", zap.String("mode", mode), zap.String("symbol", cfg.Symbol))

	journal, err := persistence.Open(cfg.JournalDriver, cfg.JournalPath, log.Named("journal"))
	if err != nil {
		logger.S().Fatalf("failed to open trade journal: %v", err)
	}
	defer journal.Close()

	notifiers := notify.Multi{notify.NewLogNotifier(log.Named("notice"))}
	if tgToken, chatID := os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"); tgToken != "" && chatID != "" {
		tg, err := notify.NewTelegram(tgToken, chatID, log.Named("telegram"))
		if err != nil {
			log.Warn("telegram notifications disabled", zap.Error(err))
		} else {
			defer tg.Close()
			notifiers = append(notifiers, tg)
		}
	}

	m := metrics.New(nil)
	digitBot := bot.NewDigitTradingBot(cfg, ch, bot.Deps{
		Journal:  journal,
		Metrics:  m,
		Notifier: notifiers,
		Token:    token,
	}, log.Named("bot"))
	defer digitBot.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = digitBot.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.S().Fatalf("failed to connect: %v", err)
	}

	var srv *control.Server
	if cfg.MetricsAddr != "" {
		srv = control.NewServer(cfg.MetricsAddr, digitBot, m.Handler(), log.Named("control"))
		if err := srv.Start(); err != nil {
			logger.S().Fatalf("failed to start control server: %v", err)
		}
	}

	if autoStart {
		if err := digitBot.Start(); err != nil {
			log.Error("failed to start trading", zap.Error(err))
		}
	} else {
		log.Info("trading is disabled, POST /start to enable it", zap.String("addr", cfg.MetricsAddr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("control server shutdown", zap.Error(err))
		}
		shutdownCancel()
	}
	digitBot.Close()
	log.Info("bot stopped")
}
