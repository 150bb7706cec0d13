package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/alerts"
	"github.com/Rajchodisetti/options-trader/internal/audit"
	"github.com/Rajchodisetti/options-trader/internal/balance"
	"github.com/Rajchodisetti/options-trader/internal/broker"
	"github.com/Rajchodisetti/options-trader/internal/config"
	"github.com/Rajchodisetti/options-trader/internal/engine"
	"github.com/Rajchodisetti/options-trader/internal/guard"
	"github.com/Rajchodisetti/options-trader/internal/observ"
	"github.com/Rajchodisetti/options-trader/internal/outbox"
	"github.com/Rajchodisetti/options-trader/internal/portfolio"
	"github.com/Rajchodisetti/options-trader/internal/risk"
	"github.com/Rajchodisetti/options-trader/internal/signal"
)

var version = "dev" // set via -ldflags

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file holding DERIV_API_TOKEN")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("env: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := observ.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	observ.SetVersion(version)

	if err := run(cfgPath, cfg, logger); err != nil {
		logger.Fatal("trader exited", zap.Error(err))
	}
}

func run(cfgPath string, cfg config.Root, logger *zap.Logger) error {
	cfg.Broker.Token = os.Getenv("DERIV_API_TOKEN")
	if acc := os.Getenv("DERIV_ACCOUNT"); acc != "" {
		cfg.Broker.Account = acc
	}
	if cfg.Broker.Token == "" {
		return errors.New("DERIV_API_TOKEN is not set")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.AuditPath), 0o755); err != nil {
		return err
	}
	sink, err := audit.OpenSQLite(ctx, cfg.Storage.AuditPath, logger.Named("audit"))
	if err != nil {
		return err
	}
	defer sink.Close()

	var journal *outbox.Outbox
	if cfg.Storage.JournalPath != "" {
		if journal, err = outbox.New(cfg.Storage.JournalPath); err != nil {
			return err
		}
	}

	cache := balance.NewCache(cfg.Balance.TTL, logger.Named("balance"))
	client := broker.New(cfg.Broker,
		broker.WithLogger(logger.Named("broker")),
		broker.OnBalance(cache.Seed))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	sess := client.Session()
	logger.Info("broker session",
		zap.String("account", sess.AccountID),
		zap.String("currency", sess.Currency),
		zap.Bool("virtual", sess.Virtual))

	reader := balance.NewReader(cache, client.Balance)
	book := portfolio.NewBook(cfg.Storage.BookPath)
	capital := config.NewStaticProvider(cfg.Capital)
	gate := risk.NewGate(cfg.Risk, risk.Deps{
		Capital: capital,
		Balance: reader,
		History: sink,
		Book:    book,
		Logger:  logger.Named("risk"),
	})
	ticks := signal.NewCachedTicks(client, cfg.Engine.TickInterval/2)
	eng := engine.New(cfg.Engine, engine.Deps{
		Broker:  client,
		Gate:    gate,
		Signals: signal.NewMomentum(cfg.Signal, ticks),
		Ticks:   ticks,
		Audit:   sink,
		Book:    book,
		Balance: reader,
		Journal: journal,
		Logger:  logger.Named("engine"),
	})

	srv := monitor(cfg.Monitor.Addr, client, logger)
	go reloadOnHangup(ctx, cfgPath, capital, logger)
	startAlerts(ctx, cfg.Alerts, client, gate, logger)

	err = eng.Run(ctx)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

// monitor serves /metrics and /health for external probes.
func monitor(addr string, client *broker.Client, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler(client.Health))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("monitor listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitor stopped", zap.Error(err))
		}
	}()
	return srv
}

// startAlerts posts operator alerts to Slack when a webhook is configured.
func startAlerts(ctx context.Context, cfg alerts.Config, client *broker.Client, gate *risk.Gate, logger *zap.Logger) {
	cfg.WebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	if !cfg.Enabled {
		return
	}
	if cfg.WebhookURL == "" {
		logger.Warn("alerts enabled but SLACK_WEBHOOK_URL is not set")
		return
	}
	slack := alerts.NewSlack(cfg, logger.Named("alerts"))
	pct := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) + "%" }
	w := alerts.NewWatcher(slack,
		alerts.Condition{
			Key:      "emergency",
			Severity: alerts.SeverityCritical,
			Title:    "emergency stop: all new positions blocked",
			Check: func() (bool, map[string]string) {
				st := gate.Emergency().Check()
				return st.Active, map[string]string{"drawdown": pct(st.DrawdownPct), "window_peak": strconv.FormatFloat(st.WindowPeak, 'f', 2, 64)}
			},
		},
		alerts.Condition{
			Key:      "conservative",
			Severity: alerts.SeverityWarning,
			Title:    "adaptive filter in conservative mode",
			Check: func() (bool, map[string]string) {
				p := gate.Parameters()
				return p.Conservative, map[string]string{"trigger": p.Trigger, "threshold": strconv.FormatFloat(p.ConfidenceThreshold, 'f', 2, 64)}
			},
		},
		alerts.Condition{
			Key:      "circuit",
			Severity: alerts.SeverityWarning,
			Title:    "broker circuit breaker open",
			Check: func() (bool, map[string]string) {
				c := client.Circuit()
				return c.State != guard.StateClosed, map[string]string{"state": string(c.State), "failures": strconv.Itoa(c.ConsecutiveFailures)}
			},
		},
		alerts.Condition{
			Key:      "session",
			Severity: alerts.SeverityCritical,
			Title:    "broker session not authenticated",
			Check: func() (bool, map[string]string) {
				st := client.State()
				return st != broker.StateAuthenticated, map[string]string{"state": st.String()}
			},
		},
	)
	go func() { _ = slack.Run(ctx) }()
	go func() { _ = w.Run(ctx, 5*time.Second) }()
}

// reloadOnHangup re-reads the capital section on SIGHUP.
func reloadOnHangup(ctx context.Context, path string, capital *config.StaticProvider, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	ossignal.Notify(hup, syscall.SIGHUP)
	defer ossignal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
				continue
			}
			capital.Update(cfg.Capital)
			logger.Info("capital config reloaded",
				zap.Int("max_daily_trades", cfg.Capital.MaxDailyTrades),
				zap.String("sizing", cfg.Capital.Sizing.Method))
		}
	}
}
