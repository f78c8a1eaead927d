package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cube_rotation_bot/internal/app"
	"cube_rotation_bot/internal/domain/cube"
	"cube_rotation_bot/internal/infra/config"
	idb "cube_rotation_bot/internal/infra/database"
	"cube_rotation_bot/internal/infra/logger"
	"cube_rotation_bot/internal/infra/memory"
	"cube_rotation_bot/internal/infra/metrics"
	"cube_rotation_bot/internal/infra/scheduler"
	"cube_rotation_bot/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// storage groups the repositories of one backend.
type storage struct {
	cubes   cube.Repository
	members cube.MemberRegistry
	ledger  interface {
		cube.PaymentLedger
		cube.PayoutLedger
	}
	winners cube.WinnerRepository
	tx      cube.TransactionManager
	lease   scheduler.Lease
	close   func() error
}

func openStorage(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (*storage, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "memory://") {
		log.Warn("Using in-memory storage; all data is lost on restart")
		store := memory.NewStore()
		return &storage{
			cubes: store, members: store, ledger: store, winners: store, tx: store, lease: store,
			close: func() error { return nil },
		}, nil
	}

	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := idb.ApplySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	cubeRepo := idb.NewPostgresCubeRepository(db)
	return &storage{
		cubes:   cubeRepo,
		members: idb.NewPostgresMemberRepository(db),
		ledger:  idb.NewPostgresLedgerRepository(db),
		winners: idb.NewPostgresWinnerRepository(db),
		tx:      idb.NewTxManager(db),
		lease:   cubeRepo,
		close:   db.Close,
	}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("Could not load application configuration: %v", err)
	}
	logger.Init(cfg)

	mainLogger := logger.Component("main")
	mainLogger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"admin_id":    cfg.AdminTelegramID,
		"cycle_unit":  cfg.CycleUnit,
	}).Info("Cube rotation bot starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, mainLogger)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not initialize storage")
	}
	defer store.close()
	mainLogger.Info("Storage initialized successfully.")

	// Initialize Telegram Bot
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) { // Global error handler
			errLog := logger.Component("telebot").WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				errLog = errLog.WithFields(logrus.Fields{"text": c.Text(), "sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
			}
			errLog.Error("Telebot handler error")
		},
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		mainLogger.WithError(err).Fatal("Could not create Telegram bot")
	}
	tgClient := telegram.NewTelebotAdapter(bot)

	m := metrics.New()
	m.Register(prometheus.DefaultRegisterer)

	// Services
	notifier := app.NewTelegramReadinessNotifier(
		store.cubes, store.members, store.ledger, tgClient,
		cfg.StalledCyclePolicy == config.StalledPolicyNotifyAdmins, cfg.StalledCycleAfter,
		logger.Component("readiness_notifier"),
	)
	sender := app.NewLedgerPayoutSender(store.ledger, tgClient, logger.Component("payout_sender"))
	payouts := app.NewPayoutService(store.winners, sender, cfg.PayoutTimeout, cfg.PayoutMaxAttempts, m, logger.Component("payout_service"))
	engine := app.NewCycleEngine(
		store.cubes, store.members, store.ledger, store.winners, store.tx,
		app.NewWinnerSelector(app.CryptoSource{}), payouts, notifier, cfg.CycleUnit,
		logger.Component("cycle_engine"),
	)
	adminService := app.NewAdminService(store.cubes, store.members, store.tx, notifier, cfg.AdminTelegramID, logger.Component("admin_service"))
	mainLogger.Info("Services initialized.")

	// Register Handlers
	telegram.RegisterBotCommands(bot, cfg, logger.Component("telegram"))
	telegram.NewCubeCommands(adminService, engine, store.members, cfg.AdminTelegramID, logger.Component("telegram")).Register(ctx, bot)
	mainLogger.Info("Command handlers registered.")

	cycleScheduler := scheduler.NewCycleScheduler(
		engine, store.cubes, store.lease, payouts, notifier, m,
		logger.Component("scheduler"),
		scheduler.Options{
			CronSpecCycleCheck:  cfg.CronSpecCycleCheck,
			CronSpecPayoutRetry: cfg.CronSpecPayoutRetry,
			CronSpecStallCheck:  cfg.CronSpecStallCheck,
			Concurrency:         cfg.SchedulerConcurrency,
			JobTimeout:          cfg.SchedulerJobTimeout,
			InstanceID:          cfg.SchedulerInstanceID,
			LeaseTTL:            cfg.CycleLeaseTTL,
		},
	)
	if err := cycleScheduler.Start(); err != nil {
		mainLogger.WithError(err).Fatal("Could not start scheduler")
	}

	// Metrics listener
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mainLogger.WithError(err).Error("Metrics listener failed")
			}
		}()
		mainLogger.WithField("addr", cfg.MetricsAddr).Info("Serving prometheus metrics")
	}

	// Start bot in a goroutine so it doesn't block graceful shutdown handling
	go bot.Start()
	mainLogger.Info("Application setup complete. Bot and scheduler are running.")

	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	bot.Stop()
	cycleScheduler.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			mainLogger.WithError(err).Warn("Metrics listener did not shut down cleanly")
		}
	}
	mainLogger.Info("Application shut down gracefully.")
}
