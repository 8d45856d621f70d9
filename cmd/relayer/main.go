package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omni/cctp-relayer/alerts"
	"github.com/omni/cctp-relayer/attestation"
	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/notify"
	"github.com/omni/cctp-relayer/presenter"
	"github.com/omni/cctp-relayer/relay"
	"github.com/omni/cctp-relayer/repository"
	"github.com/omni/cctp-relayer/repository/bolt"
	"github.com/omni/cctp-relayer/store"
	"github.com/omni/cctp-relayer/watcher"
)

var (
	configPath  = flag.String("config", "config.yml", "path to the config file")
	metricsAddr = flag.String("metrics", ":2112", "prometheus metrics listen address")
)

func main() {
	flag.Parse()

	logger := logging.New()

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded")
	}

	cfg, err := config.ReadConfigFromFile(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	dbConn, err := db.ConnectToDBAndMigrate(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database and apply migrations")
	}
	defer dbConn.Close()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(*metricsAddr, nil)
		if err != nil {
			logger.WithError(err).Fatal("can't start listener for prometheus metrics")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := repository.NewRepo(dbConn)

	var transfersCache cache.Cache
	if cfg.Cache.RedisURL != "" {
		transfersCache, err = cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			logger.WithError(err).Fatal("can't connect to redis cache")
		}
	} else {
		transfersCache = cache.NewMemoryCache()
	}
	defer transfersCache.Close()

	paymentLog, err := bolt.NewPaymentLogRepo(cfg.PaymentLog.Path)
	if err != nil {
		logger.WithError(err).Fatal("can't open payment log")
	}
	defer paymentLog.Close()

	statusStore := store.New(logger, repo.Transfers, transfersCache, paymentLog)
	go statusStore.StartRetryLoop(ctx)

	gateways, err := gateway.DialAll(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to chains")
	}

	var publisher notify.Publisher = notify.NewNopPublisher(logger)
	if cfg.AMQP != nil && cfg.AMQP.URL != "" {
		amqpPublisher, err2 := notify.NewAMQPPublisher(logger, cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't connect to amqp broker")
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	attestations := attestation.NewClient(cfg.Attestation.BaseURL, cfg.Attestation.RequestTimeout, logger)
	events := watcher.NewEventWatcher(logger, gateways)
	executor := relay.NewExecutor(ctx, logger, cfg.Operations, statusStore, events, attestations, gateways, publisher)
	recovery := relay.NewRecovery(logger, statusStore, executor, cfg.Recovery.Schedule, cfg.Recovery.MinInterval)
	statusStore.OnCacheMiss(recovery.SweepLazily)

	if _, err = recovery.Sweep(ctx, "startup"); err != nil {
		logger.WithError(err).Error("startup recovery sweep failed")
	}
	go func() {
		if err := recovery.Start(ctx); err != nil {
			logger.WithError(err).Fatal("can't start recovery scheduler")
		}
	}()

	for name, op := range cfg.Operations {
		if op.AutoTrigger == nil {
			continue
		}
		opLogger := logger.WithField("operation", name)
		s, err2 := watcher.NewTriggerScanner(ctx, opLogger, repo.LogsCursors, repo.Logs, gateways[op.SourceChainName], entity.Operation(name), op.AutoTrigger, executor)
		if err2 != nil {
			opLogger.WithError(err2).Fatal("can't initialize trigger scanner")
		}
		go s.Start(ctx)
	}

	if len(cfg.Alerts) > 0 {
		alertManager, err2 := alerts.NewAlertManager(logger.WithField("service", "alerts"), alerts.NewDBAlertsProvider(dbConn, "transfers"), cfg.Alerts)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't initialize alert manager")
		}
		alertManager.Start(ctx)
	}

	if cfg.Presenter != nil {
		pr := presenter.NewPresenter(logger.WithField("service", "presenter"), statusStore, executor, cfg.Presenter, cfg.Chains)
		go func() {
			if err := pr.Serve(ctx, cfg.Presenter.Host); err != nil {
				logger.WithError(err).Fatal("can't serve presenter")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn("caught termination signal, gracefully terminating")
	cancel()
	executor.Wait()
}
