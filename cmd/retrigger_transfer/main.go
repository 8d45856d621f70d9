package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/omni/cctp-relayer/attestation"
	"github.com/omni/cctp-relayer/cache"
	"github.com/omni/cctp-relayer/config"
	"github.com/omni/cctp-relayer/db"
	"github.com/omni/cctp-relayer/entity"
	"github.com/omni/cctp-relayer/gateway"
	"github.com/omni/cctp-relayer/logging"
	"github.com/omni/cctp-relayer/notify"
	"github.com/omni/cctp-relayer/relay"
	"github.com/omni/cctp-relayer/repository"
	"github.com/omni/cctp-relayer/store"
	"github.com/omni/cctp-relayer/watcher"
)

var (
	configPath   = flag.String("config", "config.yml", "path to the config file")
	operation    = flag.String("operation", "", "operation of the failed transfer")
	sourceTxHash = flag.String("sourceTxHash", "", "source transaction hash of the failed transfer")
	searchWindow = flag.Uint("searchWindow", 0, "authorizing event search window in blocks, 0 keeps the configured one")
	runNow       = flag.Bool("run", false, "relay the transfer in this process, only safe while the relayer service is stopped")
)

func main() {
	flag.Parse()

	logger := logging.New()
	_ = godotenv.Load()

	cfg, err := config.ReadConfigFromFile(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	op, ok := entity.ParseOperation(*operation)
	if !ok {
		logger.WithField("operation", *operation).Fatal("unknown operation")
	}
	if *sourceTxHash == "" {
		logger.Fatal("sourceTxHash is not specified")
	}
	logger = logger.WithFields(logrus.Fields{
		"operation":      op,
		"source_tx_hash": *sourceTxHash,
	})

	dbConn, err := db.NewDB(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database")
	}
	defer dbConn.Close()

	if err = dbConn.Migrate(); err != nil {
		logger.WithError(err).Fatal("can't run database migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		for range c {
			cancel()
			logger.Warn("caught CTRL-C, gracefully terminating")
			return
		}
	}()

	transfersCache := cache.NewMemoryCache()
	if cfg.Cache.RedisURL != "" {
		if transfersCache, err = cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL); err != nil {
			logger.WithError(err).Fatal("can't connect to redis cache")
		}
	}
	defer transfersCache.Close()

	repo := repository.NewRepo(dbConn)
	statusStore := store.New(logger, repo.Transfers, transfersCache, nil)

	gateways, err := gateway.DialAll(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to chains")
	}
	attestations := attestation.NewClient(cfg.Attestation.BaseURL, cfg.Attestation.RequestTimeout, logger)
	events := watcher.NewEventWatcher(logger, gateways)
	executor := relay.NewExecutor(ctx, logger, cfg.Operations, statusStore, events, attestations, gateways, notify.NewNopPublisher(logger))

	claimed, err := executor.Reopen(ctx, op, *sourceTxHash)
	if err != nil {
		logger.WithError(err).Fatal("can't reopen transfer")
	}
	if !*runNow {
		// the running relayer picks the pending transfer up on its next recovery sweep
		logger.WithFields(logrus.Fields{
			"status_key": claimed.StatusKey,
			"attempts":   claimed.Attempts,
		}).Info("transfer reopened, leaving the relay to the relayer service")
		return
	}

	final, err := executor.Run(ctx, claimed, relay.RunOptions{SearchWindow: *searchWindow})
	if err != nil {
		logger.WithError(err).Fatal("can't run transfer relay")
	}
	logger.WithFields(logrus.Fields{
		"status":     final.Status,
		"step":       final.Step,
		"attempts":   final.Attempts,
		"last_error": final.LastError,
	}).Info("retriggered transfer finished")
}
