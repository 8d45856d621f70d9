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
	configPath = flag.String("config", "config.yml", "path to the config file")
	operation  = flag.String("operation", "", "operation with an auto trigger to rescan")
	fromBlock  = flag.Uint("fromBlock", 0, "starting block")
	toBlock    = flag.Uint("toBlock", 0, "ending block")
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

	opCfg, ok := cfg.Operations[*operation]
	if !ok || opCfg.AutoTrigger == nil {
		logger.WithField("operation", *operation).Fatal("operation with auto trigger is not found")
	}
	if *fromBlock < opCfg.AutoTrigger.StartBlock {
		fromBlock = &opCfg.AutoTrigger.StartBlock
	}
	if *toBlock == 0 {
		logger.Fatal("toBlock is not specified")
	}
	if *toBlock < *fromBlock {
		logger.WithFields(logrus.Fields{
			"from_block": *fromBlock,
			"to_block":   *toBlock,
		}).Fatal("toBlock < fromBlock")
	}

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

	repo := repository.NewRepo(dbConn)
	statusStore := store.New(logger, repo.Transfers, cache.NewMemoryCache(), nil)
	gateways, err := gateway.DialAll(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to chains")
	}
	attestations := attestation.NewClient(cfg.Attestation.BaseURL, cfg.Attestation.RequestTimeout, logger)
	events := watcher.NewEventWatcher(logger, gateways)
	executor := relay.NewExecutor(ctx, logger, cfg.Operations, statusStore, events, attestations, gateways, notify.NewNopPublisher(logger))

	opLogger := logger.WithField("operation", opCfg.Name)
	s, err := watcher.NewTriggerScanner(ctx, opLogger, repo.LogsCursors, repo.Logs, gateways[opCfg.SourceChainName], entity.Operation(opCfg.Name), opCfg.AutoTrigger, executor)
	if err != nil {
		opLogger.WithError(err).Fatal("can't initialize trigger scanner")
	}

	if err = s.ProcessBlockRange(ctx, *fromBlock, *toBlock); err != nil {
		opLogger.WithError(err).Fatal("can't manually process block range")
	}
	opLogger.Info("waiting for triggered transfers to finish")
	executor.Wait()
}
