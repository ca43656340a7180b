package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/db"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/relayer"
	"github.com/omni/tokenbridge-relayer/repository"
)

var (
	bridgeID  = flag.String("bridgeId", "", "bridgeId to reprocess transfers in")
	home      = flag.Bool("home", false, "reprocess home deposits")
	foreign   = flag.Bool("foreign", false, "reprocess foreign withdrawals")
	fromBlock = flag.Uint("fromBlock", 0, "starting block")
	toBlock   = flag.Uint("toBlock", 0, "ending block")
)

func main() {
	flag.Parse()

	logger := logging.New()

	cfg, err := config.ReadConfigFromFile("config.yml")
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	if *bridgeID == "" {
		logger.Fatal("bridgeId is not specified")
	}
	if *home == *foreign {
		logger.Fatal("exactly one of --home or --foreign should be specified")
	}
	bridgeCfg, ok := cfg.Bridges[*bridgeID]
	if !ok || bridgeCfg == nil {
		logger.WithField("bridge_id", *bridgeID).Fatal("bridge config for given bridgeId is not found")
	}
	sideCfg := bridgeCfg.Foreign
	if *home {
		sideCfg = bridgeCfg.Home
	}
	if *toBlock == 0 {
		logger.Fatal("toBlock is not specified")
	}
	if *toBlock < *fromBlock {
		logger.WithFields(logrus.Fields{
			"from_block": *fromBlock,
			"to_block":   *toBlock,
		}).Fatal("toBlock is less than fromBlock")
	}

	dbConn, err := db.ConnectToDBAndMigrate(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database and apply migrations")
	}
	defer dbConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	repo := repository.NewRepo(dbConn)
	bridgeLogger := logger.WithField("bridge_id", bridgeCfg.ID)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		for range c {
			cancel()
			logger.Warn("caught CTRL-C, gracefully terminating")
			return
		}
	}()

	r, err := relayer.NewRelayer(ctx, bridgeLogger, repo, bridgeCfg)
	if err != nil {
		bridgeLogger.WithError(err).Fatal("can't initialize bridge relayer")
	}

	for _, w := range r.Watchers() {
		if w.ChainID() != sideCfg.Chain.ChainID {
			continue
		}
		if err := w.ReprocessRange(ctx, *fromBlock, *toBlock); err != nil {
			logger.WithError(err).Fatal("can't manually reprocess block range")
		}
		return
	}
	logger.Fatal("no watcher found for requested chain")
}
