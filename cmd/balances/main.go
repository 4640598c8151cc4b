// Package main: portfolio balances service.
//
// The service tracks the token balances of one owner across the configured chains. The owner is taken from the
// configuration, either as an address or derived from an HD wallet seed, and can be changed later through the API or
// the message broker. The database keeps the watched tokens and their prices, balances live in memory only.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/balances"
	"github.com/tarancss/portfolio/balances/quote"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/config"
	"github.com/tarancss/portfolio/lib/metrics"
	"github.com/tarancss/portfolio/lib/msg"
	"github.com/tarancss/portfolio/lib/msg/amqp"
	"github.com/tarancss/portfolio/lib/store"
	"github.com/tarancss/portfolio/lib/store/db"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json or yaml file")
	monitor := flag.Bool("m", false, "flag to expose Prometheus metrics at http://localhost:9100/metrics")
	debug := flag.Bool("d", false, "flag to log debug messages in development format")
	flag.Parse()

	log := logger(*debug)
	defer func() { _ = log.Sync() }()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatal("cannot read configuration", zap.Error(err))
	}

	log.Info("configuration loaded", zap.String("db", conf.DBType), zap.String("mb", conf.MbType),
		zap.Int("chains", len(conf.Chains)), zap.Any("windows", conf.Windows))

	owner, err := ownerAddress(conf)
	if err != nil {
		log.Fatal("cannot get owner", zap.Error(err))
	}

	// connect to database
	var dbConn store.DB

	if conf.DBConn != "" {
		if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
			log.Fatal("cannot connect to database", zap.Error(err))
		}

		log.Info("connected to database", zap.String("type", conf.DBType))

		defer func() {
			err := db.Close(conf.DBType, dbConn)
			log.Info("disconnected from database", zap.Error(err))
		}()
	}

	// load all chains
	ctx := context.Background()

	readers, err := block.Init(ctx, conf.Chains, log)
	if err != nil {
		log.Fatal("cannot load chain clients", zap.Error(err))
	}
	defer block.End(readers)

	log.Info("chain clients loaded", zap.Int("chains", len(readers)))

	// load Prometheus monitor
	m := metrics.New(prometheus.DefaultRegisterer)

	if *monitor {
		go func() {
			log.Info("serving metrics API")

			h := http.NewServeMux()
			h.Handle("/metrics", promhttp.Handler())

			if err := http.ListenAndServe(":9100", h); err != nil { //nolint:gosec // metrics only
				log.Warn("metrics API stopped", zap.Error(err))
			}
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn, log); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn, log); err != nil {
				log.Fatal("cannot connect to message broker", zap.Error(err))
			}
		}

		if err = mb.Setup(nil); err != nil {
			log.Fatal("cannot set up message broker", zap.Error(err))
		}

		defer func() {
			err := mb.Close()
			log.Info("closing message broker", zap.Error(err))
		}()
	default:
		log.Warn("unknown message broker type, balance updates will not be published", zap.String("type", conf.MbType))
	}

	// create the controller and the service
	opts := balances.Options{Windows: conf.Windows, Natives: block.Natives(conf.Chains), Metrics: m, Log: log}
	if mb != nil {
		opts.Notifier = mb
	}

	ctl := balances.NewController(readers, opts)
	svc := balances.NewService(ctl, dbConn, conf.Chains, quote.New(conf.Quote, nil, log), m, log)

	if err = svc.LoadTokens(ctx); err != nil {
		log.Error("cannot load watched tokens", zap.Error(err))
	}

	if owner != (common.Address{}) {
		ctl.Track(ctx, owner)
	}

	// manage refresh requests
	if mb != nil {
		if err = svc.ManageRefreshRequests(ctx, mb); err != nil {
			log.Error("cannot set up broker reader for refresh requests", zap.Error(err))
		}
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan struct{})

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed")
		// stop the API and wait for the running refreshes
		svc.Stop()
		close(finish)
	}()

	// init RESTful API, wait for its return and log response
	log.Info("portfolio service stopped", zap.String("result", svc.Init(conf.RestfulEndpoint, conf.Port)))

	<-finish
}

func logger(debug bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)

	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}

	if err != nil {
		panic(err)
	}

	return log
}
