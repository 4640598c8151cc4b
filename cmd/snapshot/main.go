// Package main: one-shot portfolio snapshot.
//
// snapshot runs a full refresh of the watched tokens for one owner, prints the valued balances as JSON and exits. With
// -f it then keeps printing the balance updates published by a running portfolio service until it is killed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/portfolio/balances"
	"github.com/tarancss/portfolio/balances/pricing"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/config"
	"github.com/tarancss/portfolio/lib/msg/amqp"
	"github.com/tarancss/portfolio/lib/store/db"
)

func main() {
	confPath := flag.String("c", "", "flag to get configuration from json or yaml file")
	ownerFlag := flag.String("o", "", "owner address, overrides the configuration")
	follow := flag.Bool("f", false, "flag to follow the balance updates published by the portfolio service")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		log.Fatal("cannot read configuration", zap.Error(err))
	}

	if *ownerFlag != "" {
		conf.Owner = *ownerFlag
	}

	if !common.IsHexAddress(conf.Owner) {
		log.Fatal("an owner address is required", zap.String("owner", conf.Owner))
	}

	if err = run(context.Background(), conf, log, os.Stdout); err != nil {
		log.Fatal("snapshot failed", zap.Error(err))
	}

	if *follow {
		if err = followUpdates(conf.MbConn, log, os.Stdout); err != nil {
			log.Fatal("cannot follow updates", zap.Error(err))
		}
	}
}

// run refreshes the watched tokens of the configured owner and prints the snapshot.
func run(ctx context.Context, conf config.ServiceConfig, log *zap.Logger, out io.Writer) error {
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		return err
	}

	defer func() { _ = db.Close(conf.DBType, dbConn) }()

	readers, err := block.Init(ctx, conf.Chains, log)
	if err != nil {
		return err
	}
	defer block.End(readers)

	ctl := balances.NewController(readers, balances.Options{
		Windows: conf.Windows, Natives: block.Natives(conf.Chains), Log: log,
	})
	svc := balances.NewService(ctl, dbConn, conf.Chains, nil, nil, log)

	// tokens and prices are independent
	var (
		prices pricing.Table
		tokens []types.Token
	)

	var g errgroup.Group

	g.Go(func() error {
		st, err := dbConn.GetTokens(nil)
		for _, t := range st {
			if common.IsHexAddress(t.Address) {
				tokens = append(tokens, balances.FromStore(t))
			}
		}

		return err
	})
	g.Go(func() error {
		var err error
		prices, err = svc.Prices(nil)

		return err
	})

	if err = g.Wait(); err != nil {
		return err
	}

	if len(tokens) == 0 {
		return fmt.Errorf("no watched tokens in %s database", conf.DBType)
	}

	ctl.Track(ctx, common.HexToAddress(conf.Owner))

	if err = ctl.FullRefresh(ctx, tokens); err != nil {
		log.Warn("some balances could not be read", zap.Error(err))
	}

	return write(out, struct {
		State    balances.State `json:"state"`
		Balances interface{}    `json:"balances"`
		Tokens   []types.Token  `json:"tokens"`
	}{ctl.State(), ctl.Snapshot(prices), tokens})
}

// followUpdates prints the balance updates until the program is killed.
func followUpdates(uri string, log *zap.Logger, out io.Writer) error {
	mb, err := amqp.New(uri, log)
	if err != nil {
		return err
	}

	defer func() { _ = mb.Close() }()

	if err = mb.Setup(nil); err != nil {
		return err
	}

	mut := new(sync.Mutex)
	mut.Lock()

	ups, errs, err := mb.GetUpdates(mut)
	if err != nil {
		return err
	}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case u, ok := <-ups:
			if !ok {
				return nil
			}

			if err := write(out, u); err != nil {
				log.Warn("cannot print update", zap.Error(err))
			}

			mut.Unlock()
		case e, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			log.Warn("received error from broker", zap.Error(e))
		case <-sigchan:
			return nil
		}
	}
}

func write(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
