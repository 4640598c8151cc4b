package balances

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/balances/pricing"
	"github.com/tarancss/portfolio/balances/quote"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/config"
	"github.com/tarancss/portfolio/lib/metrics"
	"github.com/tarancss/portfolio/lib/store"
)

const timeout = 15

// Service serves the balances of the tracked owner through a RESTful API and keeps the watched tokens in the database.
type Service struct {
	ctl     *Controller
	db      store.DB
	chains  []config.ChainConfig
	quote   *quote.Dispatcher
	metrics *metrics.Metrics
	log     *zap.Logger

	mu sync.Mutex // serializes watch list changes and guards s

	s  *http.Server
	sc chan struct{} // closed once the server has been shut down
}

// NewService returns a service for ctl. dbConn keeps the watched tokens and the prices, q may be nil when no quote
// service is configured.
func NewService(ctl *Controller, dbConn store.DB, chains []config.ChainConfig, q *quote.Dispatcher,
	m *metrics.Metrics, log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		ctl:     ctl,
		db:      dbConn,
		chains:  chains,
		quote:   q,
		metrics: m,
		log:     log,
		sc:      make(chan struct{}),
	}
}

// Router returns the API routes.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.homeHandler)
	r.HandleFunc("/chains", s.chainsHandler).Methods(http.MethodGet)                       // configured chains
	r.HandleFunc("/balances", s.balancesHandler).Methods(http.MethodGet)                   // valued balances
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)                       // refresh state
	r.HandleFunc("/refresh", s.refreshHandler).Methods(http.MethodPost)                    // full refresh
	r.HandleFunc("/refresh/some", s.refreshSomeHandler).Methods(http.MethodPost)           // partial refresh
	r.HandleFunc("/owner/{address}", s.ownerHandler).Methods(http.MethodPut)               // track an owner
	r.HandleFunc("/owner", s.getOwnerHandler).Methods(http.MethodGet, http.MethodDelete)   // tracked owner
	r.HandleFunc("/prices/{chain}/{address}", s.priceHandler).Methods(http.MethodPut)      // set a price
	r.HandleFunc("/tokens", s.tokensHandler).Methods(http.MethodGet, http.MethodPost)      // watch list
	r.HandleFunc("/tokens/{chain}/{address}", s.unwatchHandler).Methods(http.MethodDelete) // unwatch a token
	r.HandleFunc("/quote", s.quoteHandler).Methods(http.MethodPost)                        // swap quote

	return r
}

// Init starts the http server to service the RESTful API and blocks until Stop is called.
func (s *Service) Init(endpoint, port string) string {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         endpoint + ":" + port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	s.mu.Lock()
	s.s = srv
	s.mu.Unlock()

	errc := make(chan error, 1)

	go func() {
		errc <- srv.ListenAndServe()
	}()

	s.log.Info("listening to API http requests", zap.String("endpoint", endpoint), zap.String("port", port))

	// wait for server to be shutdown or to fail
	select {
	case err := <-errc:
		return fmt.Sprintf("http server failed: %v", err)
	case <-s.sc:
		return fmt.Sprintf("shutdown http server: %v", <-errc)
	}
}

// Stop shuts down the http server and waits for the refreshes running in the background.
func (s *Service) Stop() {
	s.mu.Lock()
	srv := s.s
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("error in http server shutdown", zap.Error(err))
		}
	}

	close(s.sc)
	s.ctl.Wait()
}

// LoadTokens reads the watched tokens from the database and hands them to the controller.
func (s *Service) LoadTokens(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	st, err := s.db.GetTokens(nil)
	if err != nil {
		return fmt.Errorf("cannot load watched tokens: %w", err)
	}

	toks := make([]types.Token, 0, len(st))

	for _, t := range st {
		if !common.IsHexAddress(t.Address) {
			s.log.Warn("ignoring watched token with bad address", zap.Uint64("chain", t.ChainID), zap.String("address", t.Address))

			continue
		}

		toks = append(toks, FromStore(t))
	}

	s.log.Info("watched tokens loaded", zap.Int("tokens", len(toks)))
	s.ctl.Watch(ctx, toks)

	return nil
}

// Prices reads the prices of the given chains, or of every chain, from the database.
func (s *Service) Prices(chainIDs []uint64) (pricing.Table, error) {
	prices := pricing.Table{}
	if s.db == nil {
		return prices, nil
	}

	ps, err := s.db.GetPrices(chainIDs)
	if err != nil && !errors.Is(err, store.ErrDataNotFound) {
		return nil, err
	}

	for _, p := range ps {
		raw, ok := new(big.Int).SetString(p.Raw, 10)
		if !ok {
			s.log.Warn("ignoring bad price", zap.Uint64("chain", p.ChainID), zap.String("address", p.Address),
				zap.String("raw", p.Raw))

			continue
		}

		prices.Set(p.ChainID, p.Address, raw)
	}

	return prices, nil
}

// SetPrice saves the price of a token, a decimal string (ie. "1.5").
func (s *Service) SetPrice(chainID uint64, address common.Address, price string) error {
	if _, ok := s.chain(chainID); !ok {
		return fmt.Errorf("%w: %d", types.ErrNoChain, chainID)
	}

	raw, err := pricing.ParsePrice(price)
	if err != nil {
		return fmt.Errorf("%w: bad price %q", ErrBadRequest, price)
	}

	if raw.Sign() < 0 {
		return fmt.Errorf("%w: negative price %q", ErrBadRequest, price)
	}

	if s.db == nil {
		return store.ErrDataNotFound
	}

	return s.db.SetPrice(store.Price{
		ChainID: chainID, Address: strings.ToLower(address.Hex()), Raw: raw.String(), Updated: time.Now().UTC(),
	})
}

// Watch adds a token to the watched tokens.
func (s *Service) Watch(ctx context.Context, t types.Token) error {
	if _, ok := s.chain(t.ChainID); !ok {
		return fmt.Errorf("%w: %d", types.ErrNoChain, t.ChainID)
	}

	if t.Address == (common.Address{}) {
		return types.ErrBadAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.AddToken(ToStore(t)); err != nil {
			return err
		}
	}

	toks := s.ctl.Watched()
	for i := range toks {
		if toks[i].ChainID == t.ChainID && toks[i].Address == t.Address {
			toks[i] = t
			s.ctl.Watch(ctx, toks)

			return nil
		}
	}

	s.ctl.Watch(ctx, append(toks, t))

	return nil
}

// Unwatch removes a token from the watched tokens.
func (s *Service) Unwatch(ctx context.Context, chainID uint64, address common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.RemoveToken(chainID, address.Hex()); err != nil {
			return err
		}
	}

	toks := s.ctl.Watched()
	kept := toks[:0]
	found := false

	for _, t := range toks {
		if t.ChainID == chainID && t.Address == address {
			found = true

			continue
		}

		kept = append(kept, t)
	}

	if !found {
		return store.ErrTokenNotFound
	}

	s.ctl.Watch(ctx, kept)

	return nil
}

func (s *Service) chain(id uint64) (config.ChainConfig, bool) {
	for _, c := range s.chains {
		if c.ChainID == id {
			return c, true
		}
	}

	return config.ChainConfig{}, false
}

// FromStore converts a database token.
func FromStore(t store.Token) types.Token {
	return types.Token{
		Address:       common.HexToAddress(t.Address),
		ChainID:       t.ChainID,
		Decimals:      t.Decimals,
		Name:          t.Name,
		Symbol:        t.Symbol,
		SupportedZaps: t.Zaps,
	}
}

// ToStore converts a token for the database.
func ToStore(t types.Token) store.Token {
	zaps := append([]string(nil), t.SupportedZaps...)
	sort.Strings(zaps)

	return store.Token{
		ChainID:  t.ChainID,
		Address:  strings.ToLower(t.Address.Hex()),
		Decimals: t.Decimals,
		Name:     t.Name,
		Symbol:   t.Symbol,
		Zaps:     zaps,
	}
}
