package balances

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/balances/quote"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/store"
)

// Welcome is the body replied by the home route.
const Welcome = "Hello, this is your multi-chain portfolio service!"

// Errors returned to client requests.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNoAddr     = errors.New("undefined address - missing in uri")
	ErrNoTokens   = errors.New("no tokens in request")
	ErrNoQuote    = errors.New("quote services not available")
)

// Response defines the data structure returned to the client making the http request. Body holds the JSON encoded
// result.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// ChainInfo describes a configured chain.
type ChainInfo struct {
	ChainID   uint64 `json:"chainId"`
	Name      string `json:"name"`
	Multicall bool   `json:"multicall"`
	Coin      string `json:"coin,omitempty"`
}

// status returns the http status code for err.
func status(err error) int {
	switch {
	case errors.Is(err, store.ErrTokenNotFound), errors.Is(err, types.ErrNoChain):
		return http.StatusNotFound
	case errors.Is(err, ErrNoOwner):
		return http.StatusConflict
	case errors.Is(err, quote.ErrUnsupported), errors.Is(err, ErrNoQuote):
		return http.StatusNotImplemented
	case errors.Is(err, quote.ErrService):
		return http.StatusBadGateway
	}

	return http.StatusBadRequest
}

// reply writes the response of a request. body is JSON encoded into the response body when err is nil.
func (s *Service) reply(rw http.ResponseWriter, r *http.Request, route string, code int, body interface{}, err error) {
	var res Response

	if err != nil {
		code = status(err)
		res.Error = err.Error()
	} else if body != nil {
		tmp, errM := json.Marshal(body)
		if errM != nil {
			code, res.Error = http.StatusInternalServerError, errM.Error()
		} else {
			res.Body = string(tmp)
		}
	}

	s.metrics.Request(route, code)
	s.log.Debug("httpreq", zap.String("from", r.RemoteAddr), zap.String("uri", r.RequestURI), zap.Int("code", code),
		zap.Error(err))

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// homeHandler just replies a welcome message to the client.
func (s *Service) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	s.metrics.Request("home", http.StatusOK)

	res.Body = Welcome

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// chainsHandler replies the chains configured.
func (s *Service) chainsHandler(rw http.ResponseWriter, r *http.Request) {
	cs := make([]ChainInfo, 0, len(s.chains))

	defer func() { s.reply(rw, r, "chains", http.StatusOK, cs, nil) }()

	for _, c := range s.chains {
		ci := ChainInfo{ChainID: c.ChainID, Name: c.Name, Multicall: c.Multicall}
		if c.Native != nil {
			ci.Coin = c.Native.CoinSymbol
		}

		cs = append(cs, ci)
	}
}

// balancesHandler replies the balances of the tracked owner valued with the latest prices. The query ?chain=<id>
// restricts them to one chain.
func (s *Service) balancesHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var snap holdings.Snapshot

	defer func() { s.reply(rw, r, "balances", http.StatusOK, snap, err) }()

	if err = r.ParseForm(); err != nil {
		return
	}

	var ids []uint64

	if q := r.Form.Get("chain"); q != "" {
		var id uint64
		if id, err = strconv.ParseUint(q, 0, 64); err != nil {
			err = fmt.Errorf("%w: bad chain %q", ErrBadRequest, q)

			return
		}

		if _, ok := s.chain(id); !ok {
			err = fmt.Errorf("%w: %d", types.ErrNoChain, id)

			return
		}

		ids = []uint64{id}
	}

	prices, err := s.Prices(ids)
	if err != nil {
		return
	}

	snap = s.ctl.Snapshot(prices)

	if len(ids) == 1 {
		for id := range snap.Chains {
			if id != ids[0] {
				delete(snap.Chains, id)
			}
		}
	}
}

// statusHandler replies the state of the refreshes.
func (s *Service) statusHandler(rw http.ResponseWriter, r *http.Request) {
	s.reply(rw, r, "status", http.StatusOK, s.ctl.State(), nil)
}

// refreshHandler starts a full refresh of the watched tokens.
func (s *Service) refreshHandler(rw http.ResponseWriter, r *http.Request) {
	err := s.ctl.Start(r.Context(), ModeFull, s.ctl.Watched())
	s.reply(rw, r, "refresh", http.StatusAccepted, nil, err)
}

// refreshSomeHandler starts a partial refresh of the tokens in the request body.
func (s *Service) refreshSomeHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { s.reply(rw, r, "refresh_some", http.StatusAccepted, nil, err) }()

	var toks []types.Token
	if err = json.NewDecoder(r.Body).Decode(&toks); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)

		return
	}

	if len(toks) == 0 {
		err = ErrNoTokens

		return
	}

	err = s.ctl.Start(r.Context(), ModePartial, toks)
}

// ownerHandler starts tracking the owner in the uri.
func (s *Service) ownerHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { s.reply(rw, r, "owner", http.StatusAccepted, nil, err) }()

	address, ok := mux.Vars(r)["address"]
	if !ok {
		err = ErrNoAddr

		return
	}

	if !common.IsHexAddress(address) || common.HexToAddress(address) == (common.Address{}) {
		err = fmt.Errorf("%w: %s", types.ErrBadAddress, address)

		return
	}

	s.ctl.Track(r.Context(), common.HexToAddress(address))
}

// getOwnerHandler replies the tracked owner on GET and stops tracking it on DELETE.
func (s *Service) getOwnerHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	owner := s.ctl.Owner()
	if owner == (common.Address{}) {
		err = ErrNoOwner
	} else if r.Method == http.MethodDelete {
		s.ctl.Untrack()
	}

	s.reply(rw, r, "owner", http.StatusOK, owner.Hex(), err)
}

// priceHandler saves the price in the request body, ie. {"price":"1.5"}, for the token in the uri.
func (s *Service) priceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { s.reply(rw, r, "prices", http.StatusOK, nil, err) }()

	v := mux.Vars(r)

	id, err := strconv.ParseUint(v["chain"], 0, 64)
	if err != nil {
		err = fmt.Errorf("%w: bad chain %q", ErrBadRequest, v["chain"])

		return
	}

	if !common.IsHexAddress(v["address"]) {
		err = fmt.Errorf("%w: %s", types.ErrBadAddress, v["address"])

		return
	}

	var p struct {
		Price string `json:"price"`
	}

	if err = json.NewDecoder(r.Body).Decode(&p); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)

		return
	}

	err = s.SetPrice(id, common.HexToAddress(v["address"]), p.Price)
}

// tokensHandler replies the watched tokens on GET and adds the token in the request body to them on POST.
func (s *Service) tokensHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var body interface{}

	code := http.StatusOK

	defer func() { s.reply(rw, r, "tokens", code, body, err) }()

	if r.Method == http.MethodGet {
		body = s.ctl.Watched()

		return
	}

	var t types.Token
	if err = json.NewDecoder(r.Body).Decode(&t); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)

		return
	}

	if err = s.Watch(r.Context(), t); err == nil {
		code = http.StatusCreated
	}
}

// unwatchHandler removes the token in the uri from the watched tokens.
func (s *Service) unwatchHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { s.reply(rw, r, "tokens", http.StatusOK, nil, err) }()

	v := mux.Vars(r)

	id, err := strconv.ParseUint(v["chain"], 0, 64)
	if err != nil {
		err = fmt.Errorf("%w: bad chain %q", ErrBadRequest, v["chain"])

		return
	}

	if !common.IsHexAddress(v["address"]) {
		err = fmt.Errorf("%w: %s", types.ErrBadAddress, v["address"])

		return
	}

	err = s.Unwatch(r.Context(), id, common.HexToAddress(v["address"]))
}

// quoteHandler replies a quote from the service selected in the request.
func (s *Service) quoteHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var q quote.Quote

	defer func() { s.reply(rw, r, "quote", http.StatusOK, q, err) }()

	if s.quote == nil {
		err = ErrNoQuote

		return
	}

	var req quote.Request
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)

		return
	}

	q, err = s.quote.Quote(r.Context(), req)
}
