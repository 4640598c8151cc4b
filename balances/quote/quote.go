// Package quote asks external services for swap quotes. A Request carries exactly one kind of request, selected by its
// Kind, and the Dispatcher sends it to the service of that kind.
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/lib/config"
)

// Kind selects the quote service.
type Kind string

// Quote services.
const (
	Wido    Kind = "wido"
	Portals Kind = "portals"
	Cowswap Kind = "cowswap"
)

// AppData is the app data hash sent with every Cowswap quote.
const AppData = "0x2B8694ED30082129598720860E8E972F07AA10D9B81CAE16CA0E2CFB24743E24"

// ValidFor is how long a Cowswap quote is requested to be valid.
const ValidFor = 10 * time.Minute

const timeout = 15 * time.Second

// Errors returned.
var (
	ErrInvalidRequest = errors.New("invalid quote request")
	ErrUnsupported    = errors.New("quote service not configured")
	ErrUnknownKind    = errors.New("unknown quote service")
	ErrService        = errors.New("quote service error")
)

// WidoRequest asks Wido for a zap from one token to another, possibly on another chain.
type WidoRequest struct {
	FromChainID uint64         `json:"fromChainId"`
	FromToken   common.Address `json:"fromToken"`
	ToChainID   uint64         `json:"toChainId"`
	ToToken     common.Address `json:"toToken"`
	Amount      *big.Int       `json:"amount"`
	User        common.Address `json:"user"`
	Slippage    float64        `json:"slippagePercentage"`
}

// PortalsRequest asks Portals for a zap on one chain.
type PortalsRequest struct {
	Network     string         `json:"network"`
	Sender      common.Address `json:"sender"`
	InputToken  common.Address `json:"inputToken"`
	InputAmount *big.Int       `json:"inputAmount"`
	OutputToken common.Address `json:"outputToken"`
	Slippage    float64        `json:"slippageTolerancePercentage"`
}

// CowswapRequest asks Cowswap for the price of selling SellAmount of SellToken for BuyToken.
type CowswapRequest struct {
	From       common.Address `json:"from"`
	SellToken  common.Address `json:"sellToken"`
	BuyToken   common.Address `json:"buyToken"`
	SellAmount *big.Int       `json:"sellAmount"`
}

// Request is a quote request. Only the field matching Kind is read.
type Request struct {
	Kind    Kind            `json:"kind"`
	Wido    *WidoRequest    `json:"wido,omitempty"`
	Portals *PortalsRequest `json:"portals,omitempty"`
	Cowswap *CowswapRequest `json:"cowswap,omitempty"`
}

// Quote is the answer of a quote service. Raw is the body returned by the service.
type Quote struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	BuyAmount *big.Int        `json:"buyAmount,omitempty"`
	FeeAmount *big.Int        `json:"feeAmount,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// Dispatcher sends quote requests to the configured services.
type Dispatcher struct {
	conf config.QuoteConfig
	hc   *http.Client
	log  *zap.Logger
	now  func() time.Time
}

// New returns a dispatcher for the services in conf. A nil hc uses a client with a 15 seconds timeout.
func New(conf config.QuoteConfig, hc *http.Client, log *zap.Logger) *Dispatcher {
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Dispatcher{conf: conf, hc: hc, log: log, now: time.Now}
}

// Quote sends r to the service of its kind.
func (d *Dispatcher) Quote(ctx context.Context, r Request) (q Quote, err error) {
	switch r.Kind {
	case Wido:
		if r.Wido == nil {
			return q, fmt.Errorf("%w: missing wido request", ErrInvalidRequest)
		}

		q, err = d.wido(ctx, *r.Wido)
	case Portals:
		if r.Portals == nil {
			return q, fmt.Errorf("%w: missing portals request", ErrInvalidRequest)
		}

		q, err = d.portals(ctx, *r.Portals)
	case Cowswap:
		if r.Cowswap == nil {
			return q, fmt.Errorf("%w: missing cowswap request", ErrInvalidRequest)
		}

		q, err = d.cowswap(ctx, *r.Cowswap)
	default:
		return q, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	if err != nil {
		d.log.Debug("quote failed", zap.String("kind", string(r.Kind)), zap.Error(err))

		return q, err
	}

	q.ID, q.Kind = uuid.NewString(), r.Kind

	return q, nil
}

// cowOrder is the quote query of the Cowswap API.
type cowOrder struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	From                string `json:"from"`
	Receiver            string `json:"receiver"`
	AppData             string `json:"appData"`
	PartiallyFillable   bool   `json:"partiallyFillable"`
	Kind                string `json:"kind"`
	ValidTo             int64  `json:"validTo"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
}

type cowAnswer struct {
	Quote struct {
		BuyAmount string `json:"buyAmount"`
		FeeAmount string `json:"feeAmount"`
	} `json:"quote"`
}

func (d *Dispatcher) cowswap(ctx context.Context, r CowswapRequest) (Quote, error) {
	if d.conf.CowswapURL == "" {
		return Quote{}, ErrUnsupported
	}

	zero := common.Address{}
	if r.From == zero || r.SellToken == zero || r.BuyToken == zero || r.SellAmount == nil || r.SellAmount.Sign() <= 0 {
		return Quote{}, ErrInvalidRequest
	}

	body, err := json.Marshal(cowOrder{
		SellToken:           r.SellToken.Hex(),
		BuyToken:            r.BuyToken.Hex(),
		From:                r.From.Hex(),
		Receiver:            r.From.Hex(),
		AppData:             AppData,
		Kind:                "sell",
		ValidTo:             d.now().Add(ValidFor).Unix(),
		SellAmountBeforeFee: r.SellAmount.String(),
	})
	if err != nil {
		return Quote{}, err
	}

	raw, err := d.do(ctx, http.MethodPost, d.conf.CowswapURL, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}

	var a cowAnswer
	if err = json.Unmarshal(raw, &a); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrService, err)
	}

	return Quote{BuyAmount: amount(a.Quote.BuyAmount), FeeAmount: amount(a.Quote.FeeAmount), Raw: raw}, nil
}

func (d *Dispatcher) wido(ctx context.Context, r WidoRequest) (Quote, error) {
	if d.conf.WidoURL == "" {
		return Quote{}, ErrUnsupported
	}

	if r.Amount == nil || r.Amount.Sign() <= 0 || r.User == (common.Address{}) {
		return Quote{}, ErrInvalidRequest
	}

	u := fmt.Sprintf("%s?fromChainId=%d&fromToken=%s&toChainId=%d&toToken=%s&amount=%s&user=%s&slippagePercentage=%g",
		d.conf.WidoURL, r.FromChainID, r.FromToken.Hex(), r.ToChainID, r.ToToken.Hex(), r.Amount, r.User.Hex(), r.Slippage)

	raw, err := d.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}

	var a struct {
		ToTokenAmount string `json:"toTokenAmount"`
	}

	if err = json.Unmarshal(raw, &a); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrService, err)
	}

	return Quote{BuyAmount: amount(a.ToTokenAmount), Raw: raw}, nil
}

func (d *Dispatcher) portals(ctx context.Context, r PortalsRequest) (Quote, error) {
	if d.conf.PortalsURL == "" {
		return Quote{}, ErrUnsupported
	}

	if r.InputAmount == nil || r.InputAmount.Sign() <= 0 || r.Sender == (common.Address{}) {
		return Quote{}, ErrInvalidRequest
	}

	u := fmt.Sprintf("%s?network=%s&sender=%s&inputToken=%s&inputAmount=%s&outputToken=%s&slippageTolerancePercentage=%g",
		d.conf.PortalsURL, r.Network, r.Sender.Hex(), r.InputToken.Hex(), r.InputAmount, r.OutputToken.Hex(), r.Slippage)

	raw, err := d.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}

	var a struct {
		Context struct {
			OutputAmount string `json:"outputAmount"`
		} `json:"context"`
	}

	if err = json.Unmarshal(raw, &a); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrService, err)
	}

	return Quote{BuyAmount: amount(a.Context.OutputAmount), Raw: raw}, nil
}

// do sends a request and returns the body of a 2xx answer.
func (d *Dispatcher) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := d.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}

	if res.StatusCode/100 != 2 { //nolint:gomnd // 2xx
		return nil, fmt.Errorf("%w: status %d: %s", ErrService, res.StatusCode, bytes.TrimSpace(raw))
	}

	return raw, nil
}

// amount parses a base 10 amount, nil if s is not one.
func amount(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}

	return n
}
