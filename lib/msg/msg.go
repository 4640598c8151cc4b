// Package msg defines the interface for different message brokers.
//
// The portfolio service publishes a BalanceUpdate every time the balances of the tracked owner change and consumes
// RefreshReq messages sent by other services, for example after a transaction changed the balances of some tokens.
package msg

import (
	"sync"

	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/lib/block/types"
)

// Types of refresh requests.
const (
	REFRESH = 0 // full refresh of the watched tokens
	PARTIAL = 1 // partial refresh of Tokens
	OWNER   = 2 // track Owner
	WATCH   = 3 // add Tokens to the watched tokens
	UNWATCH = 4 // remove Tokens from the watched tokens
)

// RefreshReq defines the message other services publish to ask the portfolio service for a refresh.
type RefreshReq struct {
	Type   int           `json:"type"`
	Owner  string        `json:"owner,omitempty"`
	Tokens []types.Token `json:"tokens,omitempty"`
}

// BalanceUpdate defines the message published after the records of a chain have been merged.
type BalanceUpdate struct {
	Owner   string            `json:"owner"`
	ChainID uint64            `json:"chainId"`
	Nonce   uint64            `json:"nonce"`
	Records []holdings.Record `json:"records"`
}

// MsgBroker is implemented by every message broker.
type MsgBroker interface { //nolint:revive // kept for symmetry with the broker implementations
	Setup(interface{}) error
	Close() error

	// methods for the portfolio service
	SendUpdate(u BalanceUpdate) error
	GetReqs(mut *sync.Mutex) (<-chan RefreshReq, <-chan error, error)

	// methods for clients
	SendRequest(r RefreshReq) error
	GetUpdates(mut *sync.Mutex) (<-chan BalanceUpdate, <-chan error, error)
}
