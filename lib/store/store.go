// Package store defines the interface for database implementations of the portfolio service. The database keeps the
// tokens watched by the service and the last known prices, balances are never persisted.
package store

import (
	"errors"
)

// DB defines required methods for the portfolio service.
type DB interface {
	// watched tokens
	AddToken(Token) error
	RemoveToken(chainID uint64, address string) error
	GetTokens(chainIDs []uint64) ([]Token, error)
	// prices
	SetPrice(Price) error
	GetPrices(chainIDs []uint64) ([]Price, error)
}

// Errors returned
var (
	ErrTokenNotFound = errors.New("token was not found in store")
	ErrDataNotFound  = errors.New("data was not found in store")
)
