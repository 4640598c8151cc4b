// Package holdings keeps the balances of the tracked owner, indexed by chain and token address.
//
// The Store holds data for one owner at a time. Every merge is tagged with the owner captured when its reads were
// dispatched: a merge for another owner than the tracked one is rejected, and the first merge for a newly tracked owner
// clears the data left by the previous one.
package holdings

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStaleOwner is returned when a merge belongs to an owner that is no longer tracked.
var ErrStaleOwner = errors.New("merge for an owner that is not tracked")

// Field is a set of Record fields.
type Field uint16

// Record fields that can be merged.
const (
	FieldName Field = 1 << iota
	FieldSymbol
	FieldDecimals
	FieldBalance
	FieldPrice
	FieldValue
	FieldStaking
	FieldZaps

	FieldAll = FieldName | FieldSymbol | FieldDecimals | FieldBalance | FieldPrice | FieldValue | FieldStaking | FieldZaps
)

// Record is the balance of one token. Present tells which fields the record carries; a zero Present means all of them.
type Record struct {
	Address       string          `json:"address"`
	ChainID       uint64          `json:"chainId"`
	Name          string          `json:"name"`
	Symbol        string          `json:"symbol"`
	Decimals      uint8           `json:"decimals"`
	Raw           *big.Int        `json:"raw"`
	Balance       decimal.Decimal `json:"balance"`
	Price         decimal.Decimal `json:"price"`
	Value         decimal.Decimal `json:"value"`
	StakingValue  decimal.Decimal `json:"stakingValue"`
	SupportedZaps []string        `json:"supportedZaps"`
	Present       Field           `json:"-"`
}

func (r Record) fields() Field {
	if r.Present == 0 {
		return FieldAll
	}

	return r.Present
}

// Copy returns a record sharing no memory with r.
func (r Record) Copy() Record {
	if r.Raw != nil {
		r.Raw = new(big.Int).Set(r.Raw)
	}

	if r.SupportedZaps != nil {
		r.SupportedZaps = append([]string(nil), r.SupportedZaps...)
	}

	return r
}

// merge writes the fields carried by in over r.
func (r Record) merge(in Record) Record {
	in = in.Copy()
	f := in.fields()

	r.Address, r.ChainID = in.Address, in.ChainID

	if f&FieldName != 0 {
		r.Name = in.Name
	}

	if f&FieldSymbol != 0 {
		r.Symbol = in.Symbol
	}

	if f&FieldDecimals != 0 {
		r.Decimals = in.Decimals
	}

	if f&FieldBalance != 0 {
		r.Raw, r.Balance = in.Raw, in.Balance
	}

	if f&FieldPrice != 0 {
		r.Price = in.Price
	}

	if f&FieldValue != 0 {
		r.Value = in.Value
	}

	if f&FieldStaking != 0 {
		r.StakingValue = in.StakingValue
	}

	if f&FieldZaps != 0 {
		r.SupportedZaps = in.SupportedZaps
	}

	r.Present |= f

	return r
}

// Table maps lower case token addresses to their records, for one chain.
type Table map[string]Record

// Copy returns a deep copy of t.
func (t Table) Copy() Table {
	c := make(Table, len(t))
	for k, r := range t {
		c[k] = r.Copy()
	}

	return c
}

// Snapshot is an independent copy of the store.
type Snapshot struct {
	Owner  common.Address   `json:"owner"`
	Nonce  uint64           `json:"nonce"`
	Chains map[uint64]Table `json:"chains"`
}

// Copy returns a deep copy of s.
func (s Snapshot) Copy() Snapshot {
	c := Snapshot{Owner: s.Owner, Nonce: s.Nonce, Chains: make(map[uint64]Table, len(s.Chains))}
	for id, t := range s.Chains {
		c.Chains[id] = t.Copy()
	}

	return c
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	n := 0
	for _, t := range s.Chains {
		n += len(t)
	}

	return n
}

// Store owns the balances of the tracked owner.
type Store struct {
	mu      sync.Mutex
	session common.Address // owner tracked, zero if none
	ended   bool           // set by Reset until the next Track
	owner   common.Address // owner the data belongs to
	nonce   uint64
	chains  map[uint64]Table
	log     *zap.Logger
}

// New returns an empty store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}

	return &Store{chains: make(map[uint64]Table), log: log}
}

// Track sets the owner whose results are accepted from now on. Data of a previous owner is kept until the first merge
// for the new one.
func (s *Store) Track(owner common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = owner
	s.ended = false
}

// Tracked returns the owner being tracked.
func (s *Store) Tracked() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}

// Merge merges the records of one chain read for owner and returns the new nonce. If an owner is tracked and owner is
// not that one, the merge is rejected with ErrStaleOwner, as is any merge after Reset until an owner is tracked again.
// If owner is not the owner of the data held, the store is cleared before merging.
func (s *Store) Merge(owner common.Address, chainID uint64, t Table) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.session != (common.Address{}) || s.ended) && owner != s.session {
		s.log.Debug("stale merge dropped", zap.Uint64("chain", chainID), zap.Stringer("owner", owner),
			zap.Stringer("tracked", s.session))

		return s.nonce, ErrStaleOwner
	}

	if owner != s.owner {
		s.log.Info("owner changed, store cleared", zap.Stringer("from", s.owner), zap.Stringer("to", owner))

		s.chains = make(map[uint64]Table)
		s.nonce = 0
		s.owner = owner
	}

	cur, ok := s.chains[chainID]
	if !ok {
		cur = make(Table, len(t))
		s.chains[chainID] = cur
	}

	for k, r := range t {
		cur[k] = cur[k].merge(r)
	}

	s.nonce++

	return s.nonce, nil
}

// Snapshot returns a copy of the store that can be used freely by the caller.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{Owner: s.owner, Nonce: s.nonce, Chains: s.chains}.Copy()
}

// Reset clears the data and the tracked owner. Results still being read are dropped when they are merged.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true

	s.session, s.owner, s.nonce = common.Address{}, common.Address{}, 0
	s.chains = make(map[uint64]Table)
}
