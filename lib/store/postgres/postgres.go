// Package postgres implements the interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/tarancss/portfolio/lib/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	chain_id BIGINT NOT NULL,
	address  TEXT NOT NULL,
	decimals SMALLINT,
	name     TEXT NOT NULL DEFAULT '',
	symbol   TEXT NOT NULL DEFAULT '',
	zaps     TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (chain_id, address)
);
CREATE TABLE IF NOT EXISTS prices (
	chain_id BIGINT NOT NULL,
	address  TEXT NOT NULL,
	raw      NUMERIC(78, 0) NOT NULL,
	updated  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, address)
);`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables if they
// do not exist.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// chains returns the chain ids as a postgres array, nil selects every chain.
func chains(chainIDs []uint64) interface{} {
	if len(chainIDs) == 0 {
		return nil
	}

	ids := make([]int64, len(chainIDs))
	for i, id := range chainIDs {
		ids[i] = int64(id)
	}

	return pq.Array(ids)
}

// AddToken saves a watched token, replacing its metadata if it already exists.
func (p *Postgres) AddToken(t store.Token) error {
	var dec sql.NullInt16
	if t.Decimals != nil {
		dec = sql.NullInt16{Int16: int16(*t.Decimals), Valid: true}
	}

	zaps := t.Zaps
	if zaps == nil {
		zaps = []string{}
	}

	_, err := p.db.Exec(`INSERT INTO tokens (chain_id, address, decimals, name, symbol, zaps)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, address) DO UPDATE
		SET decimals = EXCLUDED.decimals, name = EXCLUDED.name, symbol = EXCLUDED.symbol, zaps = EXCLUDED.zaps`,
		int64(t.ChainID), strings.ToLower(t.Address), dec, t.Name, t.Symbol, pq.Array(zaps))
	if err != nil {
		return fmt.Errorf("could not save token in db: %w", err)
	}

	return nil
}

// RemoveToken deletes a watched token from the database.
func (p *Postgres) RemoveToken(chainID uint64, address string) error {
	res, err := p.db.Exec(`DELETE FROM tokens WHERE chain_id = $1 AND address = $2`,
		int64(chainID), strings.ToLower(address))
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return store.ErrTokenNotFound
	}

	return nil
}

// GetTokens returns the watched tokens of the given chains, or of every chain if chainIDs is empty.
func (p *Postgres) GetTokens(chainIDs []uint64) ([]store.Token, error) {
	rows, err := p.db.Query(`SELECT chain_id, address, decimals, name, symbol, zaps FROM tokens
		WHERE $1::BIGINT[] IS NULL OR chain_id = ANY($1) ORDER BY chain_id, address`, chains(chainIDs))
	if err != nil {
		return nil, fmt.Errorf("error getting tokens: %w", err)
	}
	defer rows.Close()

	toks := []store.Token{}

	for rows.Next() {
		var (
			t   store.Token
			id  int64
			dec sql.NullInt16
		)

		if err = rows.Scan(&id, &t.Address, &dec, &t.Name, &t.Symbol, pq.Array(&t.Zaps)); err != nil {
			return nil, fmt.Errorf("error decoding tokens: %w", err)
		}

		t.ChainID = uint64(id)

		if dec.Valid {
			d := uint8(dec.Int16)
			t.Decimals = &d
		}

		toks = append(toks, t)
	}

	return toks, rows.Err()
}

// SetPrice saves the price of a token.
func (p *Postgres) SetPrice(pr store.Price) error {
	_, err := p.db.Exec(`INSERT INTO prices (chain_id, address, raw, updated) VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, address) DO UPDATE SET raw = EXCLUDED.raw, updated = EXCLUDED.updated`,
		int64(pr.ChainID), strings.ToLower(pr.Address), pr.Raw, pr.Updated)

	return err
}

// GetPrices returns the prices of the tokens of the given chains, or of every chain if chainIDs is empty.
func (p *Postgres) GetPrices(chainIDs []uint64) ([]store.Price, error) {
	rows, err := p.db.Query(`SELECT chain_id, address, raw::TEXT, updated FROM prices
		WHERE $1::BIGINT[] IS NULL OR chain_id = ANY($1)`, chains(chainIDs))
	if err != nil {
		return nil, fmt.Errorf("error getting prices: %w", err)
	}
	defer rows.Close()

	ps := []store.Price{}

	for rows.Next() {
		var (
			pr store.Price
			id int64
		)

		if err = rows.Scan(&id, &pr.Address, &pr.Raw, &pr.Updated); err != nil {
			return nil, fmt.Errorf("error decoding prices: %w", err)
		}

		pr.ChainID = uint64(id)
		ps = append(ps, pr)
	}

	if err = rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return ps, nil
}

// Drop deletes the portfolio tables.
func (p *Postgres) Drop() error {
	_, err := p.db.Exec(`DROP TABLE IF EXISTS tokens, prices`)

	return err
}
