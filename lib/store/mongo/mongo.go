// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/portfolio/lib/store"
)

const (
	database = "portfolio"
	tokens   = "tokens"
	prices   = "prices"
	timeout  = 5 * time.Second
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database(database).Collection(name)
}

// key is the filter selecting the document of a token.
func key(chainID uint64, address string) bson.M {
	return bson.M{"chainId": int64(chainID), "address": strings.ToLower(address)}
}

// chains is the filter selecting the documents of the given chains, or all of them if none given.
func chains(chainIDs []uint64) bson.M {
	if len(chainIDs) == 0 {
		return bson.M{}
	}

	ids := make(bson.A, len(chainIDs))
	for i, id := range chainIDs {
		ids[i] = int64(id)
	}

	return bson.M{"chainId": bson.M{"$in": ids}}
}

// AddToken saves a watched token, replacing its metadata if it already exists.
func (m *Mongo) AddToken(t store.Token) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	t.Address = strings.ToLower(t.Address)

	_, err := m.col(tokens).ReplaceOne(ctx, key(t.ChainID, t.Address), t, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save token in db: %w", err)
	}

	return nil
}

// RemoveToken deletes a watched token from the database.
func (m *Mongo) RemoveToken(chainID uint64, address string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := m.col(tokens).DeleteOne(ctx, key(chainID, address))
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrTokenNotFound
	}

	return err
}

// GetTokens returns the watched tokens of the given chains, or of every chain if chainIDs is empty.
func (m *Mongo) GetTokens(chainIDs []uint64) ([]store.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cur, err := m.col(tokens).Find(ctx, chains(chainIDs))
	if err != nil {
		return nil, fmt.Errorf("error getting tokens: %w", err)
	}

	toks := []store.Token{}
	if err = cur.All(ctx, &toks); err != nil {
		return nil, fmt.Errorf("error decoding tokens: %w", err)
	}

	return toks, nil
}

// SetPrice saves the price of a token.
func (m *Mongo) SetPrice(p store.Price) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := m.col(prices).UpdateOne(ctx,
		key(p.ChainID, p.Address), // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "raw", Value: p.Raw},
					{Key: "updated", Value: p.Updated},
				},
			},
		},
		options.Update().SetUpsert(true))

	return err
}

// GetPrices returns the prices of the tokens of the given chains, or of every chain if chainIDs is empty.
func (m *Mongo) GetPrices(chainIDs []uint64) ([]store.Price, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cur, err := m.col(prices).Find(ctx, chains(chainIDs))
	if err != nil {
		return nil, fmt.Errorf("error getting prices: %w", err)
	}

	ps := []store.Price{}
	if err = cur.All(ctx, &ps); err != nil {
		return nil, fmt.Errorf("error decoding prices: %w", err)
	}

	return ps, nil
}

// Drop deletes the portfolio database.
func (m *Mongo) Drop() error {
	return m.c.Database(database).Drop(context.Background())
}
