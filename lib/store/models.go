package store

import "time"

// Token contains the fields for a watched token saved to DB. Address is saved in lower case.
type Token struct {
	ChainID  uint64   `json:"chainId" bson:"chainId"`
	Address  string   `json:"address" bson:"address"`
	Decimals *uint8   `json:"decimals,omitempty" bson:"decimals,omitempty"`
	Name     string   `json:"name,omitempty" bson:"name,omitempty"`
	Symbol   string   `json:"symbol,omitempty" bson:"symbol,omitempty"`
	Zaps     []string `json:"zaps,omitempty" bson:"zaps,omitempty"`
}

// Price contains the last price of a token. Raw is the 6 decimals fixed point price as a base 10 string.
type Price struct {
	ChainID uint64    `json:"chainId" bson:"chainId"`
	Address string    `json:"address" bson:"address"`
	Raw     string    `json:"raw" bson:"raw"`
	Updated time.Time `json:"updated" bson:"updated"`
}
