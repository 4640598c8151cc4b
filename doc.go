// Package portfolio and its sub-packages implement a backend service that keeps the token balances of one owner across
// multiple EVM chains up to date.
/*
portfolio provides you with a microservice (package balances) and a command line tool (cmd/snapshot).

Architecture

The balances of the watched tokens are read from the chains configured at startup. Every token takes four reads, its
balance, decimals, symbol and name, and the reads of many tokens are batched into a single Multicall3 aggregate call
(package lib/block/ethereum). Chains without Multicall3 are read one call at a time. The native coin of a chain is read
with the Multicall3 getEthBalance method and labelled with the metadata of its wrapped token.

Reads are split in chunks of a configurable size (package balances/batch) and every chunk is decoded and merged into
an in-memory store (package balances/holdings) as soon as it completes. A failed chunk never affects the others. The
store keeps the data of one owner: results read for an owner that is no longer tracked are dropped.

Prices are kept in a database (package lib/store, MongoDB or PostgreSQL) as 6 decimals fixed point numbers and joined
with the balances when they are served (package balances/pricing). The database also keeps the watched tokens.

Every merge is published to a message broker (package lib/msg) so other services can follow the balances in real-time.
Other services can also send refresh requests through the broker, ie. after a transaction changed some balances.

The service can be monitored via a Prometheus API by setting the flag "-m" at startup.

Balances

The balances microservice can be started running cmd/balances/main.go. It exposes an HTTP RESTful API to get the
valued balances and the refresh status, start full or partial refreshes, change the tracked owner, manage the watched
tokens and get swap quotes from external services (package balances/quote).

Snapshot

cmd/snapshot runs a single full refresh for an owner, prints the valued balances as JSON and exits. With the flag "-f"
it keeps printing the balance updates published by a running balances service.

*/
package portfolio
