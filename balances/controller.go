// Package balances implements the portfolio service: it keeps the token balances of one owner across several chains
// up to date and serves them, valued with the latest prices, through a RESTful API and a message broker.
//
// Balances are refreshed in three ways. A full refresh reads every watched token, a partial refresh reads a subset of
// them (ie. after a transaction changed some balances) and continuous sync runs every time the owner or the watched
// tokens change. Full and partial refreshes read one chunk at a time to go easy on rate limited nodes, continuous sync
// reads small chunks all at once so results show up as soon as possible.
package balances

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/balances/batch"
	"github.com/tarancss/portfolio/balances/holdings"
	"github.com/tarancss/portfolio/balances/planner"
	"github.com/tarancss/portfolio/balances/pricing"
	"github.com/tarancss/portfolio/lib/block"
	"github.com/tarancss/portfolio/lib/block/types"
	"github.com/tarancss/portfolio/lib/config"
	"github.com/tarancss/portfolio/lib/metrics"
	"github.com/tarancss/portfolio/lib/msg"
)

// Refresh modes.
const (
	ModeFull    = "full"
	ModePartial = "partial"
	ModeSync    = "sync"
)

// Errors returned.
var (
	ErrNoOwner = errors.New("no owner tracked")
	ErrMode    = errors.New("unknown refresh mode")
)

// Notifier is told about every merge into the store.
type Notifier interface {
	SendUpdate(u msg.BalanceUpdate) error
}

// Options configures a Controller. Zero windows take the config defaults.
type Options struct {
	Windows  config.Windows
	Natives  map[uint64]types.NativeAsset
	Metrics  *metrics.Metrics
	Notifier Notifier
	Log      *zap.Logger
}

// Controller runs the refreshes and owns the store and the refresh state.
type Controller struct {
	store   *holdings.Store
	exec    *batch.Executor
	natives map[uint64]types.NativeAsset
	windows config.Windows
	metrics *metrics.Metrics
	notify  Notifier
	log     *zap.Logger

	mu      sync.Mutex
	flags   Flags
	err     error // most recent chunk error
	active  int   // refreshes running
	watched []types.Token

	bg sync.WaitGroup // background refreshes
}

// NewController returns a controller reading from readers.
func NewController(readers map[uint64]block.Reader, opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	w := opts.Windows
	if w.Full <= 0 {
		w.Full = config.WindowsDefault.Full
	}

	if w.Partial <= 0 {
		w.Partial = config.WindowsDefault.Partial
	}

	if w.Sync <= 0 {
		w.Sync = config.WindowsDefault.Sync
	}

	return &Controller{
		store:   holdings.New(opts.Log),
		exec:    batch.New(readers, opts.Log),
		natives: opts.Natives,
		windows: w,
		metrics: opts.Metrics,
		notify:  opts.Notifier,
		log:     opts.Log,
	}
}

// Owner returns the owner tracked.
func (c *Controller) Owner() common.Address {
	return c.store.Tracked()
}

// Track starts tracking owner and syncs the watched tokens in the background.
func (c *Controller) Track(ctx context.Context, owner common.Address) {
	c.log.Info("tracking owner", zap.Stringer("owner", owner))
	c.store.Track(owner)
	c.trigger(ctx)
}

// Untrack stops tracking the owner and drops its balances once the refreshes running in the background end.
func (c *Controller) Untrack() {
	c.bg.Wait()

	c.log.Info("owner untracked", zap.Stringer("owner", c.store.Tracked()))
	c.store.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.err, c.flags = nil, Flags{}
}

// Watch replaces the watched tokens and syncs them in the background.
func (c *Controller) Watch(ctx context.Context, tokens []types.Token) {
	c.mu.Lock()
	c.watched = append([]types.Token(nil), tokens...)
	c.mu.Unlock()

	for _, g := range planner.GroupByChain(tokens) {
		c.metrics.Tracked(g.ChainID, len(g.Tokens))
	}

	c.trigger(ctx)
}

// Watched returns the watched tokens.
func (c *Controller) Watched() []types.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.Token(nil), c.watched...)
}

// Wait blocks until the background refreshes started by Start, Track and Watch are done.
func (c *Controller) Wait() {
	c.bg.Wait()
}

func (c *Controller) trigger(ctx context.Context) {
	tokens := c.Watched()
	if len(tokens) == 0 || c.store.Tracked() == (common.Address{}) {
		return
	}

	ctx = context.WithoutCancel(ctx)

	c.bg.Add(1)

	go func() {
		defer c.bg.Done()

		if err := c.ContinuousSync(ctx, tokens); err != nil {
			c.log.Debug("sync finished with error", zap.Error(err))
		}
	}()
}

// Start runs a refresh of the given mode in the background. Wait blocks until it is done.
func (c *Controller) Start(ctx context.Context, mode string, tokens []types.Token) error {
	if c.store.Tracked() == (common.Address{}) {
		return ErrNoOwner
	}

	run := c.FullRefresh

	switch mode {
	case ModeFull:
	case ModePartial:
		run = c.PartialRefresh
	case ModeSync:
		run = c.ContinuousSync
	default:
		return fmt.Errorf("%w: %q", ErrMode, mode)
	}

	ctx = context.WithoutCancel(ctx)

	c.bg.Add(1)

	go func() {
		defer c.bg.Done()

		if err := run(ctx, tokens); err != nil {
			c.log.Debug("refresh finished with error", zap.String("mode", mode), zap.Error(err))
		}
	}()

	return nil
}

// FullRefresh reads tokens chain after chain, one chunk of the full window at a time. A failed chunk is recorded as
// the error and the remaining chunks are still read. The error recorded last is returned.
func (c *Controller) FullRefresh(ctx context.Context, tokens []types.Token) error {
	return c.refresh(ctx, tokens, c.windows.Full, ModeFull)
}

// PartialRefresh works as FullRefresh with the partial window. It is meant for small sets of tokens whose balances
// are known to have changed.
func (c *Controller) PartialRefresh(ctx context.Context, tokens []types.Token) error {
	return c.refresh(ctx, tokens, c.windows.Partial, ModePartial)
}

func (c *Controller) refresh(ctx context.Context, tokens []types.Token, window int, mode string) error {
	owner := c.store.Tracked()
	if owner == (common.Address{}) {
		return ErrNoOwner
	}

	c.begin()
	defer c.end()

	for _, g := range planner.GroupByChain(tokens) {
		c.exec.Run(ctx, c.plan(owner, g), window, batch.Sequential, func(ch batch.Chunk) {
			c.complete(owner, mode, ch, false)
		})
	}

	return c.Err()
}

// ContinuousSync reads all the chunks of the sync window of every chain at once and merges each one as soon as it
// completes. Every chunk overwrites the error with its own, so the error is the one of the chunk completed last.
func (c *Controller) ContinuousSync(ctx context.Context, tokens []types.Token) error {
	owner := c.store.Tracked()
	if owner == (common.Address{}) {
		return ErrNoOwner
	}

	c.begin()
	defer c.end()

	var wg sync.WaitGroup

	for _, g := range planner.GroupByChain(tokens) {
		wg.Add(1)

		go func(p planner.Plan) {
			defer wg.Done()

			c.exec.Run(ctx, p, c.windows.Sync, batch.Concurrent, func(ch batch.Chunk) {
				c.complete(owner, ModeSync, ch, true)
			})
		}(c.plan(owner, g))
	}

	wg.Wait()

	return c.Err()
}

// plan builds the plan of a chain, logging the native tokens left out for lack of configuration.
func (c *Controller) plan(owner common.Address, g planner.Group) planner.Plan {
	var native *types.NativeAsset
	if n, ok := c.natives[g.ChainID]; ok {
		native = &n
	}

	p, dropped := planner.New(owner, g.ChainID, g.Tokens, native)
	if len(dropped) > 0 {
		c.log.Warn("native token requested on a chain without wrapped asset config, ignoring",
			zap.Uint64("chain", g.ChainID), zap.Int("tokens", len(dropped)))
	}

	return p
}

// complete merges a chunk read for owner. When overwrite is set the error is replaced even by a successful chunk.
func (c *Controller) complete(owner common.Address, mode string, ch batch.Chunk, overwrite bool) {
	c.metrics.Chunk(ch.ChainID, mode, ch.Err, ch.Elapsed)

	if ch.Err != nil {
		c.log.Warn("chunk failed", zap.String("mode", mode), zap.Uint64("chain", ch.ChainID),
			zap.Int("chunk", ch.Index), zap.Error(ch.Err))
		c.setErr(ch.Err)

		return
	}

	nonce, err := c.store.Merge(owner, ch.ChainID, ch.Table)
	if err != nil {
		c.log.Debug("result dropped", zap.Uint64("chain", ch.ChainID), zap.Stringer("owner", owner), zap.Error(err))
		c.metrics.Stale()

		return
	}

	c.metrics.Nonce(nonce)

	if overwrite {
		c.setErr(nil)
	}

	c.publish(owner, ch.ChainID, nonce, ch.Table)
}

func (c *Controller) publish(owner common.Address, chainID, nonce uint64, t holdings.Table) {
	if c.notify == nil {
		return
	}

	u := msg.BalanceUpdate{Owner: owner.Hex(), ChainID: chainID, Nonce: nonce, Records: make([]holdings.Record, 0, len(t))}
	for _, r := range t {
		u.Records = append(u.Records, r)
	}

	sort.Slice(u.Records, func(i, j int) bool { return u.Records[i].Address < u.Records[j].Address })

	if err := c.notify.SendUpdate(u); err != nil {
		c.log.Warn("cannot notify balance update", zap.Uint64("chain", chainID), zap.Error(err))
	}
}

func (c *Controller) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = nil
	c.active++
	c.flags.IsRefetching = c.flags.IsFetched
	c.flags.IsLoading, c.flags.IsFetching = true, true
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	if c.active > 0 {
		return
	}

	c.flags.IsLoading, c.flags.IsFetching, c.flags.IsRefetching = false, false, false
	c.flags.IsFetched = true
	c.flags.IsSuccess = c.err == nil
	c.flags.IsError = c.err != nil
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.err = err
}

// Err returns the error of the most recent failed chunk, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// State returns the refresh flags, the derived status and the most recent error.
func (c *Controller) State() State {
	c.mu.Lock()
	s := State{Flags: c.flags, Status: Derive(c.flags, c.err)}

	if c.err != nil {
		s.Error = c.err.Error()
	}
	c.mu.Unlock()

	s.Nonce = c.store.Snapshot().Nonce

	return s
}

// Status returns the derived status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Derive(c.flags, c.err)
}

// Snapshot returns the balances of the tracked owner valued with prices. Data still held for a previous owner is not
// returned.
func (c *Controller) Snapshot(prices pricing.Table) holdings.Snapshot {
	snap := c.store.Snapshot()

	if tracked := c.store.Tracked(); snap.Owner != tracked {
		snap = holdings.Snapshot{Owner: tracked, Chains: map[uint64]holdings.Table{}}
	}

	return pricing.Enrich(snap, prices)
}
