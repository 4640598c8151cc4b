package balances

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tarancss/portfolio/lib/msg"
	"github.com/tarancss/portfolio/lib/util"
)

// ManageRefreshRequests starts a go routine to receive and manage the refresh requests other services send through
// the message broker. The go routine ends when the broker is closed.
func (s *Service) ManageRefreshRequests(ctx context.Context, mb msg.MsgBroker) error {
	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := mb.GetReqs(mut)
	if err != nil {
		return fmt.Errorf("portfolio: cannot get requests: %w", err)
	}

	go func() {
		s.log.Info("start listening to refresh request channel")

		for reqCh != nil || errCh != nil {
			select {
			case req, ok := <-reqCh:
				if !ok {
					reqCh = nil

					continue
				}

				s.log.Debug("received request", zap.Int("type", req.Type), zap.String("owner", req.Owner),
					zap.Int("tokens", len(req.Tokens)))

				if err := s.Handle(ctx, req); err != nil {
					s.log.Warn("cannot process refresh request", zap.Int("type", req.Type), zap.Error(err))
				}

				mut.Unlock()
			case e, ok := <-errCh:
				if !ok {
					errCh = nil

					continue
				}

				s.log.Warn("received error from broker", zap.Error(e))
			}
		}

		s.log.Info("stop listening to refresh request channel")
	}()

	return nil
}

// requestTypes are the refresh requests handled.
var requestTypes = []int{msg.REFRESH, msg.PARTIAL, msg.OWNER, msg.WATCH, msg.UNWATCH} //nolint:gochecknoglobals // const

// Handle processes a refresh request.
func (s *Service) Handle(ctx context.Context, req msg.RefreshReq) error {
	if !util.In(requestTypes, req.Type) {
		return fmt.Errorf("%w: unknown request type %d", ErrBadRequest, req.Type)
	}

	switch req.Type {
	case msg.REFRESH:
		return s.ctl.Start(ctx, ModeFull, s.ctl.Watched())
	case msg.PARTIAL:
		if len(req.Tokens) == 0 {
			return ErrNoTokens
		}

		return s.ctl.Start(ctx, ModePartial, req.Tokens)
	case msg.OWNER:
		if !common.IsHexAddress(req.Owner) || common.HexToAddress(req.Owner) == (common.Address{}) {
			return fmt.Errorf("%w: bad owner %q", ErrBadRequest, req.Owner)
		}

		s.ctl.Track(ctx, common.HexToAddress(req.Owner))
	case msg.WATCH:
		for _, t := range req.Tokens {
			if err := s.Watch(ctx, t); err != nil {
				return err
			}
		}
	case msg.UNWATCH:
		for _, t := range req.Tokens {
			if err := s.Unwatch(ctx, t.ChainID, t.Address); err != nil {
				return err
			}
		}
	}

	return nil
}
