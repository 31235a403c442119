package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// submitHandler drives the wallet submit queue: slot acquisition, nonce
// assignment, fee computation, signing and broadcast.
type submitHandler Wallet

// HandleOrder implements the queue.Handler interface.
func (h *submitHandler) HandleOrder(ctx context.Context, order *submitOrder, retryCount int) (*pendingTx, error) {
	w := (*Wallet)(h)

	// The slot is held until the confirm queue settles the order; beyond
	// maxPendingTransactions, submissions block here.
	if !order.slotHeld {
		select {
		case w.slots <- struct{}{}:
			order.slotHeld = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req := &order.req.TxRequest
	if req.GasLimit == 0 {
		gas, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  w.address,
			To:    req.To,
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: gas estimation: %w", ErrSubmission, err)
		}
		// Headroom over the estimate; state may move between now and mining.
		req.GasLimit = gas + gas/10
	}

	fees, err := w.getFeeData(ctx, req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	nonce, err := w.nextAssignableNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce query: %w", ErrSubmission, err)
	}

	tx, err := w.signWithFees(req, nonce, fees)
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %w", ErrUnrecoverable, err)
	}

	if err := w.client.SendTransaction(ctx, tx); err != nil {
		switch {
		case isNonceError(err):
			// Out-of-band transaction or restart took our nonce; refresh
			// from the RPC and either retry at a new nonce or bail.
			w.resyncNonce()
			if order.req.Options.DisableRetryOnNonceError {
				return nil, fmt.Errorf("%w: nonce conflict: %w", ErrUnrecoverable, err)
			}
			return nil, fmt.Errorf("%w: nonce conflict: %w", ErrSubmission, err)
		case isUnrecoverableError(err):
			w.resyncNonce()
			return nil, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
		default:
			// The reserved nonce was not consumed; resync so the next
			// submission does not leave a gap.
			w.resyncNonce()
			return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
		}
	}

	w.log.Debug("transaction broadcast",
		zap.String("hash", tx.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Int("retryCount", retryCount))
	return &pendingTx{
		order:          order,
		txs:            []*types.Transaction{tx},
		nonce:          nonce,
		lastSubmission: time.Now(),
	}, nil
}

// HandleFailedOrder implements the queue.Handler interface.
func (h *submitHandler) HandleFailedOrder(order *submitOrder, retryCount int, err error) bool {
	w := (*Wallet)(h)
	retry := !errors.Is(err, ErrUnrecoverable)
	w.log.Warn("transaction submission failed",
		zap.Error(err),
		zap.Int("retryCount", retryCount),
		zap.Bool("retry", retry))
	return retry
}

// OnOrderCompletion implements the queue.Handler interface. Replies are
// assembled by the wallet main loop.
func (h *submitHandler) OnOrderCompletion(*submitOrder, bool, *pendingTx, int) {}
