package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// confirmHandler drives the wallet confirm queue. One invocation tracks one
// logical transaction from broadcast to the configured confirmation depth,
// rebroadcasting with bumped fees when the chain sits on it for too long.
type confirmHandler Wallet

// HandleOrder implements the queue.Handler interface.
func (h *confirmHandler) HandleOrder(ctx context.Context, p *pendingTx, retryCount int) (*types.Receipt, error) {
	w := (*Wallet)(h)

	ticker := time.NewTicker(w.confirmPoll)
	defer ticker.Stop()
	for {
		receipt, err := w.checkConfirmation(ctx, p)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		if time.Since(p.lastSubmission) > w.cfg.ConfirmationTimeout {
			if err := w.replaceTransaction(ctx, p); err != nil {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleFailedOrder implements the queue.Handler interface. The replacement
// loop above is the retry mechanism; a failure here is terminal.
func (h *confirmHandler) HandleFailedOrder(p *pendingTx, retryCount int, err error) bool {
	w := (*Wallet)(h)
	w.log.Warn("transaction confirmation failed",
		zap.Uint64("nonce", p.nonce),
		zap.Int("replacements", p.replacements),
		zap.Error(err))
	return false
}

// OnOrderCompletion implements the queue.Handler interface.
func (h *confirmHandler) OnOrderCompletion(*pendingTx, bool, *types.Receipt, int) {}

// checkConfirmation looks for a mined transaction within the replacement
// chain. It returns a receipt once the transaction is buried under the
// configured number of confirmations, nil while still waiting, and
// ErrNonceConsumedElsewhere when the nonce was spent by a transaction the
// wallet never signed.
func (w *Wallet) checkConfirmation(ctx context.Context, p *pendingTx) (*types.Receipt, error) {
	head, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		w.log.Debug("failed to query chain head", zap.Error(err))
		return nil, nil
	}
	headNumber := head.Number.Uint64()

	if receipt := w.minedReceipt(ctx, p); receipt != nil {
		if headNumber >= receipt.BlockNumber.Uint64()+w.cfg.Confirmations-1 {
			return receipt, nil
		}
		// Mined but shallow. A reorg can still evict it, keep polling.
		return nil, nil
	}

	// None of our transactions is mined. If the account nonce moved past
	// ours, a transaction from another source consumed it.
	nonce, err := w.client.NonceAt(ctx, w.address, nil)
	if err != nil {
		return nil, nil
	}
	if nonce > p.nonce {
		// One of ours may have mined between the receipt sweep and the
		// nonce query. Sweep again before declaring the nonce lost.
		if receipt := w.minedReceipt(ctx, p); receipt != nil {
			if headNumber >= receipt.BlockNumber.Uint64()+w.cfg.Confirmations-1 {
				return receipt, nil
			}
			return nil, nil
		}
		w.resyncNonce()
		return nil, fmt.Errorf("%w: nonce %d", ErrNonceConsumedElsewhere, p.nonce)
	}
	return nil, nil
}

// minedReceipt returns the receipt of the first transaction in the
// replacement chain that the chain reports as mined, or nil.
func (w *Wallet) minedReceipt(ctx context.Context, p *pendingTx) *types.Receipt {
	for _, tx := range p.txs {
		receipt, err := w.client.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			return receipt
		}
	}
	return nil
}

// replaceTransaction rebroadcasts the pending transaction at the same nonce
// with increased fees. After the configured number of replacements the
// transaction is abandoned with ErrConfirmationExceeded.
func (w *Wallet) replaceTransaction(ctx context.Context, p *pendingTx) error {
	if p.replacements >= w.cfg.MaxTries {
		return fmt.Errorf("%w: nonce %d after %d replacements",
			ErrConfirmationExceeded, p.nonce, p.replacements)
	}

	fees, err := w.getIncreasedFeeDataForTransaction(ctx, p.txs[len(p.txs)-1])
	if err != nil {
		w.log.Warn("failed to compute replacement fees", zap.Error(err))
		return nil
	}
	tx, err := w.signWithFees(&p.order.req.TxRequest, p.nonce, fees)
	if err != nil {
		return fmt.Errorf("%w: replacement signing: %w", ErrUnrecoverable, err)
	}
	if err := w.client.SendTransaction(ctx, tx); err != nil {
		// The replacement contends with its predecessors for the nonce.
		// Rejections because an earlier variant is known or already mined
		// are expected; the next poll settles which one won.
		if !isNonceError(err) {
			w.log.Warn("failed to broadcast replacement transaction",
				zap.Uint64("nonce", p.nonce), zap.Error(err))
			p.lastSubmission = time.Now()
			return nil
		}
	}

	w.log.Info("transaction replaced with increased fees",
		zap.String("hash", tx.Hash().Hex()),
		zap.Uint64("nonce", p.nonce),
		zap.Int("replacement", p.replacements+1))
	p.txs = append(p.txs, tx)
	p.replacements++
	p.lastSubmission = time.Now()
	return nil
}
