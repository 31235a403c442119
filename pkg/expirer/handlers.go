package expirer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

// incentiveBase is the denominator of underwriteIncentiveX16 fractions.
const incentiveBase = 1 << 16

// evalHandler confirms a fired expiry is still worth acting on.
type evalHandler Expirer

// HandleOrder implements the queue.Handler interface.
func (h *evalHandler) HandleOrder(ctx context.Context, order *EvalOrder, retryCount int) (*ExpireOrder, error) {
	e := (*Expirer)(h)
	entry := order.entry

	state, err := e.store.GetActiveUnderwriteState(entry.desc)
	if err != nil {
		return nil, fmt.Errorf("%w: underwrite lookup: %w", ErrUpstream, err)
	}
	if state == nil || state.Status != store.UnderwriteStatusUnderwritten {
		// Settled while the order was in flight; nothing to reclaim.
		return nil, nil
	}

	// Guards against a misconfigured margin expiring an underwrite moments
	// after it was issued.
	underwrittenAt := time.Unix(int64(entry.event.BlockTimestamp), 0)
	if time.Since(underwrittenAt) < e.cfg.MinUnderwriteDuration {
		e.log.Warn("expiry fired before the minimum underwrite duration",
			zap.String("underwriteId", entry.desc.UnderwriteID.Hex()),
			zap.Duration("age", time.Since(underwrittenAt)))
		return nil, nil
	}

	swap, err := e.store.GetSwapStateByExpectedUnderwrite(entry.desc)
	if err != nil {
		return nil, fmt.Errorf("%w: swap lookup: %w", ErrUpstream, err)
	}
	if swap == nil {
		return nil, fmt.Errorf("%w: no swap state for underwrite %s",
			ErrValidation, entry.desc.UnderwriteID.Hex())
	}

	if !e.cfg.MinExpiryReward.IsZero() {
		reward := new(uint256.Int).Mul(swap.Units, uint256.NewInt(uint64(swap.UnderwriteIncentiveX16)))
		reward.Div(reward, uint256.NewInt(incentiveBase))
		if reward.Lt(e.cfg.MinExpiryReward) {
			return nil, fmt.Errorf("%w: reward %s below minExpiryReward",
				ErrValidation, reward.Dec())
		}
	}

	return &ExpireOrder{
		Desc:      entry.desc,
		Interface: entry.desc.ToInterface,
		Args: contracts.UnderwriteArgs{
			ToVault:                swap.ToVault,
			ToAsset:                swap.ToAsset,
			Units:                  swap.Units,
			MinOut:                 swap.MinOut,
			ToAccount:              swap.ToAccount,
			UnderwriteIncentiveX16: swap.UnderwriteIncentiveX16,
			Calldata:               swap.Calldata,
		},
	}, nil
}

// HandleFailedOrder implements the queue.Handler interface.
func (h *evalHandler) HandleFailedOrder(order *EvalOrder, retryCount int, err error) bool {
	return errors.Is(err, ErrUpstream)
}

// OnOrderCompletion implements the queue.Handler interface.
func (h *evalHandler) OnOrderCompletion(*EvalOrder, bool, *ExpireOrder, int) {}

// submitHandler broadcasts expireUnderwrite calls. Expiries race other
// expirers, so a failed submission is abandoned rather than retried.
type submitHandler Expirer

// HandleOrder implements the queue.Handler interface.
func (h *submitHandler) HandleOrder(ctx context.Context, order *ExpireOrder, retryCount int) (*ExpireResult, error) {
	e := (*Expirer)(h)

	data, err := contracts.PackExpireUnderwrite(order.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: expireUnderwrite encoding: %w", ErrValidation, err)
	}
	to := order.Interface
	reply, err := e.courier.Send(ctx, &wallet.Request{
		TxRequest: wallet.TransactionRequest{
			To:       &to,
			Value:    big.NewInt(0),
			Data:     data,
			Priority: true, // reclaiming collateral is time-critical
		},
		Metadata: order,
		Options:  wallet.RequestOptions{DisableRetryOnNonceError: true},
	})
	if err != nil {
		return nil, fmt.Errorf("expire submission aborted: %w", err)
	}
	if reply.SubmissionError != nil {
		return nil, fmt.Errorf("expire submission failed: %w", reply.SubmissionError)
	}
	if reply.ConfirmationError != nil {
		return nil, fmt.Errorf("expire confirmation failed: %w", reply.ConfirmationError)
	}
	return &ExpireResult{Tx: reply.Tx, Receipt: reply.Receipt}, nil
}

// HandleFailedOrder implements the queue.Handler interface.
func (h *submitHandler) HandleFailedOrder(order *ExpireOrder, retryCount int, err error) bool {
	return false
}

// OnOrderCompletion implements the queue.Handler interface.
func (h *submitHandler) OnOrderCompletion(*ExpireOrder, bool, *ExpireResult, int) {}
