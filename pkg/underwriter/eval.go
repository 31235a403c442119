package underwriter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
)

// incentiveBase is the denominator of underwriteIncentiveX16 fractions.
const incentiveBase = 1 << 16

// evalHandler drives the evaluation queue: profitability, capacity and
// expiry-window checks turning a swap into an underwrite order.
type evalHandler Underwriter

// HandleOrder implements the queue.Handler interface.
func (h *evalHandler) HandleOrder(ctx context.Context, order *EvalOrder, retryCount int) (*UnderwriteOrder, error) {
	u := (*Underwriter)(h)

	swap, err := u.store.GetSwapStateByExpectedUnderwrite(order.Swap.SwapDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: swap lookup: %w", ErrUpstream, err)
	}
	if swap == nil {
		// The event carries the full state, the record just has not landed.
		swap = order.Swap
	}
	if swap.Units == nil || swap.Units.IsZero() || swap.MinOut == nil {
		return nil, fmt.Errorf("%w: swap %s carries no units", ErrValidation, swap.UnderwriteID.Hex())
	}

	existing, err := u.store.GetActiveUnderwriteState(swap.SwapDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: underwrite lookup: %w", ErrUpstream, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: already underwritten by %s",
			ErrValidation, existing.Underwriter.Hex())
	}

	expectedOut := applyScaled(swap.Units, u.cfg.TokenPriceOfUnitX)
	reward := new(uint256.Int).Mul(expectedOut, uint256.NewInt(uint64(swap.UnderwriteIncentiveX16)))
	reward.Div(reward, uint256.NewInt(incentiveBase))

	if reward.Lt(u.cfg.MinUnderwriteReward) {
		return nil, fmt.Errorf("%w: reward %s below the configured minimum",
			ErrValidation, reward.Dec())
	}
	// relative reward = incentive/2^16 compared against the scaled threshold.
	relative := uint256.NewInt(uint64(swap.UnderwriteIncentiveX16) * config.DecimalBase)
	threshold := new(uint256.Int).Mul(u.cfg.RelativeMinUnderwriteRewardX, uint256.NewInt(incentiveBase))
	if relative.Lt(threshold) {
		return nil, fmt.Errorf("%w: relative reward below the configured minimum", ErrValidation)
	}
	if !u.cfg.MaxUnderwriteAllowed.IsZero() && swap.Units.Gt(u.cfg.MaxUnderwriteAllowed) {
		return nil, fmt.Errorf("%w: units %s exceed maxUnderwriteAllowed",
			ErrValidation, swap.Units.Dec())
	}

	tip := u.monitor.Latest()
	if tip == nil {
		return nil, fmt.Errorf("%w: no block broadcast received yet", ErrUpstream)
	}
	if swap.Expiry > 0 && tip.BlockNumber+u.cfg.UnderwriteDelay+u.cfg.UnderwriteBlocksMargin > swap.Expiry {
		return nil, fmt.Errorf("%w: underwrite window closing at block %d (tip %d)",
			ErrValidation, swap.Expiry, tip.BlockNumber)
	}

	allowance := applyScaled(expectedOut,
		new(uint256.Int).Add(uint256.NewInt(config.DecimalBase), u.cfg.AllowanceBufferX))
	collateral := applyScaled(swap.Units, u.cfg.UnderwritingCollateralX)

	u.log.Debug("swap accepted for underwriting",
		zap.String("underwriteId", swap.UnderwriteID.Hex()),
		zap.String("reward", reward.Dec()),
		zap.String("allowance", allowance.Dec()))
	return &UnderwriteOrder{
		Swap:      swap,
		Interface: swap.ToInterface,
		Args: contracts.UnderwriteArgs{
			ToVault:                swap.ToVault,
			ToAsset:                swap.ToAsset,
			Units:                  swap.Units,
			MinOut:                 swap.MinOut,
			ToAccount:              swap.ToAccount,
			UnderwriteIncentiveX16: swap.UnderwriteIncentiveX16,
			Calldata:               swap.Calldata,
		},
		ToAssetAllowance: allowance,
		Collateral:       collateral,
		Deadline:         time.Now().Add(u.cfg.MaxSubmissionDelay),
	}, nil
}

// HandleFailedOrder implements the queue.Handler interface. Only upstream
// failures are worth another attempt.
func (h *evalHandler) HandleFailedOrder(order *EvalOrder, retryCount int, err error) bool {
	return errors.Is(err, ErrUpstream)
}

// OnOrderCompletion implements the queue.Handler interface.
func (h *evalHandler) OnOrderCompletion(*EvalOrder, bool, *UnderwriteOrder, int) {}

// applyScaled multiplies a value by a DecimalBase-scaled factor.
func applyScaled(value, factorX *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(value, factorX)
	return out.Div(out, uint256.NewInt(config.DecimalBase))
}
