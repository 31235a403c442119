package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
)

// FeeData is the fee bundle attached to an outgoing transaction. Exactly one
// of the (MaxFeePerGas, MaxPriorityFeePerGas) pair or GasPrice is set,
// depending on whether the chain supports EIP-1559.
type FeeData struct {
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
	GasPrice             *uint256.Int
}

// Dynamic reports whether the bundle is an EIP-1559 one.
func (f *FeeData) Dynamic() bool {
	return f.GasPrice == nil
}

// applyFactor multiplies a value by a DecimalBase-scaled factor, staying in
// 256-bit integer math.
func applyFactor(value, factorX *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(value, factorX)
	return out.Div(out, uint256.NewInt(config.DecimalBase))
}

// capAt bounds a value by a configured maximum; a zero maximum means
// unbounded.
func capAt(value, max *uint256.Int) *uint256.Int {
	if max != nil && !max.IsZero() && value.Gt(max) {
		return max.Clone()
	}
	return value
}

// fromBig converts a non-negative big.Int, saturating on overflow.
func fromBig(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		out = new(uint256.Int).SetAllOne()
	}
	return out
}

// getFeeData queries the chain and computes the fee bundle for a new
// transaction:
//
//	maxPriorityFeePerGas <- min(queried tip * adj, maxAllowedPriorityFeePerGas)
//	maxFeePerGas         <- min(configured max, baseFee*2 + maxPriorityFeePerGas)
//
// with a legacy gasPrice fallback when the chain returns no tip, and a final
// multiplication by the priority factor for priority transactions.
func (w *Wallet) getFeeData(ctx context.Context, priority bool) (*FeeData, error) {
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain head: %w", err)
	}

	tip, tipErr := w.client.SuggestGasTipCap(ctx)
	if tipErr == nil && header.BaseFee != nil {
		maxPriority := capAt(
			applyFactor(fromBig(tip), w.cfg.MaxPriorityFeeAdjustmentX),
			w.cfg.MaxAllowedPriorityFeePerGas,
		)
		maxFee := new(uint256.Int).Mul(fromBig(header.BaseFee), uint256.NewInt(2))
		maxFee.Add(maxFee, maxPriority)
		maxFee = capAt(maxFee, w.cfg.MaxFeePerGas)
		if priority {
			maxPriority = applyFactor(maxPriority, w.cfg.PriorityAdjustmentX)
			maxFee = applyFactor(maxFee, w.cfg.PriorityAdjustmentX)
		}
		return &FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: maxPriority}, nil
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query gas price: %w", err)
	}
	price := capAt(
		applyFactor(fromBig(gasPrice), w.cfg.GasPriceAdjustmentX),
		w.cfg.MaxAllowedGasPrice,
	)
	if priority {
		price = applyFactor(price, w.cfg.PriorityAdjustmentX)
	}
	return &FeeData{GasPrice: price}, nil
}

// getIncreasedFeeDataForTransaction computes replacement fees for a
// transaction that timed out unconfirmed: the per-field maximum of the
// original fees scaled by the priority factor and a freshly-queried priority
// bundle. The result is strictly higher than the original on every field the
// chain compares for replacement.
func (w *Wallet) getIncreasedFeeDataForTransaction(ctx context.Context, tx *types.Transaction) (*FeeData, error) {
	fresh, err := w.getFeeData(ctx, true)
	if err != nil {
		return nil, err
	}

	if tx.Type() == types.DynamicFeeTxType && fresh.Dynamic() {
		bumpedFee := applyFactor(fromBig(tx.GasFeeCap()), w.cfg.PriorityAdjustmentX)
		bumpedTip := applyFactor(fromBig(tx.GasTipCap()), w.cfg.PriorityAdjustmentX)
		return &FeeData{
			MaxFeePerGas:         maxOf(bumpedFee, fresh.MaxFeePerGas),
			MaxPriorityFeePerGas: maxOf(bumpedTip, fresh.MaxPriorityFeePerGas),
		}, nil
	}

	bumped := applyFactor(fromBig(tx.GasPrice()), w.cfg.PriorityAdjustmentX)
	if fresh.Dynamic() {
		// The chain moved to 1559 fees under us; the bumped legacy price is
		// the only comparable field.
		return &FeeData{GasPrice: bumped}, nil
	}
	return &FeeData{GasPrice: maxOf(bumped, fresh.GasPrice)}, nil
}

func maxOf(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return a
	}
	return b
}
