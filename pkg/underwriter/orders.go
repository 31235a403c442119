package underwriter

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
)

var (
	// ErrValidation marks an order rejected during evaluation. Terminal.
	ErrValidation = errors.New("underwrite order validation failed")
	// ErrUpstream marks a failed store or monitor dependency. Orders hitting
	// it stay in the retry bucket.
	ErrUpstream = errors.New("upstream service unavailable")
)

// EvalOrder is one swap awaiting evaluation. Orders are held back until the
// chain reaches submitAt and pipeline capacity is available.
type EvalOrder struct {
	Swap *store.SwapState

	submitAt uint64
}

// UnderwriteOrder is an evaluated swap ready for submission.
type UnderwriteOrder struct {
	Swap      *store.SwapState
	Interface common.Address
	Args      contracts.UnderwriteArgs

	// ToAssetAllowance is the approval reserved for this order, the expected
	// output amount plus the configured buffer.
	ToAssetAllowance *uint256.Int
	// Collateral is sent as the call value for chains requiring escrow.
	Collateral *uint256.Int
	Deadline   time.Time

	allowanceRegistered bool
}

// UnderwriteResult is the confirmed outcome of an underwrite submission.
type UnderwriteResult struct {
	Tx      *types.Transaction
	Receipt *types.Receipt
}
