package expirer

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
)

var (
	// ErrValidation marks an order rejected during evaluation. Terminal.
	ErrValidation = errors.New("expire order validation failed")
	// ErrUpstream marks a failed store or monitor dependency. Orders hitting
	// it stay in the retry bucket.
	ErrUpstream = errors.New("upstream service unavailable")
)

// scheduledExpiry is one underwrite awaiting its expiry block.
type scheduledExpiry struct {
	desc  store.SwapDescription
	event *store.SwapUnderwrittenEvent

	// expireAt is the block the expiry fires at: the on-chain expiry, pulled
	// forward by the configured margin for our own underwrites.
	expireAt uint64
	index    int
}

// EvalOrder is a fired expiry awaiting validation against the store.
type EvalOrder struct {
	entry *scheduledExpiry
}

// ExpireOrder is a validated expiry ready for submission.
type ExpireOrder struct {
	Desc      store.SwapDescription
	Interface common.Address
	Args      contracts.UnderwriteArgs
}

// ExpireResult is the confirmed outcome of an expire submission.
type ExpireResult struct {
	Tx      *types.Transaction
	Receipt *types.Receipt
}
