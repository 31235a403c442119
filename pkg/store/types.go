package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// UnderwriteStatus is the lifecycle state of one underwrite.
type UnderwriteStatus byte

// Underwrite lifecycle states.
const (
	UnderwriteStatusPending UnderwriteStatus = iota
	UnderwriteStatusUnderwritten
	UnderwriteStatusFulfilled
	UnderwriteStatusExpired
)

// String implements the Stringer interface.
func (s UnderwriteStatus) String() string {
	switch s {
	case UnderwriteStatusPending:
		return "pending"
	case UnderwriteStatusUnderwritten:
		return "underwritten"
	case UnderwriteStatusFulfilled:
		return "fulfilled"
	case UnderwriteStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SwapDescription is the key every piece of per-swap state is stored under.
type SwapDescription struct {
	ToChainID    string         `json:"toChainId"`
	ToInterface  common.Address `json:"toInterface"`
	UnderwriteID common.Hash    `json:"underwriteId"`
}

// SwapState is the full description of one cross-chain swap as written by the
// listener on a SendAsset event. All fields but the status-bearing ones are
// immutable for the lifetime of the swap.
type SwapState struct {
	SwapDescription

	FromChainID            string         `json:"fromChainId"`
	FromVault              common.Address `json:"fromVault"`
	ChannelID              common.Hash    `json:"channelId"`
	ToVault                common.Address `json:"toVault"`
	ToAccount              common.Address `json:"toAccount"`
	FromAsset              common.Address `json:"fromAsset"`
	ToAsset                common.Address `json:"toAsset"`
	FromAmount             *uint256.Int   `json:"fromAmount"`
	Fee                    *uint256.Int   `json:"fee"`
	MinOut                 *uint256.Int   `json:"minOut"`
	Units                  *uint256.Int   `json:"units"`
	UnderwriteIncentiveX16 uint16         `json:"underwriteIncentiveX16"`
	Calldata               hexutil.Bytes  `json:"calldata"`

	// SwapID is the swap fingerprint, see contracts.SwapIdentifier.
	SwapID common.Hash `json:"swapId"`
	// Expiry is the block height at which an underwrite of this swap becomes
	// expirable, derived by the listener from the destination vault settings.
	Expiry         uint64 `json:"expiry"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp uint64 `json:"blockTimestamp"`
}

// UnderwriteState tracks the mutable state of one underwrite.
type UnderwriteState struct {
	SwapDescription

	Underwriter         common.Address   `json:"underwriter"`
	Expiry              uint64           `json:"expiry"`
	Status              UnderwriteStatus `json:"status"`
	LastTransitionBlock uint64           `json:"lastTransitionBlock"`
	LastTransitionTime  uint64           `json:"lastTransitionTime"`
}

// SendAssetEvent is published on ChannelSendAsset by the listener. It carries
// the full swap state so subscribers need no extra lookup to evaluate it.
type SendAssetEvent struct {
	SwapState
}

// SwapUnderwrittenEvent is published on ChannelSwapUnderwritten when an
// underwrite (ours or anyone's) is observed on-chain.
type SwapUnderwrittenEvent struct {
	SwapDescription

	Underwriter    common.Address `json:"underwriter"`
	Expiry         uint64         `json:"expiry"`
	BlockNumber    uint64         `json:"blockNumber"`
	BlockTimestamp uint64         `json:"blockTimestamp"`
}

// SwapUnderwriteCompleteEvent is published on ChannelSwapUnderwriteComplete
// when the underlying cross-chain message arrives and the underwrite is
// fulfilled.
type SwapUnderwriteCompleteEvent struct {
	SwapDescription

	BlockNumber uint64 `json:"blockNumber"`
}

// ExpireUnderwriteEvent is published on ChannelExpireUnderwrite when an
// underwrite is expired on-chain.
type ExpireUnderwriteEvent struct {
	SwapDescription

	Expirer     common.Address `json:"expirer"`
	BlockNumber uint64         `json:"blockNumber"`
}
