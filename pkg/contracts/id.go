package contracts

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	uint16Type, _  = abi.NewType("uint16", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	swapIdentifierArgs = abi.Arguments{
		{Type: addressType}, // toAccount
		{Type: uint256Type}, // units
		{Type: uint256Type}, // fromAmount - fee
		{Type: addressType}, // fromAsset
		{Type: uint256Type}, // blockNumber
	}

	underwriteIDArgs = abi.Arguments{
		{Type: addressType}, // toVault
		{Type: addressType}, // toAsset
		{Type: uint256Type}, // units
		{Type: uint256Type}, // minOut
		{Type: addressType}, // toAccount
		{Type: uint16Type},  // underwriteIncentiveX16
		{Type: bytes32Type}, // keccak256(cdata)
	}
)

// SwapIdentifier computes the swap fingerprint:
// keccak256(abi(toAccount, units, fromAmount - fee, fromAsset, blockNumber)).
// The subtraction saturates at zero; the fee can never exceed the amount in
// a valid SendAsset event.
func SwapIdentifier(toAccount common.Address, units, fromAmount, fee *uint256.Int, fromAsset common.Address, blockNumber uint64) common.Hash {
	amountAfterFee := new(uint256.Int)
	if fromAmount.Gt(fee) {
		amountAfterFee.Sub(fromAmount, fee)
	}
	packed, err := swapIdentifierArgs.Pack(
		toAccount,
		units.ToBig(),
		amountAfterFee.ToBig(),
		fromAsset,
		new(uint256.Int).SetUint64(blockNumber).ToBig(),
	)
	if err != nil {
		// The argument list is static; packing can only fail on a nil input.
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// ExpectedUnderwriteID derives the underwrite identifier the destination
// contract assigns to the committed swap parameters. The core treats the
// value as opaque 32-byte hex; this derivation only has to agree with the
// listener's.
func ExpectedUnderwriteID(args UnderwriteArgs) common.Hash {
	packed, err := underwriteIDArgs.Pack(
		args.ToVault,
		args.ToAsset,
		args.Units.ToBig(),
		args.MinOut.ToBig(),
		args.ToAccount,
		args.UnderwriteIncentiveX16,
		crypto.Keccak256Hash(args.Calldata),
	)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}
