// Package contracts holds the ABI surface of the Catalyst contracts the
// underwriter talks to: the chain interface's underwrite/expireUnderwrite
// calls, ERC-20 approve and the swap/underwrite fingerprint derivations.
// The ABI layout is fixed; any endpoint exposing these selectors works.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const chainInterfaceABIJSON = `[
	{
		"type": "function",
		"name": "underwrite",
		"inputs": [
			{"name": "targetVault", "type": "address"},
			{"name": "toAsset", "type": "address"},
			{"name": "U", "type": "uint256"},
			{"name": "minOut", "type": "uint256"},
			{"name": "toAccount", "type": "address"},
			{"name": "underwriteIncentiveX16", "type": "uint16"},
			{"name": "cdata", "type": "bytes"}
		]
	},
	{
		"type": "function",
		"name": "expireUnderwrite",
		"inputs": [
			{"name": "targetVault", "type": "address"},
			{"name": "toAsset", "type": "address"},
			{"name": "U", "type": "uint256"},
			{"name": "minOut", "type": "uint256"},
			{"name": "toAccount", "type": "address"},
			{"name": "underwriteIncentiveX16", "type": "uint16"},
			{"name": "cdata", "type": "bytes"}
		]
	}
]`

const erc20ABIJSON = `[
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "allowance",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

var (
	chainInterfaceABI abi.ABI
	erc20ABI          abi.ABI
)

func init() {
	var err error
	chainInterfaceABI, err = abi.JSON(strings.NewReader(chainInterfaceABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid chain interface ABI: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 ABI: %v", err))
	}
}

// UnderwriteArgs is the call tuple shared by underwrite and expireUnderwrite.
type UnderwriteArgs struct {
	ToVault                common.Address
	ToAsset                common.Address
	Units                  *uint256.Int
	MinOut                 *uint256.Int
	ToAccount              common.Address
	UnderwriteIncentiveX16 uint16
	Calldata               []byte
}

// PackUnderwrite encodes an underwrite call.
func PackUnderwrite(args UnderwriteArgs) ([]byte, error) {
	return chainInterfaceABI.Pack("underwrite",
		args.ToVault, args.ToAsset, args.Units.ToBig(), args.MinOut.ToBig(),
		args.ToAccount, args.UnderwriteIncentiveX16, args.Calldata)
}

// PackExpireUnderwrite encodes an expireUnderwrite call.
func PackExpireUnderwrite(args UnderwriteArgs) ([]byte, error) {
	return chainInterfaceABI.Pack("expireUnderwrite",
		args.ToVault, args.ToAsset, args.Units.ToBig(), args.MinOut.ToBig(),
		args.ToAccount, args.UnderwriteIncentiveX16, args.Calldata)
}

// PackApprove encodes an ERC-20 approve call.
func PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount.ToBig())
}
