package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
)

func feeTestWallet(t *testing.T, fc *fakeClient, cfg config.ResolvedWalletConfig) *Wallet {
	key := newTestKey(t)
	return New(Config{
		ChainID:    "testchain",
		EVMChainID: big.NewInt(1337),
		PrivateKey: key,
		Client:     fc,
		Wallet:     cfg,
		Log:        zaptest.NewLogger(t),
	})
}

func TestGetFeeDataDynamic(t *testing.T) {
	fc := newFakeClient()
	fc.baseFee = big.NewInt(100)
	fc.tip = big.NewInt(10)

	cfg := testWalletConfig()
	w := feeTestWallet(t, fc, cfg)

	fees, err := w.getFeeData(context.Background(), false)
	require.NoError(t, err)
	require.True(t, fees.Dynamic())
	// tip 10 * 1.2 = 12; maxFee = baseFee*2 + tip = 212.
	require.Equal(t, uint64(12), fees.MaxPriorityFeePerGas.Uint64())
	require.Equal(t, uint64(212), fees.MaxFeePerGas.Uint64())
}

func TestGetFeeDataDynamicCapped(t *testing.T) {
	fc := newFakeClient()
	fc.baseFee = big.NewInt(100)
	fc.tip = big.NewInt(10)

	cfg := testWalletConfig()
	cfg.MaxAllowedPriorityFeePerGas = uint256.NewInt(5)
	cfg.MaxFeePerGas = uint256.NewInt(150)
	w := feeTestWallet(t, fc, cfg)

	fees, err := w.getFeeData(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(5), fees.MaxPriorityFeePerGas.Uint64())
	require.Equal(t, uint64(150), fees.MaxFeePerGas.Uint64())
}

func TestGetFeeDataPriorityMultiplier(t *testing.T) {
	fc := newFakeClient()
	fc.baseFee = big.NewInt(100)
	fc.tip = big.NewInt(10)

	w := feeTestWallet(t, fc, testWalletConfig())

	fees, err := w.getFeeData(context.Background(), true)
	require.NoError(t, err)
	// Non-priority values 12 and 212, multiplied by 1.5.
	require.Equal(t, uint64(18), fees.MaxPriorityFeePerGas.Uint64())
	require.Equal(t, uint64(318), fees.MaxFeePerGas.Uint64())
}

func TestGetFeeDataLegacyFallback(t *testing.T) {
	fc := newFakeClient()
	fc.gasPrice = big.NewInt(100)

	cfg := testWalletConfig()
	cfg.MaxAllowedGasPrice = uint256.NewInt(105)
	w := feeTestWallet(t, fc, cfg)

	fees, err := w.getFeeData(context.Background(), false)
	require.NoError(t, err)
	require.False(t, fees.Dynamic())
	// gasPrice 100 * 1.1 = 110, capped at 105.
	require.Equal(t, uint64(105), fees.GasPrice.Uint64())
}

func TestGetIncreasedFeeDataDynamic(t *testing.T) {
	fc := newFakeClient()
	fc.baseFee = big.NewInt(10)
	fc.tip = big.NewInt(1)

	w := feeTestWallet(t, fc, testWalletConfig())

	original := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		GasFeeCap: big.NewInt(400),
		GasTipCap: big.NewInt(40),
	})
	fees, err := w.getIncreasedFeeDataForTransaction(context.Background(), original)
	require.NoError(t, err)
	require.True(t, fees.Dynamic())
	// Bumped originals (400*1.5, 40*1.5) dominate the fresh quote here.
	require.Equal(t, uint64(600), fees.MaxFeePerGas.Uint64())
	require.Equal(t, uint64(60), fees.MaxPriorityFeePerGas.Uint64())
}

func TestGetIncreasedFeeDataLegacyTakesFreshQuote(t *testing.T) {
	fc := newFakeClient()
	fc.gasPrice = big.NewInt(1000)

	w := feeTestWallet(t, fc, testWalletConfig())

	original := types.NewTx(&types.LegacyTx{GasPrice: big.NewInt(100)})
	fees, err := w.getIncreasedFeeDataForTransaction(context.Background(), original)
	require.NoError(t, err)
	require.False(t, fees.Dynamic())
	// Fresh priority quote 1000*1.1*1.5 = 1650 beats the bumped 150.
	require.Equal(t, uint64(1650), fees.GasPrice.Uint64())
}

func TestApplyFactorAndCaps(t *testing.T) {
	v := applyFactor(uint256.NewInt(200), uint256.NewInt(12500))
	require.Equal(t, uint64(250), v.Uint64())

	require.Equal(t, uint64(7), capAt(uint256.NewInt(7), nil).Uint64())
	require.Equal(t, uint64(7), capAt(uint256.NewInt(7), uint256.NewInt(0)).Uint64())
	require.Equal(t, uint64(5), capAt(uint256.NewInt(7), uint256.NewInt(5)).Uint64())

	require.True(t, fromBig(nil).IsZero())
	require.True(t, fromBig(big.NewInt(-5)).IsZero())
	require.Equal(t, uint64(42), fromBig(big.NewInt(42)).Uint64())
}
