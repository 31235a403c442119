package underwriter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/monitor"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

var errStubBroadcast = errors.New("broadcast refused")

var (
	testInterface = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testVault     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testAsset     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testAccount   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// stubSource feeds the monitor a fixed block sequence.
type stubSource struct {
	blocks []monitor.BlockStatus
}

func (s *stubSource) Run(ctx context.Context, out chan<- monitor.BlockStatus) {
	for _, b := range s.blocks {
		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
	}
	<-ctx.Done()
}

// stubClient is a minimal wallet.Client that mines every broadcast.
type stubClient struct {
	mtx      sync.Mutex
	nonce    uint64
	head     uint64
	gasPrice *big.Int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
}

func newStubClient() *stubClient {
	return &stubClient{
		head:     100,
		gasPrice: big.NewInt(100),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *stubClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (c *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.nonce, nil
}

func (c *stubClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.nonce, nil
}

func (c *stubClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.nonce = tx.Nonce() + 1
	c.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
		Status:      types.ReceiptStatusSuccessful,
	}
	return nil
}

func (c *stubClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *stubClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(c.head)}, nil
}

func (c *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return c.gasPrice, nil
}

func (c *stubClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("eip-1559 not supported")
}

func (c *stubClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (c *stubClient) sentCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.sent)
}

func (c *stubClient) sentTx(i int) *types.Transaction {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sent[i]
}

func testUnderwriterConfig() config.ResolvedUnderwriterConfig {
	return config.ResolvedUnderwriterConfig{
		Enabled:                      true,
		RetryInterval:                10 * time.Millisecond,
		ProcessingInterval:           5 * time.Millisecond,
		MaxTries:                     3,
		MaxPendingTransactions:       4,
		UnderwriteDelay:              0,
		UnderwriteBlocksMargin:       50,
		MaxSubmissionDelay:           time.Minute,
		MinUnderwriteReward:          uint256.NewInt(0),
		RelativeMinUnderwriteRewardX: uint256.NewInt(0),
		MaxUnderwriteAllowed:         uint256.NewInt(0),
		AllowanceBufferX:             uint256.NewInt(500),   // 0.05
		UnderwritingCollateralX:      uint256.NewInt(0),
		TokenPriceOfUnitX:            uint256.NewInt(10000), // 1.0
	}
}

type harness struct {
	underwriter *Underwriter
	store       *store.Store
	client      *stubClient
}

func newHarness(t *testing.T, cfg config.ResolvedUnderwriterConfig, tip uint64) *harness {
	log := zaptest.NewLogger(t)
	st := store.New(store.NewMemoryBackend(), log)

	mon := monitor.New(monitor.Config{
		ChainID: "testchain",
		Source:  &stubSource{blocks: []monitor.BlockStatus{{BlockNumber: tip, Timestamp: 1700000000}}},
		Log:     log,
	})
	mon.Start()
	t.Cleanup(mon.Shutdown)
	require.Eventually(t, func() bool { return mon.Latest() != nil },
		time.Second, 5*time.Millisecond)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := newStubClient()
	w := wallet.New(wallet.Config{
		ChainID:    "testchain",
		EVMChainID: big.NewInt(1337),
		PrivateKey: key,
		Client:     client,
		Wallet: config.ResolvedWalletConfig{
			RetryInterval:             10 * time.Millisecond,
			ProcessingInterval:        5 * time.Millisecond,
			MaxTries:                  3,
			MaxPendingTransactions:    4,
			Confirmations:             1,
			ConfirmationTimeout:       time.Second,
			MaxPriorityFeeAdjustmentX: uint256.NewInt(11000),
			GasPriceAdjustmentX:       uint256.NewInt(10000),
			PriorityAdjustmentX:       uint256.NewInt(11000),
		},
		ConfirmPollInterval: 5 * time.Millisecond,
		Log:                 log,
	})
	w.Start()
	t.Cleanup(w.Shutdown)

	u := New(Config{
		ChainID:     "testchain",
		Store:       st,
		Monitor:     mon,
		Wallet:      w,
		Underwriter: cfg,
		Log:         log,
	})
	u.Start()
	t.Cleanup(u.Shutdown)

	return &harness{underwriter: u, store: st, client: client}
}

func testSwapEvent(tip uint64, incentive uint16) *store.SendAssetEvent {
	units := new(uint256.Int).Mul(uint256.NewInt(1e9), uint256.NewInt(1e9))
	event := &store.SendAssetEvent{}
	event.ToChainID = "testchain"
	event.ToInterface = testInterface
	event.UnderwriteID = common.HexToHash("0xabcdef0000000000000000000000000000000000000000000000000000000001")
	event.FromChainID = "otherchain"
	event.ToVault = testVault
	event.ToAccount = testAccount
	event.ToAsset = testAsset
	event.FromAmount = units.Clone()
	event.Fee = uint256.NewInt(0)
	event.MinOut = uint256.NewInt(0)
	event.Units = units
	event.UnderwriteIncentiveX16 = incentive
	event.Expiry = tip + 500
	event.BlockNumber = tip
	event.BlockTimestamp = 1700000000
	return event
}

func TestUnderwriterHappyPath(t *testing.T) {
	const tip = 100
	h := newHarness(t, testUnderwriterConfig(), tip)

	event := testSwapEvent(tip, 65)
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Eventually(t, func() bool { return h.client.sentCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	// The approve broadcast precedes the underwrite at a lower nonce.
	approve := h.client.sentTx(0)
	underwrite := h.client.sentTx(1)
	require.Equal(t, testAsset, *approve.To())
	require.Equal(t, testInterface, *underwrite.To())
	require.Less(t, approve.Nonce(), underwrite.Nonce())

	ledger := h.underwriter.Approvals()
	require.Eventually(t, func() bool {
		return ledger.RequiredAllowance(testInterface, testAsset).IsZero() &&
			ledger.SetAllowance(testInterface, testAsset).IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnderwriterRejectsUnprofitableSwap(t *testing.T) {
	const tip = 100
	cfg := testUnderwriterConfig()
	cfg.MinUnderwriteReward = uint256.NewInt(1e6)
	h := newHarness(t, cfg, tip)

	event := testSwapEvent(tip, 1)
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Never(t, func() bool { return h.client.sentCount() > 0 },
		200*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.underwriter.Approvals().RequiredAllowance(testInterface, testAsset).IsZero())
}

func TestUnderwriterRejectsExistingUnderwrite(t *testing.T) {
	const tip = 100
	h := newHarness(t, testUnderwriterConfig(), tip)

	event := testSwapEvent(tip, 65)
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.SaveUnderwriteState(&store.UnderwriteState{
		SwapDescription: event.SwapDescription,
		Underwriter:     common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Status:          store.UnderwriteStatusUnderwritten,
	}))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Never(t, func() bool { return h.client.sentCount() > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestUnderwriterRejectsClosingWindow(t *testing.T) {
	const tip = 100
	h := newHarness(t, testUnderwriterConfig(), tip)

	event := testSwapEvent(tip, 65)
	event.Expiry = tip + 10 // inside the 50-block margin
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Never(t, func() bool { return h.client.sentCount() > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestUnderwriterHoldsUntilDelay(t *testing.T) {
	const tip = 100
	cfg := testUnderwriterConfig()
	cfg.UnderwriteDelay = 1000 // tip never reaches eventBlock + delay
	h := newHarness(t, cfg, tip)

	event := testSwapEvent(tip, 65)
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Eventually(t, func() bool { return h.underwriter.Status().Held == 1 },
		time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return h.client.sentCount() > 0 },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestUnderwriterDeduplicatesEvents(t *testing.T) {
	const tip = 100
	h := newHarness(t, testUnderwriterConfig(), tip)

	event := testSwapEvent(tip, 65)
	require.NoError(t, h.store.SaveSwapState(&event.SwapState))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))
	require.NoError(t, h.store.PublishJSON(store.ChannelSendAsset, event))

	require.Eventually(t, func() bool { return h.client.sentCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return h.client.sentCount() > 2 },
		300*time.Millisecond, 10*time.Millisecond)
}
