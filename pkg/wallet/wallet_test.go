package wallet

import (
	"context"
	"crypto/ecdsa"
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
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
)

// fakeClient is an in-memory Client with a scriptable broadcast hook.
type fakeClient struct {
	mtx          sync.Mutex
	pendingNonce uint64
	accountNonce uint64
	head         uint64
	baseFee      *big.Int
	tip          *big.Int
	gasPrice     *big.Int
	balance      *big.Int
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	mineOnSend   bool
	sendCalls    int
	sendHook     func(n int, tx *types.Transaction) error
	nonceHook    func() // runs under c.mtx before NonceAt reads the account nonce
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		head:     100,
		gasPrice: big.NewInt(100),
		balance:  big.NewInt(1_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.pendingNonce, nil
}

func (c *fakeClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.nonceHook != nil {
		c.nonceHook()
	}
	return c.accountNonce, nil
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	// The hook sees the zero-based broadcast attempt index. Failed
	// attempts count too, so a hook that rejects attempt 0 is not
	// invoked with 0 again on the retry.
	n := c.sendCalls
	c.sendCalls++
	if c.sendHook != nil {
		if err := c.sendHook(n, tx); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, tx)
	if tx.Nonce() >= c.pendingNonce {
		c.pendingNonce = tx.Nonce() + 1
	}
	if c.mineOnSend {
		c.mine(tx)
	}
	return nil
}

// mine records a receipt at the current head. Callers hold c.mtx.
func (c *fakeClient) mine(tx *types.Transaction) {
	c.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
		Status:      types.ReceiptStatusSuccessful,
	}
	if tx.Nonce() >= c.accountNonce {
		c.accountNonce = tx.Nonce() + 1
	}
}

func (c *fakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(c.head),
		BaseFee: c.baseFee,
	}, nil
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.gasPrice == nil {
		return nil, errors.New("gas price unavailable")
	}
	return c.gasPrice, nil
}

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.tip == nil {
		return nil, errors.New("eip-1559 not supported")
	}
	return c.tip, nil
}

func (c *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.balance, nil
}

func (c *fakeClient) sentCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.sent)
}

func (c *fakeClient) sentTx(i int) *types.Transaction {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sent[i]
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func testWalletConfig() config.ResolvedWalletConfig {
	return config.ResolvedWalletConfig{
		RetryInterval:             10 * time.Millisecond,
		ProcessingInterval:        5 * time.Millisecond,
		MaxTries:                  3,
		MaxPendingTransactions:    4,
		Confirmations:             1,
		ConfirmationTimeout:       time.Second,
		MaxPriorityFeeAdjustmentX: uint256.NewInt(12000), // 1.2
		GasPriceAdjustmentX:       uint256.NewInt(11000), // 1.1
		PriorityAdjustmentX:       uint256.NewInt(15000), // 1.5
	}
}

func startTestWallet(t *testing.T, fc *fakeClient, cfg config.ResolvedWalletConfig) *Wallet {
	w := New(Config{
		ChainID:             "testchain",
		EVMChainID:          big.NewInt(1337),
		PrivateKey:          newTestKey(t),
		Client:              fc,
		Wallet:              cfg,
		ConfirmPollInterval: 5 * time.Millisecond,
		Log:                 zaptest.NewLogger(t),
	})
	w.Start()
	t.Cleanup(w.Shutdown)
	return w
}

func waitReply(t *testing.T, port *Port) *Reply {
	select {
	case reply := <-port.Replies():
		return reply
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for wallet reply")
		return nil
	}
}

func testRequest(metadata any) *Request {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return &Request{
		TxRequest: TransactionRequest{
			To:    &to,
			Value: big.NewInt(0),
			Data:  []byte{0x01, 0x02},
		},
		Metadata: metadata,
	}
}

func TestWalletConfirmedTransaction(t *testing.T) {
	fc := newFakeClient()
	fc.pendingNonce = 5
	fc.accountNonce = 5
	fc.mineOnSend = true

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest("swap-1")))
	reply := waitReply(t, port)

	require.NoError(t, reply.SubmissionError)
	require.NoError(t, reply.ConfirmationError)
	require.NotNil(t, reply.Receipt)
	require.NotNil(t, reply.Tx)
	require.Equal(t, uint64(5), reply.Tx.Nonce())
	require.Equal(t, "swap-1", reply.Metadata)
	require.NotEqual(t, [16]byte{}, [16]byte(reply.MessageID))
	require.Equal(t, 0, w.PendingTransactionCount())
}

func TestWalletSequentialNonces(t *testing.T) {
	fc := newFakeClient()
	fc.mineOnSend = true

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	for i := 0; i < 3; i++ {
		require.NoError(t, port.Submit(testRequest(i)))
	}
	for i := 0; i < 3; i++ {
		reply := waitReply(t, port)
		require.NotNil(t, reply.Receipt)
	}

	require.Equal(t, 3, fc.sentCount())
	for i := 0; i < 3; i++ {
		require.Equal(t, uint64(i), fc.sentTx(i).Nonce())
	}
}

func TestWalletRetriesOnNonceConflict(t *testing.T) {
	fc := newFakeClient()
	fc.pendingNonce = 5
	fc.mineOnSend = true
	fc.sendHook = func(n int, tx *types.Transaction) error {
		if n == 0 {
			// Another sender took nonces 5 and 6 behind our back.
			fc.pendingNonce = 7
			return errors.New("nonce too low")
		}
		return nil
	}

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.NoError(t, reply.SubmissionError)
	require.NotNil(t, reply.Receipt)
	require.Equal(t, uint64(7), reply.Tx.Nonce())
}

func TestWalletNonceConflictWithRetryDisabled(t *testing.T) {
	fc := newFakeClient()
	fc.sendHook = func(int, *types.Transaction) error {
		return errors.New("nonce too low")
	}

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	req := testRequest(nil)
	req.Options.DisableRetryOnNonceError = true
	require.NoError(t, port.Submit(req))
	reply := waitReply(t, port)

	require.Nil(t, reply.Receipt)
	require.ErrorIs(t, reply.SubmissionError, ErrUnrecoverable)
	require.Equal(t, 0, w.PendingTransactionCount())
}

func TestWalletSubmissionFailureAfterMaxTries(t *testing.T) {
	fc := newFakeClient()
	var attempts atomic.Int64
	fc.sendHook = func(int, *types.Transaction) error {
		attempts.Add(1)
		return errors.New("connection refused")
	}

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.Nil(t, reply.Receipt)
	require.ErrorIs(t, reply.SubmissionError, ErrSubmission)
	require.EqualValues(t, 3, attempts.Load())
	require.Equal(t, 0, fc.sentCount())
}

func TestWalletReplacesStuckTransaction(t *testing.T) {
	fc := newFakeClient()
	fc.sendHook = func(n int, tx *types.Transaction) error {
		if n == 1 {
			// The replacement lands, the original never does.
			fc.mine(tx)
		}
		return nil
	}

	cfg := testWalletConfig()
	cfg.ConfirmationTimeout = 20 * time.Millisecond
	w := startTestWallet(t, fc, cfg)
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.NoError(t, reply.ConfirmationError)
	require.NotNil(t, reply.Receipt)
	require.Equal(t, 2, fc.sentCount())
	first, second := fc.sentTx(0), fc.sentTx(1)
	require.Equal(t, first.Nonce(), second.Nonce())
	require.True(t, second.GasPrice().Cmp(first.GasPrice()) > 0)
	require.Equal(t, reply.Receipt.TxHash, second.Hash())
}

func TestWalletGivesUpAfterMaxReplacements(t *testing.T) {
	fc := newFakeClient() // nothing ever mines

	cfg := testWalletConfig()
	cfg.MaxTries = 2
	cfg.ConfirmationTimeout = 10 * time.Millisecond
	w := startTestWallet(t, fc, cfg)
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.Nil(t, reply.Receipt)
	require.ErrorIs(t, reply.ConfirmationError, ErrConfirmationExceeded)
	require.Equal(t, 3, fc.sentCount()) // original plus two replacements
	require.Equal(t, 0, w.PendingTransactionCount())
}

func TestWalletDetectsNonceConsumedElsewhere(t *testing.T) {
	fc := newFakeClient()
	fc.sendHook = func(n int, tx *types.Transaction) error {
		// The broadcast goes through but an unknown transaction at the same
		// nonce wins the race.
		fc.accountNonce = tx.Nonce() + 1
		return nil
	}

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.Nil(t, reply.Receipt)
	require.ErrorIs(t, reply.ConfirmationError, ErrNonceConsumedElsewhere)
}

func TestWalletConfirmsTransactionMinedDuringNonceCheck(t *testing.T) {
	fc := newFakeClient()
	// The transaction lands in the window between the receipt sweep and
	// the account nonce query. The second sweep must find it instead of
	// reporting the nonce as consumed elsewhere.
	fc.nonceHook = func() {
		if len(fc.sent) == 1 && fc.accountNonce == 0 {
			fc.mine(fc.sent[0])
		}
	}

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	require.NoError(t, port.Submit(testRequest(nil)))
	reply := waitReply(t, port)

	require.NoError(t, reply.ConfirmationError)
	require.NotNil(t, reply.Receipt)
	require.Equal(t, fc.sentTx(0).Hash(), reply.Receipt.TxHash)
}

func TestWalletRejectsExpiredRequest(t *testing.T) {
	fc := newFakeClient()

	w := startTestWallet(t, fc, testWalletConfig())
	port := w.AttachToWallet()

	req := testRequest(nil)
	req.Options.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, port.Submit(req))
	reply := waitReply(t, port)

	require.Nil(t, reply.Receipt)
	require.Error(t, reply.SubmissionError)
	require.Equal(t, 0, fc.sentCount())
}
