// Package wallet serializes all outbound transactions for one signing key on
// one chain: nonce assignment, gas-fee computation, replacement-by-fee,
// confirmation tracking and balance monitoring. Callers talk to the wallet
// over attached ports carrying correlated request/reply pairs.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/queue"
)

// defaultConfirmPollInterval is how often the confirm queue re-checks
// receipts while waiting for a transaction to be mined.
const defaultConfirmPollInterval = 2 * time.Second

// portReplyBuffer is the reply channel capacity of an attached port.
const portReplyBuffer = 64

type (
	// TransactionRequest describes the transaction a caller wants sent. The
	// wallet fills in nonce and fees; a zero GasLimit is estimated.
	TransactionRequest struct {
		To       *common.Address
		Value    *big.Int
		Data     []byte
		GasLimit uint64
		Priority bool
	}

	// RequestOptions tune per-request wallet behaviour.
	RequestOptions struct {
		// Deadline rejects the request without submission once passed.
		Deadline time.Time
		// DisableRetryOnNonceError rejects immediately instead of retrying
		// at a fresh nonce when the broadcast hits a taken nonce.
		DisableRetryOnNonceError bool
	}

	// Request is one message on a wallet port.
	Request struct {
		MessageID uuid.UUID
		TxRequest TransactionRequest
		Metadata  any
		Options   RequestOptions
	}

	// Reply answers one Request. Exactly one of Receipt, SubmissionError or
	// ConfirmationError is set. Metadata is echoed verbatim.
	Reply struct {
		MessageID         uuid.UUID
		Metadata          any
		Tx                *types.Transaction
		Receipt           *types.Receipt
		SubmissionError   error
		ConfirmationError error
	}

	// Port is a bidirectional attachment to the wallet.
	Port struct {
		wallet  *Wallet
		replies chan *Reply
	}

	// Config contains wallet parameters.
	Config struct {
		ChainID    string
		EVMChainID *big.Int
		PrivateKey *ecdsa.PrivateKey
		Client     Client
		Wallet     config.ResolvedWalletConfig
		// ConfirmPollInterval defaults to 2s when zero.
		ConfirmPollInterval time.Duration
		Log                 *zap.Logger
	}

	// Wallet is the per-chain transaction service.
	Wallet struct {
		cfg    config.ResolvedWalletConfig
		client Client
		log    *zap.Logger

		chainID     string
		evmChainID  *big.Int
		key         *ecdsa.PrivateKey
		address     common.Address
		signer      types.Signer
		confirmPoll time.Duration

		// slots bounds the number of submitted-but-unconfirmed transactions.
		slots chan struct{}

		nonceMtx   sync.Mutex
		nextNonce  uint64
		nonceKnown bool

		submitQueue  *queue.Queue[*submitOrder, pendingTx]
		confirmQueue *queue.Queue[*pendingTx, types.Receipt]

		requests chan *submitOrder
		started  *atomic.Bool
		cancel   context.CancelFunc
		done     chan struct{}
	}

	// submitOrder is the internal submit-queue order.
	submitOrder struct {
		req      *Request
		port     *Port
		slotHeld bool
	}

	// pendingTx is the internal confirm-queue order: one logical transaction
	// with its replacement chain.
	pendingTx struct {
		order          *submitOrder
		txs            []*types.Transaction
		nonce          uint64
		lastSubmission time.Time
		replacements   int
	}
)

// New creates a Wallet for one chain and signing key.
func New(cfg Config) *Wallet {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	confirmPoll := cfg.ConfirmPollInterval
	if confirmPoll <= 0 {
		confirmPoll = defaultConfirmPollInterval
	}
	w := &Wallet{
		cfg:         cfg.Wallet,
		client:      cfg.Client,
		log:         log.With(zap.String("chain", cfg.ChainID), zap.String("service", "wallet")),
		chainID:     cfg.ChainID,
		evmChainID:  cfg.EVMChainID,
		key:         cfg.PrivateKey,
		address:     crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		signer:      types.LatestSignerForChainID(cfg.EVMChainID),
		confirmPoll: confirmPoll,
		slots:       make(chan struct{}, cfg.Wallet.MaxPendingTransactions),
		requests:    make(chan *submitOrder, cfg.Wallet.MaxPendingTransactions),
		started:     atomic.NewBool(false),
		done:        make(chan struct{}),
	}
	w.submitQueue = queue.New[*submitOrder, pendingTx](queue.Options[*submitOrder]{
		Name:          "wallet-submit",
		MaxTries:      cfg.Wallet.MaxTries,
		MaxConcurrent: 1, // nonce assignment and broadcast order are strictly serial
		RetryInterval: cfg.Wallet.RetryInterval,
		DeadlineOf:    func(o *submitOrder) time.Time { return o.req.Options.Deadline },
		Log:           w.log,
	}, (*submitHandler)(w))
	w.confirmQueue = queue.New[*pendingTx, types.Receipt](queue.Options[*pendingTx]{
		Name:          "wallet-confirm",
		MaxTries:      1, // replacement-by-fee happens inside the handler
		MaxConcurrent: cfg.Wallet.MaxPendingTransactions,
		Log:           w.log,
	}, (*confirmHandler)(w))
	return w
}

// Address returns the signer address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// AttachToWallet creates a new port. Ports attached after Shutdown never
// receive replies.
func (w *Wallet) AttachToWallet() *Port {
	return &Port{
		wallet:  w,
		replies: make(chan *Reply, portReplyBuffer),
	}
}

// Submit hands a request to the wallet. It blocks while the wallet's intake
// is saturated and fails only once the wallet is shut down.
func (p *Port) Submit(req *Request) error {
	if req.MessageID == uuid.Nil {
		req.MessageID = uuid.New()
	}
	select {
	case p.wallet.requests <- &submitOrder{req: req, port: p}:
		return nil
	case <-p.wallet.done:
		return context.Canceled
	}
}

// Replies returns the port's reply stream.
func (p *Port) Replies() <-chan *Reply {
	return p.replies
}

// Start runs the wallet in a separate goroutine. The wallet only starts
// once, subsequent calls are no-op.
func (w *Wallet) Start() {
	if !w.started.CAS(false, true) {
		return
	}
	w.log.Info("starting wallet", zap.String("address", w.address.Hex()))
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.balanceWatchdog(ctx)
	go w.mainLoop(ctx)
}

// Shutdown stops the wallet and waits for the main loop to exit. In-flight
// orders are abandoned; their callers receive context errors.
func (w *Wallet) Shutdown() {
	if !w.started.CAS(true, false) {
		return
	}
	w.log.Info("stopping wallet")
	w.cancel()
	<-w.done
}

// PendingTransactionCount returns the number of submitted-but-unconfirmed
// transactions.
func (w *Wallet) PendingTransactionCount() int {
	return len(w.slots)
}

// QueueSizes returns the submit and confirm queue backlog for status logs.
func (w *Wallet) QueueSizes() (submit, confirm int) {
	return w.submitQueue.Size() + w.submitQueue.RetrySize(),
		w.confirmQueue.InFlight()
}

func (w *Wallet) mainLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case order := <-w.requests:
			w.submitQueue.AddOrders(order)
		case <-ticker.C:
			w.processTick(ctx)
		}
	}
}

func (w *Wallet) processTick(ctx context.Context) {
	w.submitQueue.ProcessOrders(ctx)
	submitted, submitFailures := w.submitQueue.FinishedOrders()
	for _, s := range submitted {
		p := *s.Result
		w.confirmQueue.AddOrders(&p)
	}
	for _, r := range submitFailures {
		w.releaseSlot(r.Order)
		w.reply(r.Order, &Reply{SubmissionError: r.Err})
	}

	w.confirmQueue.ProcessOrders(ctx)
	confirmed, confirmFailures := w.confirmQueue.FinishedOrders()
	for _, s := range confirmed {
		w.releaseSlot(s.Order.order)
		w.reply(s.Order.order, &Reply{
			Tx:      s.Order.txs[len(s.Order.txs)-1],
			Receipt: s.Result,
		})
	}
	for _, r := range confirmFailures {
		w.releaseSlot(r.Order.order)
		var lastTx *types.Transaction
		if len(r.Order.txs) > 0 {
			lastTx = r.Order.txs[len(r.Order.txs)-1]
		}
		w.reply(r.Order.order, &Reply{Tx: lastTx, ConfirmationError: r.Err})
	}
}

func (w *Wallet) reply(order *submitOrder, reply *Reply) {
	reply.MessageID = order.req.MessageID
	reply.Metadata = order.req.Metadata
	select {
	case order.port.replies <- reply:
	default:
		w.log.Warn("wallet port reply buffer full, dropping reply",
			zap.String("messageId", reply.MessageID.String()))
	}
}

func (w *Wallet) releaseSlot(order *submitOrder) {
	if !order.slotHeld {
		return
	}
	order.slotHeld = false
	<-w.slots
}

// resyncNonce forces the next submission to refresh the nonce from the RPC.
func (w *Wallet) resyncNonce() {
	w.nonceMtx.Lock()
	w.nonceKnown = false
	w.nonceMtx.Unlock()
}

// nextAssignableNonce refreshes the counter from the RPC when unknown and
// reserves the next nonce. The submit queue is the only caller, one order at
// a time, which keeps broadcasts in strictly increasing nonce order.
func (w *Wallet) nextAssignableNonce(ctx context.Context) (uint64, error) {
	w.nonceMtx.Lock()
	defer w.nonceMtx.Unlock()
	if !w.nonceKnown {
		nonce, err := w.client.PendingNonceAt(ctx, w.address)
		if err != nil {
			return 0, err
		}
		w.nextNonce = nonce
		w.nonceKnown = true
	}
	nonce := w.nextNonce
	w.nextNonce++
	return nonce, nil
}

func (w *Wallet) balanceWatchdog(ctx context.Context) {
	if w.cfg.GasBalanceUpdateInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.GasBalanceUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance, err := w.client.BalanceAt(ctx, w.address, nil)
			if err != nil {
				w.log.Warn("failed to query gas balance", zap.Error(err))
				continue
			}
			updateGasBalance(w.chainID, balance)
			if w.cfg.LowGasBalanceWarning == nil || w.cfg.LowGasBalanceWarning.IsZero() {
				continue
			}
			if fromBig(balance).Lt(w.cfg.LowGasBalanceWarning) {
				w.log.Warn("low gas balance",
					zap.String("balance", balance.String()),
					zap.String("warnBelow", w.cfg.LowGasBalanceWarning.Dec()))
			}
		}
	}
}

// signWithFees builds and signs a transaction at the given nonce.
func (w *Wallet) signWithFees(req *TransactionRequest, nonce uint64, fees *FeeData) (*types.Transaction, error) {
	if fees.Dynamic() {
		return types.SignNewTx(w.key, w.signer, &types.DynamicFeeTx{
			ChainID:   w.evmChainID,
			Nonce:     nonce,
			GasTipCap: fees.MaxPriorityFeePerGas.ToBig(),
			GasFeeCap: fees.MaxFeePerGas.ToBig(),
			Gas:       req.GasLimit,
			To:        req.To,
			Value:     req.Value,
			Data:      req.Data,
		})
	}
	return types.SignNewTx(w.key, w.signer, &types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.GasPrice.ToBig(),
		Gas:      req.GasLimit,
		To:       req.To,
		Value:    req.Value,
		Data:     req.Data,
	})
}
