// Package underwriter evaluates observed swaps for profitability and submits
// the winning ones as underwrite transactions. It chains two processing
// queues, evaluation and submission, behind an admission gate that holds new
// swaps until the configured block delay and pipeline capacity allow them in.
package underwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/monitor"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/queue"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

// seenCacheSize bounds the duplicate-event cache.
const seenCacheSize = 10000

type (
	// Config contains underwriter parameters.
	Config struct {
		ChainID     string
		Store       *store.Store
		Monitor     *monitor.Monitor
		Wallet      *wallet.Wallet
		Underwriter config.ResolvedUnderwriterConfig
		Log         *zap.Logger
	}

	// Underwriter is the per-chain underwriting pipeline.
	Underwriter struct {
		cfg     config.ResolvedUnderwriterConfig
		chainID string
		store   *store.Store
		monitor *monitor.Monitor
		wallet  *wallet.Wallet
		courier *wallet.Courier
		log     *zap.Logger

		approvals *ApprovalHandler

		evalQueue   *queue.Queue[*EvalOrder, UnderwriteOrder]
		submitQueue *queue.Queue[*UnderwriteOrder, UnderwriteResult]

		// holding is the admission pre-queue, in arrival order.
		holdMtx sync.Mutex
		holding []*EvalOrder
		seen    *lru.Cache

		started *atomic.Bool
		cancel  context.CancelFunc
		done    chan struct{}
	}

	// Status is a point-in-time snapshot of the pipeline backlog.
	Status struct {
		Held        int `json:"held"`
		Evaluating  int `json:"evaluating"`
		Submitting  int `json:"submitting"`
		WalletQueue int `json:"walletQueue"`
	}
)

// New creates an Underwriter worker for one chain.
func New(cfg Config) *Underwriter {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("chain", cfg.ChainID), zap.String("service", "underwriter"))
	seen, _ := lru.New(seenCacheSize)

	courier := wallet.NewCourier(cfg.Wallet, log)
	u := &Underwriter{
		cfg:       cfg.Underwriter,
		chainID:   cfg.ChainID,
		store:     cfg.Store,
		monitor:   cfg.Monitor,
		wallet:    cfg.Wallet,
		courier:   courier,
		log:       log,
		approvals: NewApprovalHandler(courier, log),
		seen:      seen,
		started:   atomic.NewBool(false),
		done:      make(chan struct{}),
	}
	u.evalQueue = queue.New[*EvalOrder, UnderwriteOrder](queue.Options[*EvalOrder]{
		Name:          "underwriter-eval",
		MaxTries:      cfg.Underwriter.MaxTries,
		MaxConcurrent: cfg.Underwriter.MaxPendingTransactions,
		RetryInterval: cfg.Underwriter.RetryInterval,
		Log:           log,
	}, (*evalHandler)(u))
	u.submitQueue = queue.New[*UnderwriteOrder, UnderwriteResult](queue.Options[*UnderwriteOrder]{
		Name:          "underwriter-submit",
		MaxTries:      1, // broadcast retries happen inside the wallet
		MaxConcurrent: cfg.Underwriter.MaxPendingTransactions,
		DeadlineOf:    func(o *UnderwriteOrder) time.Time { return o.Deadline },
		Log:           log,
	}, (*submitHandler)(u))
	return u
}

// Approvals exposes the chain's allowance ledger.
func (u *Underwriter) Approvals() *ApprovalHandler {
	return u.approvals
}

// Status reports the pipeline backlog.
func (u *Underwriter) Status() Status {
	submitBacklog, confirmBacklog := u.wallet.QueueSizes()
	u.holdMtx.Lock()
	held := len(u.holding)
	u.holdMtx.Unlock()
	return Status{
		Held:        held,
		Evaluating:  u.evalQueue.Size() + u.evalQueue.RetrySize() + u.evalQueue.InFlight(),
		Submitting:  u.submitQueue.Size() + u.submitQueue.RetrySize() + u.submitQueue.InFlight(),
		WalletQueue: submitBacklog + confirmBacklog,
	}
}

// Start runs the underwriter in a separate goroutine. It only starts once,
// subsequent calls are no-op.
func (u *Underwriter) Start() {
	if !u.started.CAS(false, true) {
		return
	}
	u.log.Info("starting underwriter")
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	// Subscribe before returning so no event published after Start is lost.
	events := u.store.Subscribe(store.ChannelSendAsset)
	go u.mainLoop(ctx, events)
}

// Shutdown stops the underwriter and waits for the main loop to exit.
func (u *Underwriter) Shutdown() {
	if !u.started.CAS(true, false) {
		return
	}
	u.log.Info("stopping underwriter")
	u.cancel()
	<-u.done
}

func (u *Underwriter) mainLoop(ctx context.Context, events <-chan []byte) {
	defer close(u.done)

	ticker := time.NewTicker(u.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-events:
			u.admit(payload)
		case <-ticker.C:
			u.processTick(ctx)
		}
	}
}

// admit decodes a SendAsset event and parks it in the pre-queue. Duplicate
// deliveries of the same underwrite key are dropped.
func (u *Underwriter) admit(payload []byte) {
	event := new(store.SendAssetEvent)
	if err := json.Unmarshal(payload, event); err != nil {
		u.log.Warn("discarding malformed SendAsset event", zap.Error(err))
		return
	}
	key := dedupKey(event.SwapDescription)
	if ok, _ := u.seen.ContainsOrAdd(key, struct{}{}); ok {
		u.log.Debug("duplicate SendAsset event", zap.String("key", key))
		return
	}
	u.log.Info("swap observed",
		zap.String("underwriteId", event.UnderwriteID.Hex()),
		zap.String("fromChain", event.FromChainID),
		zap.Uint64("block", event.BlockNumber))
	u.holdMtx.Lock()
	u.holding = append(u.holding, &EvalOrder{
		Swap:     &event.SwapState,
		submitAt: event.BlockNumber + u.cfg.UnderwriteDelay,
	})
	u.holdMtx.Unlock()
}

func (u *Underwriter) processTick(ctx context.Context) {
	u.admitHeld()

	u.evalQueue.ProcessOrders(ctx)
	evaluated, evalRejections := u.evalQueue.FinishedOrders()
	for _, s := range evaluated {
		u.submitQueue.AddOrders(s.Result)
	}
	for _, r := range evalRejections {
		u.log.Debug("swap not underwritten",
			zap.String("underwriteId", r.Order.Swap.UnderwriteID.Hex()),
			zap.Error(r.Err))
	}

	u.submitQueue.ProcessOrders(ctx)
	submitted, submitRejections := u.submitQueue.FinishedOrders()
	for _, s := range submitted {
		u.log.Info("swap underwritten",
			zap.String("underwriteId", s.Order.Swap.UnderwriteID.Hex()),
			zap.String("tx", s.Result.Tx.Hash().Hex()),
			zap.Uint64("block", s.Result.Receipt.BlockNumber.Uint64()))
	}
	for _, r := range submitRejections {
		u.log.Warn("underwrite submission abandoned",
			zap.String("underwriteId", r.Order.Swap.UnderwriteID.Hex()),
			zap.Error(r.Err))
	}
}

// admitHeld moves held orders into the eval queue once the broadcast tip has
// reached their submitAt block and the combined eval plus submit backlog is
// below the pipeline bound.
func (u *Underwriter) admitHeld() {
	u.holdMtx.Lock()
	defer u.holdMtx.Unlock()
	if len(u.holding) == 0 {
		return
	}
	tip := u.monitor.Latest()
	if tip == nil {
		return
	}
	capacity := u.cfg.MaxPendingTransactions -
		(u.evalQueue.Size() + u.evalQueue.RetrySize() + u.evalQueue.InFlight()) -
		(u.submitQueue.Size() + u.submitQueue.RetrySize() + u.submitQueue.InFlight())

	kept := u.holding[:0]
	for _, order := range u.holding {
		if capacity <= 0 || tip.BlockNumber < order.submitAt {
			kept = append(kept, order)
			continue
		}
		u.evalQueue.AddOrders(order)
		capacity--
	}
	u.holding = kept
}

func dedupKey(d store.SwapDescription) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s",
		d.ToChainID, d.ToInterface.Hex(), d.UnderwriteID.Hex()))
}
