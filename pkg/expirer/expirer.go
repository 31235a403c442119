// Package expirer watches underwrites and reclaims stale ones: every
// observed underwrite is scheduled at its expiry block (pulled forward by a
// margin for the operator's own), and once the chain tip reaches it an
// expireUnderwrite transaction is submitted, unless the underwrite was
// fulfilled in the meantime.
package expirer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/monitor"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/queue"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

type (
	// Config contains expirer parameters.
	Config struct {
		ChainID string
		Store   *store.Store
		Monitor *monitor.Monitor
		Wallet  *wallet.Wallet
		Expirer config.ResolvedExpirerConfig
		Log     *zap.Logger
	}

	// Expirer is the per-chain expiry pipeline.
	Expirer struct {
		cfg     config.ResolvedExpirerConfig
		chainID string
		store   *store.Store
		monitor *monitor.Monitor
		wallet  *wallet.Wallet
		courier *wallet.Courier
		log     *zap.Logger

		schedMtx sync.Mutex
		schedule *schedule

		evalQueue   *queue.Queue[*EvalOrder, ExpireOrder]
		submitQueue *queue.Queue[*ExpireOrder, ExpireResult]

		started *atomic.Bool
		cancel  context.CancelFunc
		done    chan struct{}
	}

	// Status is a point-in-time snapshot of the pipeline backlog.
	Status struct {
		Scheduled  int `json:"scheduled"`
		Evaluating int `json:"evaluating"`
		Submitting int `json:"submitting"`
	}
)

// New creates an Expirer worker for one chain.
func New(cfg Config) *Expirer {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("chain", cfg.ChainID), zap.String("service", "expirer"))

	e := &Expirer{
		cfg:      cfg.Expirer,
		chainID:  cfg.ChainID,
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		wallet:   cfg.Wallet,
		courier:  wallet.NewCourier(cfg.Wallet, log),
		log:      log,
		schedule: newSchedule(),
		started:  atomic.NewBool(false),
		done:     make(chan struct{}),
	}
	e.evalQueue = queue.New[*EvalOrder, ExpireOrder](queue.Options[*EvalOrder]{
		Name:          "expirer-eval",
		MaxTries:      cfg.Expirer.MaxTries,
		MaxConcurrent: 1,
		RetryInterval: cfg.Expirer.RetryInterval,
		Log:           log,
	}, (*evalHandler)(e))
	e.submitQueue = queue.New[*ExpireOrder, ExpireResult](queue.Options[*ExpireOrder]{
		Name:          "expirer-submit",
		MaxTries:      1, // a lost expiry race must not be fee-bumped
		MaxConcurrent: 1,
		Log:           log,
	}, (*submitHandler)(e))
	return e
}

// Status reports the pipeline backlog.
func (e *Expirer) Status() Status {
	e.schedMtx.Lock()
	scheduled := e.schedule.size()
	e.schedMtx.Unlock()
	return Status{
		Scheduled:  scheduled,
		Evaluating: e.evalQueue.Size() + e.evalQueue.RetrySize() + e.evalQueue.InFlight(),
		Submitting: e.submitQueue.Size() + e.submitQueue.RetrySize() + e.submitQueue.InFlight(),
	}
}

// Start runs the expirer in a separate goroutine. It only starts once,
// subsequent calls are no-op.
func (e *Expirer) Start() {
	if !e.started.CAS(false, true) {
		return
	}
	e.log.Info("starting expirer")
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	// Subscribe before returning so no event published after Start is lost.
	underwritten := e.store.Subscribe(store.ChannelSwapUnderwritten)
	completed := e.store.Subscribe(store.ChannelSwapUnderwriteComplete)
	expired := e.store.Subscribe(store.ChannelExpireUnderwrite)
	go e.mainLoop(ctx, underwritten, completed, expired)
}

// Shutdown stops the expirer and waits for the main loop to exit.
func (e *Expirer) Shutdown() {
	if !e.started.CAS(true, false) {
		return
	}
	e.log.Info("stopping expirer")
	e.cancel()
	<-e.done
}

func (e *Expirer) mainLoop(ctx context.Context, underwritten, completed, expired <-chan []byte) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-underwritten:
			e.onUnderwritten(payload)
		case payload := <-completed:
			e.onSettled(payload, "fulfilled")
		case payload := <-expired:
			e.onSettled(payload, "expired")
		case <-ticker.C:
			e.processTick(ctx)
		}
	}
}

// onUnderwritten schedules the expiry of a newly observed underwrite. Our
// own underwrites are scheduled expireBlocksMargin blocks early so nobody
// else can claim the collateral first.
func (e *Expirer) onUnderwritten(payload []byte) {
	event := new(store.SwapUnderwrittenEvent)
	if err := json.Unmarshal(payload, event); err != nil {
		e.log.Warn("discarding malformed SwapUnderwritten event", zap.Error(err))
		return
	}
	expireAt := event.Expiry
	if event.Underwriter == e.wallet.Address() && expireAt > e.cfg.ExpireBlocksMargin {
		expireAt -= e.cfg.ExpireBlocksMargin
	}
	e.schedMtx.Lock()
	e.schedule.add(&scheduledExpiry{
		desc:     event.SwapDescription,
		event:    event,
		expireAt: expireAt,
	})
	e.schedMtx.Unlock()
	e.log.Debug("expiry scheduled",
		zap.String("underwriteId", event.UnderwriteID.Hex()),
		zap.Uint64("expireAt", expireAt),
		zap.Bool("own", event.Underwriter == e.wallet.Address()))
}

// onSettled drops the pending expiry of an underwrite settled on-chain.
func (e *Expirer) onSettled(payload []byte, how string) {
	var event struct {
		store.SwapDescription
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		e.log.Warn("discarding malformed settlement event", zap.Error(err))
		return
	}
	e.schedMtx.Lock()
	removed := e.schedule.remove(event.SwapDescription)
	e.schedMtx.Unlock()
	if !removed {
		e.log.Warn("settled underwrite had no scheduled expiry",
			zap.String("underwriteId", event.UnderwriteID.Hex()),
			zap.String("settlement", how))
		return
	}
	e.log.Info("expiry cancelled",
		zap.String("underwriteId", event.UnderwriteID.Hex()),
		zap.String("settlement", how))
}

func (e *Expirer) processTick(ctx context.Context) {
	if tip := e.monitor.Latest(); tip != nil {
		e.schedMtx.Lock()
		due := e.schedule.popDue(tip.BlockNumber)
		e.schedMtx.Unlock()
		for _, entry := range due {
			e.evalQueue.AddOrders(&EvalOrder{entry: entry})
		}
	}

	e.evalQueue.ProcessOrders(ctx)
	evaluated, evalRejections := e.evalQueue.FinishedOrders()
	for _, s := range evaluated {
		e.submitQueue.AddOrders(s.Result)
	}
	for _, r := range evalRejections {
		e.log.Debug("expiry not submitted",
			zap.String("underwriteId", r.Order.entry.desc.UnderwriteID.Hex()),
			zap.Error(r.Err))
	}

	e.submitQueue.ProcessOrders(ctx)
	submitted, submitRejections := e.submitQueue.FinishedOrders()
	for _, s := range submitted {
		e.log.Info("underwrite expired",
			zap.String("underwriteId", s.Order.Desc.UnderwriteID.Hex()),
			zap.String("tx", s.Result.Tx.Hash().Hex()))
	}
	for _, r := range submitRejections {
		e.log.Warn("expire submission abandoned",
			zap.String("underwriteId", r.Order.Desc.UnderwriteID.Hex()),
			zap.Error(r.Err))
	}
}
