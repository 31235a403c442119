// Package orchestrator boots and supervises the per-chain worker sets. It
// resolves the configuration once, opens the shared store, and spawns one
// monitor, wallet, underwriter and expirer per configured chain. Workers
// that fail to come up are logged and skipped; the remaining chains keep
// running and an operator restart is expected to recover the failed one.
package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/config"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/expirer"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/monitor"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/store"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/underwriter"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

const (
	defaultStatusLogInterval = time.Minute
	dialTimeout              = 15 * time.Second
	defaultStorePath         = "underwriter_store"
)

type (
	// Config contains orchestrator parameters.
	Config struct {
		File config.Config
		Log  *zap.Logger
	}

	// Orchestrator is the top-level supervisor.
	Orchestrator struct {
		cfg config.Config
		log *zap.Logger
		key *ecdsa.PrivateKey

		store *store.Store

		workerMtx sync.Mutex
		workers   []*chainWorkers

		statusInterval time.Duration

		started *atomic.Bool
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}

	// chainWorkers groups the services running for one chain.
	chainWorkers struct {
		chainID string
		name    string
		client  *ethclient.Client

		monitor     *monitor.Monitor
		wallet      *wallet.Wallet
		underwriter *underwriter.Underwriter
		expirer     *expirer.Expirer
	}

	// ChainStatus is a point-in-time snapshot of one chain's workers,
	// served on the status endpoint and logged periodically.
	ChainStatus struct {
		ChainID     string              `json:"chainId"`
		Name        string              `json:"name,omitempty"`
		LatestBlock uint64              `json:"latestBlock"`
		Wallet      WalletStatus        `json:"wallet"`
		Underwriter *underwriter.Status `json:"underwriter,omitempty"`
		Expirer     *expirer.Status     `json:"expirer,omitempty"`
	}

	// WalletStatus is the wallet part of a ChainStatus.
	WalletStatus struct {
		Submitting   int `json:"submitting"`
		Confirming   int `json:"confirming"`
		PendingSlots int `json:"pendingSlots"`
	}
)

// New creates an Orchestrator from a loaded configuration.
func New(cfg Config) (*Orchestrator, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.File.Global.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	backend, err := openBackend(cfg.File.Global.Store)
	if err != nil {
		return nil, fmt.Errorf("unable to open store: %w", err)
	}

	return &Orchestrator{
		cfg:            cfg.File,
		log:            log,
		key:            key,
		store:          store.New(backend, log),
		statusInterval: statusLogInterval(),
		started:        atomic.NewBool(false),
	}, nil
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	path := cfg.Path
	if path == "" {
		path = defaultStorePath
	}
	switch cfg.Backend {
	case "boltdb":
		return store.NewBoltDBBackend(path)
	case "inmemory":
		return store.NewMemoryBackend(), nil
	default:
		return store.NewLevelDBBackend(path)
	}
}

// statusLogInterval reads the STATUS_LOG_INTERVAL environment variable,
// milliseconds, falling back to the default on absence or garbage.
func statusLogInterval() time.Duration {
	v := os.Getenv("STATUS_LOG_INTERVAL")
	if v == "" {
		return defaultStatusLogInterval
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return defaultStatusLogInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// Store exposes the shared store, mainly so an external listener process
// model can be collapsed into this one for tests.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Status snapshots every running chain's workers.
func (o *Orchestrator) Status() []ChainStatus {
	o.workerMtx.Lock()
	workers := make([]*chainWorkers, len(o.workers))
	copy(workers, o.workers)
	o.workerMtx.Unlock()

	statuses := make([]ChainStatus, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.status())
	}
	return statuses
}

func (w *chainWorkers) status() ChainStatus {
	status := ChainStatus{ChainID: w.chainID, Name: w.name}
	if tip := w.monitor.Latest(); tip != nil {
		status.LatestBlock = tip.BlockNumber
	}
	submitting, confirming := w.wallet.QueueSizes()
	status.Wallet = WalletStatus{
		Submitting:   submitting,
		Confirming:   confirming,
		PendingSlots: w.wallet.PendingTransactionCount(),
	}
	if w.underwriter != nil {
		s := w.underwriter.Status()
		status.Underwriter = &s
	}
	if w.expirer != nil {
		s := w.expirer.Status()
		status.Expirer = &s
	}
	return status
}

// Start brings up the workers of every configured chain. It only starts
// once, subsequent calls are no-op.
func (o *Orchestrator) Start() {
	if !o.started.CAS(false, true) {
		return
	}
	o.log.Info("starting underwriter", zap.Int("chains", len(o.cfg.Chains)))
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for _, chain := range o.cfg.Chains {
		resolved, err := o.cfg.ResolveChain(chain)
		if err != nil {
			o.log.Error("invalid chain configuration, chain not started",
				zap.String("chain", chain.ChainID), zap.Error(err))
			continue
		}
		o.wg.Add(1)
		go func(resolved config.ResolvedChainConfig) {
			defer o.wg.Done()
			o.runChain(ctx, resolved)
		}(resolved)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.statusLoop(ctx)
	}()
}

// Shutdown stops every worker and closes the store. The wallet is stopped
// last so in-flight confirmations can drain.
func (o *Orchestrator) Shutdown() {
	if !o.started.CAS(true, false) {
		return
	}
	o.log.Info("stopping underwriter")
	o.cancel()
	o.wg.Wait()
	if err := o.store.Close(); err != nil {
		o.log.Error("failed to close store", zap.Error(err))
	}
}

// runChain builds and runs one chain's worker set, then tears it down in
// reverse order when the orchestrator context ends. A setup failure is
// terminal for this chain only.
func (o *Orchestrator) runChain(ctx context.Context, cfg config.ResolvedChainConfig) {
	log := o.log.With(zap.String("chain", cfg.ChainID))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := ethclient.DialContext(dialCtx, cfg.RPC)
	if err != nil {
		log.Error("chain worker exited: rpc dial failed", zap.Error(err))
		return
	}
	defer client.Close()
	evmChainID, err := client.ChainID(dialCtx)
	if err != nil {
		log.Error("chain worker exited: chain id query failed", zap.Error(err))
		return
	}

	mon := monitor.New(monitor.Config{
		ChainID: cfg.ChainID,
		Source:  blockSource(client, cfg, log),
		Log:     o.log,
	})
	w := wallet.New(wallet.Config{
		ChainID:    cfg.ChainID,
		EVMChainID: evmChainID,
		PrivateKey: o.key,
		Client:     client,
		Wallet:     cfg.Wallet,
		Log:        o.log,
	})

	workers := &chainWorkers{
		chainID: cfg.ChainID,
		name:    cfg.Name,
		client:  client,
		monitor: mon,
		wallet:  w,
	}
	if cfg.Underwriter.Enabled {
		workers.underwriter = underwriter.New(underwriter.Config{
			ChainID:     cfg.ChainID,
			Store:       o.store,
			Monitor:     mon,
			Wallet:      w,
			Underwriter: cfg.Underwriter,
			Log:         o.log,
		})
	}
	if cfg.Expirer.Enabled {
		workers.expirer = expirer.New(expirer.Config{
			ChainID: cfg.ChainID,
			Store:   o.store,
			Monitor: mon,
			Wallet:  w,
			Expirer: cfg.Expirer,
			Log:     o.log,
		})
	}

	mon.Start()
	w.Start()
	if workers.underwriter != nil {
		workers.underwriter.Start()
	}
	if workers.expirer != nil {
		workers.expirer.Start()
	}
	o.addWorkers(workers)
	log.Info("chain workers started",
		zap.String("evmChainId", evmChainID.String()),
		zap.Bool("underwriter", workers.underwriter != nil),
		zap.Bool("expirer", workers.expirer != nil))

	<-ctx.Done()

	if workers.underwriter != nil {
		workers.underwriter.Shutdown()
	}
	if workers.expirer != nil {
		workers.expirer.Shutdown()
	}
	w.Shutdown()
	mon.Shutdown()
	o.removeWorkers(workers)
	log.Info("chain workers stopped")
}

// blockSource picks the relayer websocket feed when RELAYER_HOST and
// RELAYER_PORT are set, the RPC polling source otherwise.
func blockSource(client monitor.HeaderSource, cfg config.ResolvedChainConfig, log *zap.Logger) monitor.Source {
	host, port := os.Getenv("RELAYER_HOST"), os.Getenv("RELAYER_PORT")
	if host != "" && port != "" {
		return monitor.NewRelayerSource(
			monitor.RelayerEndpoint(host, port), cfg.ChainID, cfg.Monitor.RetryInterval, log)
	}
	return monitor.NewPollSource(
		client, cfg.Monitor.Interval, cfg.Monitor.BlockDelay, cfg.Monitor.RetryInterval, log)
}

func (o *Orchestrator) addWorkers(w *chainWorkers) {
	o.workerMtx.Lock()
	o.workers = append(o.workers, w)
	o.workerMtx.Unlock()
}

func (o *Orchestrator) removeWorkers(w *chainWorkers) {
	o.workerMtx.Lock()
	for i, candidate := range o.workers {
		if candidate == w {
			o.workers = append(o.workers[:i], o.workers[i+1:]...)
			break
		}
	}
	o.workerMtx.Unlock()
}

func (o *Orchestrator) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(o.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range o.Status() {
				fields := []zap.Field{
					zap.String("chain", status.ChainID),
					zap.Uint64("latestBlock", status.LatestBlock),
					zap.Int("walletSubmitting", status.Wallet.Submitting),
					zap.Int("walletConfirming", status.Wallet.Confirming),
				}
				if status.Underwriter != nil {
					fields = append(fields,
						zap.Int("underwriteHeld", status.Underwriter.Held),
						zap.Int("underwriteEvaluating", status.Underwriter.Evaluating),
						zap.Int("underwriteSubmitting", status.Underwriter.Submitting))
				}
				if status.Expirer != nil {
					fields = append(fields,
						zap.Int("expiriesScheduled", status.Expirer.Scheduled),
						zap.Int("expiriesEvaluating", status.Expirer.Evaluating),
						zap.Int("expiriesSubmitting", status.Expirer.Submitting))
				}
				o.log.Info("status", fields...)
			}
		}
	}
}
