// Package monitor implements the per-chain block-tip broadcaster. One
// monitor multiplexes a single block source (RPC polling or the relayer
// websocket feed) to any number of attached subscriber ports.
package monitor

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// portBuffer is the capacity of attached subscriber ports. Ports are
// unidirectional, monitor to subscriber; a full port drops the update since
// a newer one supersedes it anyway.
const portBuffer = 16

type (
	// BlockStatus is the message broadcast to every attached port on a
	// block-number advance.
	BlockStatus struct {
		BlockNumber uint64      `json:"blockNumber"`
		BlockHash   common.Hash `json:"blockHash"`
		Timestamp   uint64      `json:"timestamp"`
	}

	// Source produces block statuses. Run blocks until the context is done;
	// delivery order must be non-decreasing in block number on a best-effort
	// basis (the monitor filters regressions).
	Source interface {
		Run(ctx context.Context, out chan<- BlockStatus)
	}

	// HeaderSource is the part of an RPC client the polling source needs.
	// go-ethereum's ethclient satisfies it.
	HeaderSource interface {
		BlockNumber(ctx context.Context) (uint64, error)
		HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	}

	// Config contains monitor parameters.
	Config struct {
		ChainID string
		Source  Source
		// Resolver optionally maps an observed block number to the reference
		// height the pipelines should use (rollups whose contracts work with
		// the L1 height). Identity when nil.
		Resolver func(BlockStatus) BlockStatus
		Log      *zap.Logger
	}

	// Monitor broadcasts chain-tip advances to attached ports.
	Monitor struct {
		cfg     Config
		log     *zap.Logger
		started *atomic.Bool

		subMtx sync.Mutex
		subs   []chan BlockStatus

		latestMtx sync.RWMutex
		latest    *BlockStatus

		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New creates a Monitor for one chain.
func New(cfg Config) *Monitor {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		log:     log.With(zap.String("chain", cfg.ChainID)),
		started: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// Attach creates a new subscriber port. Newly attached ports do not get a
// synthetic replay; the first message is the next advance.
func (m *Monitor) Attach() <-chan BlockStatus {
	ch := make(chan BlockStatus, portBuffer)
	m.subMtx.Lock()
	m.subs = append(m.subs, ch)
	m.subMtx.Unlock()
	return ch
}

// Latest returns the last broadcast status, or nil before the first advance.
func (m *Monitor) Latest() *BlockStatus {
	m.latestMtx.RLock()
	defer m.latestMtx.RUnlock()
	return m.latest
}

// Start runs the monitor in a separate goroutine. The monitor only starts
// once, subsequent calls are no-op.
func (m *Monitor) Start() {
	if !m.started.CAS(false, true) {
		return
	}
	m.log.Info("starting block monitor")
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.mainLoop(ctx)
}

// Shutdown stops the monitor and waits for the main loop to exit.
func (m *Monitor) Shutdown() {
	if !m.started.CAS(true, false) {
		return
	}
	m.log.Info("stopping block monitor")
	m.cancel()
	<-m.done
}

func (m *Monitor) mainLoop(ctx context.Context) {
	defer close(m.done)

	updates := make(chan BlockStatus, portBuffer)
	go m.cfg.Source.Run(ctx, updates)

	var lastBroadcast uint64
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-updates:
			if m.cfg.Resolver != nil {
				status = m.cfg.Resolver(status)
			}
			if m.latest != nil && status.BlockNumber <= lastBroadcast {
				continue
			}
			lastBroadcast = status.BlockNumber
			m.latestMtx.Lock()
			s := status
			m.latest = &s
			m.latestMtx.Unlock()
			m.broadcast(status)
		}
	}
}

func (m *Monitor) broadcast(status BlockStatus) {
	m.subMtx.Lock()
	defer m.subMtx.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- status:
		default:
			m.log.Debug("subscriber port full, dropping block status",
				zap.Uint64("blockNumber", status.BlockNumber))
		}
	}
}
