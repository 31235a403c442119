package monitor

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// PollSource queries the chain tip over RPC every interval and emits the
// observed height reduced by blockDelay (floored at zero). The delay buys
// reorg safety; callers treat emitted heights as finalized.
type PollSource struct {
	client        HeaderSource
	interval      time.Duration
	blockDelay    uint64
	retryInterval time.Duration
	log           *zap.Logger
}

// NewPollSource creates a polling block source.
func NewPollSource(client HeaderSource, interval time.Duration, blockDelay uint64, retryInterval time.Duration, log *zap.Logger) *PollSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &PollSource{
		client:        client,
		interval:      interval,
		blockDelay:    blockDelay,
		retryInterval: retryInterval,
		log:           log,
	}
}

// Run implements the Source interface.
func (p *PollSource) Run(ctx context.Context, out chan<- BlockStatus) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		status, err := p.poll(ctx, lastSeen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("failed to poll chain tip", zap.Error(err))
			timer.Reset(p.retryInterval)
			continue
		}
		if status != nil {
			lastSeen = status.BlockNumber
			select {
			case out <- *status:
			case <-ctx.Done():
				return
			}
		}
		timer.Reset(p.interval)
	}
}

// poll returns nil without error when the delayed height has not advanced.
func (p *PollSource) poll(ctx context.Context, lastSeen uint64) (*BlockStatus, error) {
	observed, err := p.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	var delayed uint64
	if observed > p.blockDelay {
		delayed = observed - p.blockDelay
	}
	if delayed <= lastSeen && lastSeen != 0 {
		return nil, nil
	}
	header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(delayed))
	if err != nil {
		return nil, err
	}
	return &BlockStatus{
		BlockNumber: header.Number.Uint64(),
		BlockHash:   header.Hash(),
		Timestamp:   header.Time,
	}, nil
}
