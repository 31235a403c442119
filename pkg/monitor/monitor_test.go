package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource replays a scripted sequence of statuses.
type fakeSource struct {
	statuses []BlockStatus
	release  chan struct{}
}

func (f *fakeSource) Run(ctx context.Context, out chan<- BlockStatus) {
	for _, status := range f.statuses {
		if f.release != nil {
			select {
			case <-f.release:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- status:
		case <-ctx.Done():
			return
		}
	}
}

func TestMonitorBroadcastsAdvancesOnly(t *testing.T) {
	src := &fakeSource{statuses: []BlockStatus{
		{BlockNumber: 10, Timestamp: 1},
		{BlockNumber: 10, Timestamp: 1}, // duplicate, must be filtered
		{BlockNumber: 9, Timestamp: 1},  // regression, must be filtered
		{BlockNumber: 11, Timestamp: 2},
	}}
	m := New(Config{ChainID: "1", Source: src})
	port := m.Attach()
	m.Start()
	defer m.Shutdown()

	first := <-port
	assert.Equal(t, uint64(10), first.BlockNumber)
	second := <-port
	assert.Equal(t, uint64(11), second.BlockNumber)

	select {
	case status := <-port:
		t.Fatalf("unexpected broadcast of block %d", status.BlockNumber)
	case <-time.After(50 * time.Millisecond):
	}

	latest := m.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, uint64(11), latest.BlockNumber)
}

func TestMonitorFansOutToAllPorts(t *testing.T) {
	src := &fakeSource{statuses: []BlockStatus{{BlockNumber: 42, Timestamp: 7}}}
	m := New(Config{ChainID: "1", Source: src})
	a := m.Attach()
	b := m.Attach()
	m.Start()
	defer m.Shutdown()

	assert.Equal(t, uint64(42), (<-a).BlockNumber)
	assert.Equal(t, uint64(42), (<-b).BlockNumber)
}

func TestMonitorNoReplayForLateAttach(t *testing.T) {
	release := make(chan struct{}, 2)
	src := &fakeSource{
		statuses: []BlockStatus{{BlockNumber: 5}, {BlockNumber: 6}},
		release:  release,
	}
	m := New(Config{ChainID: "1", Source: src})
	early := m.Attach()
	m.Start()
	defer m.Shutdown()

	release <- struct{}{}
	require.Equal(t, uint64(5), (<-early).BlockNumber)

	late := m.Attach()
	release <- struct{}{}
	assert.Equal(t, uint64(6), (<-late).BlockNumber, "first message on a late port is the next advance")
}

func TestMonitorAppliesResolver(t *testing.T) {
	src := &fakeSource{statuses: []BlockStatus{{BlockNumber: 100, Timestamp: 7}}}
	m := New(Config{
		ChainID: "1",
		Source:  src,
		Resolver: func(s BlockStatus) BlockStatus {
			s.BlockNumber -= 10
			return s
		},
	})
	port := m.Attach()
	m.Start()
	defer m.Shutdown()

	assert.Equal(t, uint64(90), (<-port).BlockNumber)
}

// fakeHeaderSource serves a scripted chain height.
type fakeHeaderSource struct {
	mtx    sync.Mutex
	height uint64
	calls  []uint64
}

func (f *fakeHeaderSource) BlockNumber(context.Context) (uint64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.height, nil
}

func (f *fakeHeaderSource) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, number.Uint64())
	return &types.Header{Number: new(big.Int).Set(number), Time: 1700000000}, nil
}

func TestPollSourceAppliesBlockDelay(t *testing.T) {
	client := &fakeHeaderSource{height: 100}
	src := NewPollSource(client, time.Millisecond, 5, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan BlockStatus, 1)
	go src.Run(ctx, out)

	status := <-out
	assert.Equal(t, uint64(95), status.BlockNumber)

	client.mtx.Lock()
	client.height = 102
	client.mtx.Unlock()
	status = <-out
	assert.Equal(t, uint64(97), status.BlockNumber)
}

func TestPollSourceFloorsDelayAtZero(t *testing.T) {
	client := &fakeHeaderSource{height: 3}
	src := NewPollSource(client, time.Millisecond, 10, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan BlockStatus, 1)
	go src.Run(ctx, out)

	status := <-out
	assert.Equal(t, uint64(0), status.BlockNumber)
}
