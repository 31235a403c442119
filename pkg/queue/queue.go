// Package queue implements the generic bounded work engine the underwriter
// pipelines and the wallet are built from. A Queue owns three buckets: new
// orders (FIFO), a retry bucket (min-heap on the retry time) and the set of
// in-flight orders. One call to ProcessOrders performs a single scheduler
// tick; the queue never blocks the caller's loop.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDeadlineExceeded is returned for orders that aged past their deadline.
// Deadline rejections are terminal and skip the retry bucket.
var ErrDeadlineExceeded = errors.New("order deadline exceeded")

// ErrHandlerPanic wraps a value recovered from a panicking handler. Panics
// are terminal rejections, never retried.
var ErrHandlerPanic = errors.New("order handler panic")

type (
	// Handler holds the three strategy hooks a queue invokes. HandleOrder
	// runs on its own goroutine and may block on I/O; returning (nil, nil)
	// drops the order silently. HandleFailedOrder decides whether a failed
	// order should be retried; it must not panic. OnOrderCompletion is a
	// notification-only hook invoked for every terminal order.
	Handler[I, R any] interface {
		HandleOrder(ctx context.Context, order I, retryCount int) (*R, error)
		HandleFailedOrder(order I, retryCount int, err error) bool
		OnOrderCompletion(order I, success bool, result *R, retryCount int)
	}

	// Options configures a Queue.
	Options[I any] struct {
		Name          string
		MaxTries      int
		MaxConcurrent int
		RetryInterval time.Duration
		// DeadlineOf extracts an optional per-order deadline; the zero time
		// means the order has none. May be left nil.
		DeadlineOf func(order I) time.Time
		// Now is the clock used for retry scheduling and deadline checks.
		// Defaults to time.Now.
		Now func() time.Time
		Log *zap.Logger
	}

	// Success is a completed order together with its result.
	Success[I, R any] struct {
		Order      I
		Result     *R
		RetryCount int
	}

	// Rejection is a terminally failed order together with its error.
	Rejection[I any] struct {
		Order      I
		Err        error
		RetryCount int
	}

	// Queue is the generic processing queue. It is not safe for concurrent
	// ProcessOrders calls; AddOrders may be called from any goroutine.
	Queue[I, R any] struct {
		opts    Options[I]
		handler Handler[I, R]

		// mtx guards newOrders, retries and inFlight; status accessors are
		// called from other goroutines while the owner loop schedules.
		mtx       sync.Mutex
		newOrders []pending[I]
		retries   retryHeap[I]
		inFlight  int

		settled chan outcome[I, R]

		successes  []Success[I, R]
		rejections []Rejection[I]
	}

	pending[I any] struct {
		order      I
		retryCount int
	}

	outcome[I, R any] struct {
		order      I
		retryCount int
		result     *R
		dropped    bool
		err        error
	}
)

// New creates a Queue driven by the given handler.
func New[I, R any](opts Options[I], handler Handler[I, R]) *Queue[I, R] {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 1
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Queue[I, R]{
		opts:    opts,
		handler: handler,
		settled: make(chan outcome[I, R], opts.MaxConcurrent),
	}
}

// AddOrders appends orders to the new-orders bucket. It returns once the
// orders are buffered.
func (q *Queue[I, R]) AddOrders(orders ...I) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, order := range orders {
		q.newOrders = append(q.newOrders, pending[I]{order: order})
	}
}

// ProcessOrders runs one scheduler tick: settled in-flight orders are
// collected, due retries move back to the new-orders bucket and new orders
// are dispatched while concurrency allows.
func (q *Queue[I, R]) ProcessOrders(ctx context.Context) {
	q.collectSettled()

	now := q.opts.Now()
	q.mtx.Lock()
	for len(q.retries) > 0 && !q.retries[0].retryAt.After(now) {
		item := heap.Pop(&q.retries).(retryItem[I])
		q.newOrders = append(q.newOrders, pending[I]{order: item.order, retryCount: item.retryCount})
	}
	q.mtx.Unlock()

	for q.hasFreeSlot() {
		order, ok := q.popOrder()
		if !ok {
			break
		}
		if deadline := q.deadlineOf(order.order); !deadline.IsZero() && now.After(deadline) {
			q.reject(order.order, order.retryCount, ErrDeadlineExceeded)
			continue
		}
		q.mtx.Lock()
		q.inFlight++
		q.mtx.Unlock()
		go q.run(ctx, order)
	}
}

func (q *Queue[I, R]) hasFreeSlot() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.inFlight < q.opts.MaxConcurrent
}

// FinishedOrders drains and returns the successes and rejections settled
// since the previous call.
func (q *Queue[I, R]) FinishedOrders() (successes []Success[I, R], rejections []Rejection[I]) {
	q.collectSettled()
	successes, q.successes = q.successes, nil
	rejections, q.rejections = q.rejections, nil
	return successes, rejections
}

// Size returns the number of orders waiting in the new-orders bucket.
func (q *Queue[I, R]) Size() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.newOrders)
}

// RetrySize returns the number of orders waiting in the retry bucket.
func (q *Queue[I, R]) RetrySize() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.retries)
}

// InFlight returns the number of orders currently being handled.
func (q *Queue[I, R]) InFlight() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.inFlight
}

// Idle reports whether the queue holds no work in any bucket.
func (q *Queue[I, R]) Idle() bool {
	return q.Size() == 0 && q.RetrySize() == 0 && q.InFlight() == 0 &&
		len(q.successes) == 0 && len(q.rejections) == 0
}

func (q *Queue[I, R]) popOrder() (pending[I], bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.newOrders) == 0 {
		return pending[I]{}, false
	}
	order := q.newOrders[0]
	q.newOrders = q.newOrders[1:]
	return order, true
}

func (q *Queue[I, R]) deadlineOf(order I) time.Time {
	if q.opts.DeadlineOf == nil {
		return time.Time{}
	}
	return q.opts.DeadlineOf(order)
}

func (q *Queue[I, R]) run(ctx context.Context, order pending[I]) {
	var out outcome[I, R]
	out.order = order.order
	out.retryCount = order.retryCount
	defer func() {
		if r := recover(); r != nil {
			out.result = nil
			out.err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		q.settled <- out
	}()
	result, err := q.handler.HandleOrder(ctx, order.order, order.retryCount)
	out.result = result
	out.err = err
	out.dropped = err == nil && result == nil
}

func (q *Queue[I, R]) collectSettled() {
	for {
		select {
		case out := <-q.settled:
			q.mtx.Lock()
			q.inFlight--
			q.mtx.Unlock()
			q.settleOrder(out)
		default:
			return
		}
	}
}

func (q *Queue[I, R]) settleOrder(out outcome[I, R]) {
	if out.err == nil {
		if out.dropped {
			return
		}
		q.successes = append(q.successes, Success[I, R]{Order: out.order, Result: out.result, RetryCount: out.retryCount})
		q.complete(out.order, true, out.result, out.retryCount)
		return
	}

	if errors.Is(out.err, ErrHandlerPanic) {
		q.opts.Log.Error("order handler panicked",
			zap.String("queue", q.opts.Name),
			zap.Error(out.err))
		q.reject(out.order, out.retryCount, out.err)
		return
	}

	if out.retryCount+1 >= q.opts.MaxTries || !q.shouldRetry(out.order, out.retryCount, out.err) {
		q.reject(out.order, out.retryCount, out.err)
		return
	}

	retryAt := q.opts.Now().Add(q.opts.RetryInterval)
	if deadline := q.deadlineOf(out.order); !deadline.IsZero() && retryAt.After(deadline) {
		q.reject(out.order, out.retryCount, ErrDeadlineExceeded)
		return
	}
	q.mtx.Lock()
	heap.Push(&q.retries, retryItem[I]{
		order:      out.order,
		retryCount: out.retryCount + 1,
		retryAt:    retryAt,
	})
	q.mtx.Unlock()
}

// shouldRetry shields the scheduler from a misbehaving HandleFailedOrder: a
// panic there force-rejects the order.
func (q *Queue[I, R]) shouldRetry(order I, retryCount int, cause error) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			q.opts.Log.Error("failed-order handler panicked",
				zap.String("queue", q.opts.Name),
				zap.Any("panic", r))
			retry = false
		}
	}()
	return q.handler.HandleFailedOrder(order, retryCount, cause)
}

func (q *Queue[I, R]) reject(order I, retryCount int, err error) {
	q.rejections = append(q.rejections, Rejection[I]{Order: order, Err: err, RetryCount: retryCount})
	q.complete(order, false, nil, retryCount)
}

func (q *Queue[I, R]) complete(order I, success bool, result *R, retryCount int) {
	defer func() {
		if r := recover(); r != nil {
			q.opts.Log.Error("completion handler panicked",
				zap.String("queue", q.opts.Name),
				zap.Any("panic", r))
		}
	}()
	q.handler.OnOrderCompletion(order, success, result, retryCount)
}

type retryItem[I any] struct {
	order      I
	retryCount int
	retryAt    time.Time
}

type retryHeap[I any] []retryItem[I]

func (h retryHeap[I]) Len() int            { return len(h) }
func (h retryHeap[I]) Less(i, j int) bool  { return h[i].retryAt.Before(h[j].retryAt) }
func (h retryHeap[I]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap[I]) Push(x any)         { *h = append(*h, x.(retryItem[I])) }
func (h *retryHeap[I]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
