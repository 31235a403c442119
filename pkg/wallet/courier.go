package wallet

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Courier wraps a Port into a synchronous request/reply exchange, matching
// replies to in-flight requests by message id. It allows any number of
// concurrent Send calls over a single port.
type Courier struct {
	port *Port
	log  *zap.Logger

	mtx     sync.Mutex
	waiters map[uuid.UUID]chan *Reply
}

// NewCourier creates a Courier over a freshly attached port and starts its
// routing goroutine. The courier must be the only reader of the port.
func NewCourier(w *Wallet, log *zap.Logger) *Courier {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Courier{
		port:    w.AttachToWallet(),
		log:     log,
		waiters: make(map[uuid.UUID]chan *Reply),
	}
	go c.route()
	return c
}

func (c *Courier) route() {
	for {
		select {
		case reply := <-c.port.replies:
			c.mtx.Lock()
			ch := c.waiters[reply.MessageID]
			delete(c.waiters, reply.MessageID)
			c.mtx.Unlock()
			if ch == nil {
				c.log.Warn("wallet reply without a waiting requester",
					zap.String("messageId", reply.MessageID.String()))
				continue
			}
			ch <- reply
		case <-c.port.wallet.done:
			return
		}
	}
}

// SendAsync submits a request and returns a channel its reply will arrive
// on. The request is handed to the wallet before SendAsync returns, so two
// consecutive calls broadcast in call order.
func (c *Courier) SendAsync(req *Request) (<-chan *Reply, error) {
	if req.MessageID == uuid.Nil {
		req.MessageID = uuid.New()
	}
	ch := make(chan *Reply, 1)
	c.mtx.Lock()
	c.waiters[req.MessageID] = ch
	c.mtx.Unlock()

	if err := c.port.Submit(req); err != nil {
		c.forget(req.MessageID)
		return nil, err
	}
	return ch, nil
}

// Send submits a request and blocks until its reply arrives, the context is
// cancelled, or the wallet shuts down.
func (c *Courier) Send(ctx context.Context, req *Request) (*Reply, error) {
	ch, err := c.SendAsync(req)
	if err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		c.forget(req.MessageID)
		return nil, ctx.Err()
	case <-c.port.wallet.done:
		c.forget(req.MessageID)
		return nil, context.Canceled
	}
}

func (c *Courier) forget(id uuid.UUID) {
	c.mtx.Lock()
	delete(c.waiters, id)
	c.mtx.Unlock()
}
