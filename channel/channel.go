// Package channel implements the transaction-correlation layer on top of
// a transport.Transport: matching outgoing requests to incoming
// responses by transaction id and source peer, demultiplexing incoming
// requests/indications to a single consumable stream, and propagating
// retransmission timeouts.
//
// Grounded on the teacher's client.go pendingRequests map[string]chan
// *JSONRPCResponse pattern, generalized from string JSON-RPC ids to
// 96-bit binary stun.TransactionID keys and from a bare channel to a
// transaction struct that also carries the peer address, since STUN's
// correlation policy checks the response's source address against the
// peer the request was sent to.
package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/localrivet/gostun/errs"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/metrics"
	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/transport"
)

// IncomingMessage is a request or indication received from a peer,
// demultiplexed out of the transport's inbound stream.
type IncomingMessage struct {
	Peer    net.Addr
	Message *stun.Message
}

// transaction is the Channel-local record for one outstanding Call:
// the peer it was sent to, and the slot its result is delivered on.
type transaction struct {
	peer      net.Addr
	waker     chan callResult
	createdAt time.Time
}

type callResult struct {
	msg *stun.Message
	err error
}

// timeoutSource is implemented by retransmit.Transport. Channel type-
// asserts for it so it can propagate TransactionTimeout events (§4.4
// point 4) and cancel a transaction's retransmission schedule without
// importing package retransmit directly.
type timeoutSource interface {
	Timeouts() <-chan stun.TransactionID
	Cancel(stun.TransactionID)
}

// Option configures a Channel at construction time.
type Option func(*Channel)

func WithLogger(l logx.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// IncomingBufferSize sets the capacity of the incoming queue (§3 data
// model, "incoming: queue<(peer, RecvMessage)>"). Defaults to 64.
func IncomingBufferSize(n int) Option {
	return func(c *Channel) { c.incomingBuf = n }
}

// Channel owns a transport.Transport exclusively and is the sole reader
// of its RecvFrom side and sole writer of its Send side, per §4.1's
// single-producer/single-consumer contract.
type Channel struct {
	transport transport.Transport
	timeouts  timeoutSource // non-nil iff transport wraps retransmission
	logger    logx.Logger
	metrics   *metrics.Metrics

	incomingBuf int
	incoming    chan IncomingMessage

	mu          sync.Mutex
	outstanding map[stun.TransactionID]*transaction
	closed      bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Channel over t and starts its drive() loop in a
// background goroutine. Close stops the loop and releases t.
func New(t transport.Transport, opts ...Option) *Channel {
	c := &Channel{
		transport:   t,
		logger:      logx.Nop(),
		metrics:     metrics.Nop(),
		incomingBuf: 64,
		outstanding: make(map[stun.TransactionID]*transaction),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if ts, ok := t.(timeoutSource); ok {
		c.timeouts = ts
	}
	c.incoming = make(chan IncomingMessage, c.incomingBuf)

	c.wg.Add(1)
	go c.drive()
	return c
}

// Call registers a Transaction under request's own TransactionId (the
// random id stun.NewRequest draws) and sends request to peer, blocking
// until the matching response arrives, the context is done, or the
// transaction fails (timeout, cancellation, transport error). If that id
// is already outstanding on this Channel (I1), Call fails with
// errs.ErrInternal; it does not draw a replacement id.
func (c *Channel) Call(ctx context.Context, peer net.Addr, request *stun.Message) (*stun.Message, error) {
	waker := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.ErrTransportClosed
	}
	if err := c.registerLocked(request.TransactionID, peer, waker); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.metrics.OutstandingTransactions.Inc()
	c.mu.Unlock()

	if err := c.transport.Send(ctx, peer, request); err != nil {
		c.removeTransaction(request.TransactionID)
		return nil, err
	}

	select {
	case res := <-waker:
		return res.msg, res.err
	case <-ctx.Done():
		c.Cancel(request.TransactionID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, errs.ErrTransportClosed
	}
}

// registerLocked enforces I1: at most one Transaction per TransactionId.
// A colliding id (pathological RNG) surfaces as ErrInternal rather than
// silently overwriting the existing transaction.
func (c *Channel) registerLocked(txID stun.TransactionID, peer net.Addr, waker chan callResult) error {
	if _, exists := c.outstanding[txID]; exists {
		return errs.ErrInternal
	}
	c.outstanding[txID] = &transaction{peer: peer, waker: waker, createdAt: time.Now()}
	return nil
}

// Cast sends an indication to peer. It resolves as soon as the
// transport has accepted the bytes; no transaction state is created.
func (c *Channel) Cast(ctx context.Context, peer net.Addr, indication *stun.Message) error {
	return c.transport.Send(ctx, peer, indication)
}

// Reply sends a response to peer with no tracking: the Server uses this
// to answer requests it has already matched up out-of-band.
func (c *Channel) Reply(ctx context.Context, peer net.Addr, response *stun.Message) error {
	return c.transport.Send(ctx, peer, response)
}

// Incoming returns the demultiplexed stream of requests and indications
// received from peers.
func (c *Channel) Incoming() <-chan IncomingMessage {
	return c.incoming
}

// Cancel drops the Transaction for txID, if any, delivering Cancelled to
// a blocked Call, and drops any retransmission state for it.
func (c *Channel) Cancel(txID stun.TransactionID) {
	if c.timeouts != nil {
		c.timeouts.Cancel(txID)
	}
	c.failTransaction(txID, errs.ErrCancelled)
}

func (c *Channel) removeTransaction(txID stun.TransactionID) {
	c.mu.Lock()
	delete(c.outstanding, txID)
	c.mu.Unlock()
	c.metrics.OutstandingTransactions.Dec()
}

func (c *Channel) failTransaction(txID stun.TransactionID, err error) {
	c.mu.Lock()
	tx, ok := c.outstanding[txID]
	if ok {
		delete(c.outstanding, txID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.metrics.OutstandingTransactions.Dec()
	tx.waker <- callResult{err: err}
}

type recvResult struct {
	peer net.Addr
	msg  *stun.Message
	err  error
}

// drive is the Channel's own progress step (§4.4 point 4): it reads
// inbound messages and retransmission-timeout events. recvLoop runs
// transport.RecvFrom on a dedicated goroutine so drive can select
// between a pending receive and a pending timeout without either
// starving the other; it remains the only caller of RecvFrom, preserving
// the single-consumer contract.
func (c *Channel) drive() {
	defer c.wg.Done()

	var timeouts <-chan stun.TransactionID
	if c.timeouts != nil {
		timeouts = c.timeouts.Timeouts()
	}

	recvCh := make(chan recvResult)
	go c.recvLoop(recvCh)

	for {
		select {
		case <-c.done:
			return
		case txID, ok := <-timeouts:
			if !ok {
				timeouts = nil
				continue
			}
			c.failTransaction(txID, &errs.TimeoutError{Operation: "call"})
		case r := <-recvCh:
			if r.err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				c.handleRecvError(r.peer, r.err)
				continue
			}
			c.dispatch(r.peer, r.msg)
		}
	}
}

// handleRecvError reports a transport-level receive failure. A decode
// error whose header still parsed as a Request (§7) is answered with a
// 400 Bad Request directly, since no Transaction was ever registered for
// bytes that never made it to a Message; anything else (header-level
// decode failures, indications, or responses, and non-decode transport
// errors) is only logged, per §4.5's list of when a 400 is warranted.
func (c *Channel) handleRecvError(peer net.Addr, recvErr error) {
	var perr *transport.PeerAddrError
	if errors.As(recvErr, &perr) {
		if de, ok := perr.DecodeError(); ok && de.Class == stun.ClassRequest {
			resp := stun.NewErrorResponseForTransaction(de.Method, de.TransactionID, 400, "Bad Request")
			if sendErr := c.transport.Send(context.Background(), peer, resp); sendErr != nil {
				c.logger.Warn("channel: failed to send 400 for decode error from %v: %v", peer, sendErr)
			}
			return
		}
	}
	c.logger.Warn("channel: recv error: %v", recvErr)
}

func (c *Channel) recvLoop(out chan<- recvResult) {
	ctx := context.Background()
	for {
		peer, msg, err := c.transport.RecvFrom(ctx)
		select {
		case out <- recvResult{peer: peer, msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
		}
	}
}

func (c *Channel) dispatch(peer net.Addr, msg *stun.Message) {
	switch msg.Class {
	case stun.ClassRequest, stun.ClassIndication:
		select {
		case c.incoming <- IncomingMessage{Peer: peer, Message: msg}:
		case <-c.done:
		}
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		c.deliverResponse(peer, msg)
	}
}

// deliverResponse implements the §4.4 correlation policy: a response
// matches a Transaction iff the transaction id is known AND the source
// address equals the peer the request was sent to (I2). A mismatch on
// either is a silent drop, counted for observability but never surfaced
// to the caller.
func (c *Channel) deliverResponse(peer net.Addr, msg *stun.Message) {
	c.mu.Lock()
	tx, ok := c.outstanding[msg.TransactionID]
	if ok && tx.peer.String() == peer.String() {
		delete(c.outstanding, msg.TransactionID)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.ResponsesDroppedTotal.Inc()
		c.logger.Debug("channel: dropping response txid=%s from unexpected peer=%v", msg.TransactionID, peer)
		return
	}
	if c.timeouts != nil {
		c.timeouts.Cancel(msg.TransactionID)
	}
	c.metrics.OutstandingTransactions.Dec()
	tx.waker <- callResult{msg: msg}
}

// Close stops the drive loop and closes the underlying transport. Any
// Call blocked in-flight returns ErrTransportClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*transaction, 0, len(c.outstanding))
	for txID, tx := range c.outstanding {
		pending = append(pending, tx)
		delete(c.outstanding, txID)
	}
	c.mu.Unlock()

	close(c.done)
	for _, tx := range pending {
		tx.waker <- callResult{err: errs.ErrTransportClosed}
	}

	err := c.transport.Close()
	c.wg.Wait()
	return err
}
