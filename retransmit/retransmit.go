// Package retransmit implements RFC 5389 §7.2.1 client retransmission as
// a Transport decorator: RetransmitTransport (here, Transport) wraps an
// unreliable transport.Transport and turns each outgoing request into a
// retransmission schedule keyed by transaction id, passing indications
// and responses through unchanged (SPEC_FULL.md §6.3).
//
// Grounded on the teacher's transport/udp/reliability.go
// (ReliabilityManager: pending-message map, a single retransmit worker
// goroutine, a timeout-checking goroutine) and client/backoff.go's
// strategy shape, adapted from ack-based reliability to RFC 5389's fixed
// fire-time schedule: there is no ack packet, a STUN response retires the
// pending state directly.
package retransmit

import (
	"container/heap"
	"context"
	"net"
	"sync"
	"time"

	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/metrics"
	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/transport"
)

// Option configures a Transport at construction time.
type Option func(*Transport)

func WithConfig(cfg Config) Option {
	return func(t *Transport) { t.cfg = cfg.withDefaults() }
}

func WithLogger(l logx.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// pendingRequest is RetransmitState from the data model (§3): everything
// needed to keep resending a single outstanding request.
type pendingRequest struct {
	txID    stun.TransactionID
	peer    net.Addr
	msg     *stun.Message
	t0      time.Time
	attempt int // next attempt index (k) to send
}

type eventKind int

const (
	eventAttempt eventKind = iota
	eventTimeout
)

type event struct {
	at      time.Time
	txID    stun.TransactionID
	kind    eventKind
	attempt int
	index   int // heap.Interface bookkeeping
}

type eventHeap []*event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x interface{}) { e := x.(*event); e.index = len(*h); *h = append(*h, e) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Transport wraps a transport.Transport whose IsReliable() is false. If
// the wrapped transport is reliable, Transport is a no-op passthrough
// (§6.3, P7): every Send goes straight through with no retransmission
// state ever created.
type Transport struct {
	inner   transport.Transport
	cfg     Config
	logger  logx.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[stun.TransactionID]*pendingRequest
	queue   eventHeap
	wake    chan struct{}

	timeouts chan stun.TransactionID

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New wraps inner with the retransmission behavior of cfg. Call Close
// when the transport is no longer needed to stop the scheduler goroutine.
func New(inner transport.Transport, opts ...Option) *Transport {
	t := &Transport{
		inner:    inner,
		cfg:      DefaultConfig(),
		logger:   logx.Nop(),
		metrics:  metrics.Nop(),
		pending:  make(map[stun.TransactionID]*pendingRequest),
		wake:     make(chan struct{}, 1),
		timeouts: make(chan stun.TransactionID, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if !inner.IsReliable() {
		t.wg.Add(1)
		go t.scheduler()
	}
	return t
}

// Timeouts yields a TransactionID each time that transaction's
// retransmission schedule is exhausted without a matching response
// (§6.3/§4.4 point 4: "Propagates retransmission-timeout events ... by
// failing the corresponding Transaction"). The channel is never closed
// while Close() has not been called.
func (t *Transport) Timeouts() <-chan stun.TransactionID { return t.timeouts }

// Send implements transport.Transport. A Request on an unreliable inner
// transport is tracked and scheduled; everything else (indications,
// responses, or any message on a reliable inner transport) is forwarded
// immediately with no retransmission state, per §6.3.
func (t *Transport) Send(ctx context.Context, peer net.Addr, msg *stun.Message) error {
	if t.inner.IsReliable() || msg.Class != stun.ClassRequest {
		return t.inner.Send(ctx, peer, msg)
	}

	now := time.Now()
	t.mu.Lock()
	t.pending[msg.TransactionID] = &pendingRequest{
		txID: msg.TransactionID, peer: peer, msg: msg, t0: now, attempt: 1,
	}
	t.scheduleLocked(msg.TransactionID, now)
	t.mu.Unlock()

	return t.inner.Send(ctx, peer, msg)
}

// scheduleLocked pushes the remaining attempt events and the terminal
// timeout event for txID, starting from attempt 1 (attempt 0 having just
// been sent by Send itself). Caller holds t.mu.
func (t *Transport) scheduleLocked(txID stun.TransactionID, t0 time.Time) {
	for k := 1; k < t.cfg.Rc; k++ {
		heap.Push(&t.queue, &event{at: t0.Add(t.cfg.attemptOffset(k)), txID: txID, kind: eventAttempt, attempt: k})
	}
	heap.Push(&t.queue, &event{at: t0.Add(t.cfg.timeoutOffset()), txID: txID, kind: eventTimeout})
	t.pokeScheduler()
}

func (t *Transport) pokeScheduler() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// scheduler is the single timer-wheel goroutine driving every pending
// request's retransmits (§9 design notes: "a priority queue keyed by
// next_fire_at is sufficient" in preference to a goroutine per
// transaction).
func (t *Transport) scheduler() {
	defer t.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		t.mu.Lock()
		var wait time.Duration
		if t.queue.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(t.queue[0].at)
			if wait < 0 {
				wait = 0
			}
		}
		t.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.done:
			return
		case <-t.wake:
			continue
		case <-timer.C:
			t.fireDue()
		}
	}
}

func (t *Transport) fireDue() {
	now := time.Now()
	var toSend []*pendingRequest
	var toSendAttempt []int
	var toTimeout []stun.TransactionID

	t.mu.Lock()
	for t.queue.Len() > 0 && !t.queue[0].at.After(now) {
		e := heap.Pop(&t.queue).(*event)
		pr, ok := t.pending[e.txID]
		if !ok {
			continue // cancelled or already completed
		}
		switch e.kind {
		case eventAttempt:
			pr.attempt = e.attempt + 1
			toSend = append(toSend, pr)
			toSendAttempt = append(toSendAttempt, e.attempt)
		case eventTimeout:
			delete(t.pending, e.txID)
			toTimeout = append(toTimeout, e.txID)
		}
	}
	t.mu.Unlock()

	for i, pr := range toSend {
		t.logger.Debug("retransmit: resending txid=%s attempt=%d", pr.txID, toSendAttempt[i])
		t.metrics.RetransmitsTotal.Inc()
		if err := t.inner.Send(context.Background(), pr.peer, pr.msg); err != nil {
			// The schedule continues even if this attempt's send fails;
			// the socket may recover, and failure only surfaces when
			// the terminal timeout fires (§6.3).
			t.logger.Warn("retransmit: send attempt failed for txid=%s: %v", pr.txID, err)
		}
	}
	for _, txID := range toTimeout {
		t.metrics.TransactionTimeoutsTotal.Inc()
		select {
		case t.timeouts <- txID:
		case <-t.done:
			return
		}
	}
}

// RecvFrom implements transport.Transport: on a SuccessResponse or
// ErrorResponse, the matching pending state (if any) is removed before
// the message is forwarded upward, per §6.3 and invariant I4.
func (t *Transport) RecvFrom(ctx context.Context) (net.Addr, *stun.Message, error) {
	peer, msg, err := t.inner.RecvFrom(ctx)
	if err == nil && msg != nil && (msg.Class == stun.ClassSuccessResponse || msg.Class == stun.ClassErrorResponse) {
		t.Cancel(msg.TransactionID)
	}
	return peer, msg, err
}

// Cancel removes any pending retransmission state for txID, so no further
// retransmits fire. Used both on a matching response (RecvFrom) and when
// the upward Channel cancels a transaction (§6.3, "the upward consumer
// cancels a transaction").
func (t *Transport) Cancel(txID stun.TransactionID) {
	t.mu.Lock()
	delete(t.pending, txID)
	t.mu.Unlock()
}

func (t *Transport) IsReliable() bool    { return t.inner.IsReliable() }
func (t *Transport) LocalAddr() net.Addr { return t.inner.LocalAddr() }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return t.inner.Close()
}
