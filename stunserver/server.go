// Package stunserver dispatches incoming requests and indications off a
// channel.Channel to a HandleMessage implementation, enforcing RFC 5389's
// unknown-attribute/unknown-method error responses and response contract.
//
// Grounded on the teacher's server.go incoming-message dispatch loop
// (RegisterTool/activeRequests tracking shape), generalized from MCP's
// JSON-RPC method table to STUN's class/method/comprehension rules, and
// from a string request-id -> context.CancelFunc map to a uuid.UUID ->
// struct{} in-flight set drained by finish().
package stunserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localrivet/gostun/channel"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/metrics"
	"github.com/localrivet/gostun/stun"
)

// errHandlerPanic stands in for the original panic value when a handler
// fails catastrophically; the 500 response it produces carries no detail
// about the cause, matching §4.5's "synthesize 500" rule for any handler
// failure, panic or returned error alike.
var errHandlerPanic = errors.New("stunserver: handler panicked")

// HandleMessage is the capability object a Server dispatches to (§4.5).
type HandleMessage interface {
	// HandleRequest answers a request. A nil response with a nil error
	// means no reply is sent (§4.5 point 3). An error causes the Server
	// to synthesize a 500.
	HandleRequest(ctx context.Context, peer net.Addr, request *stun.Message) (*stun.Message, error)
	// HandleCast processes an indication. No reply is ever sent for one.
	HandleCast(ctx context.Context, peer net.Addr, indication *stun.Message)
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithLogger(l logx.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSoftware stamps every outgoing response (success, error, and the
// 420/500 synthesized ones) with a SOFTWARE attribute identifying this
// implementation. Supplemented feature: RFC 5389 defines the attribute
// but spec.md's own catalog doesn't name it; many real STUN servers carry
// it anyway.
func WithSoftware(name string) Option {
	return func(s *Server) { s.software = name }
}

// WithHandlerTimeout bounds how long a single HandleRequest/HandleCast
// call is allowed to run before its context is cancelled. Zero disables
// the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) { s.handlerTimeout = d }
}

// Server reads channel.Channel.Incoming(), dispatches each message to a
// HandleMessage in its own goroutine, and answers per §4.5's rules.
type Server struct {
	ch      *channel.Channel
	handler HandleMessage
	logger  logx.Logger
	metrics *metrics.Metrics

	software       string
	handlerTimeout time.Duration

	mu        sync.Mutex
	inFlight  map[uuid.UUID]struct{}
	draining  bool
	drainDone chan struct{}
	wg        sync.WaitGroup

	stop chan struct{}
	once sync.Once
}

// New starts a Server dispatching ch's incoming messages to handler.
func New(ch *channel.Channel, handler HandleMessage, opts ...Option) *Server {
	s := &Server{
		ch:        ch,
		handler:   handler,
		logger:    logx.Nop(),
		metrics:   metrics.Nop(),
		inFlight:  make(map[uuid.UUID]struct{}),
		drainDone: make(chan struct{}),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Server) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case in, ok := <-s.ch.Incoming():
			if !ok {
				return
			}
			s.dispatch(in)
		}
	}
}

// dispatch implements §4.5 steps 1-6.
func (s *Server) dispatch(in channel.IncomingMessage) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	handleID := uuid.New()
	s.inFlight[handleID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, handleID)
			empty := len(s.inFlight) == 0
			draining := s.draining
			s.mu.Unlock()
			if draining && empty {
				select {
				case s.drainDone <- struct{}{}:
				default:
				}
			}
		}()
		s.handle(in)
	}()
}

func (s *Server) handle(in channel.IncomingMessage) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if s.handlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	// Step 2: unknown comprehension-required attributes reported by the
	// decoder win over dispatch for a Request, but never for an
	// Indication (RFC 5389 §7.3.2, §4.5 step 6, glossary: indications are
	// never answered, so there is no 420 to send for one).
	if in.Message.Class == stun.ClassRequest && len(in.Message.UnknownAttributes) > 0 {
		s.replyUnknownAttributes(ctx, in)
		return
	}

	switch in.Message.Class {
	case stun.ClassIndication:
		s.handler.HandleCast(ctx, in.Peer, in.Message)
		s.metrics.RequestsHandledTotal.WithLabelValues("indication").Inc()
		return
	case stun.ClassRequest:
		s.handleRequest(ctx, in)
	}
}

// MethodSet is optionally implemented by a HandleMessage that serves
// methods beyond MethodBinding; Server consults it to decide whether a
// request's method is one the handler actually answers before invoking
// HandleRequest. A handler that doesn't implement MethodSet is treated as
// BINDING-only, preserving the single-method behavior of the reference
// binding.Handler.
type MethodSet interface {
	HandlesMethod(m stun.Method) bool
}

func (s *Server) handlesMethod(m stun.Method) bool {
	if ms, ok := s.handler.(MethodSet); ok {
		return ms.HandlesMethod(m)
	}
	return m == stun.MethodBinding
}

func (s *Server) handleRequest(ctx context.Context, in channel.IncomingMessage) {
	if !s.handlesMethod(in.Message.Method) {
		if in.Message.Method.RequiresComprehension() {
			s.replyError(ctx, in, 420, "Unknown Attribute")
			s.metrics.RequestsHandledTotal.WithLabelValues("unknown_method_420").Inc()
			return
		}
		// Non-comprehension-required unknown method: silently ignore
		// (RFC 5389 §7.3.1).
		s.metrics.RequestsHandledTotal.WithLabelValues("unknown_method_ignored").Inc()
		return
	}

	resp, err := s.invokeHandler(ctx, in)
	if err != nil {
		s.replyError(ctx, in, 500, "Server Error")
		s.metrics.RequestsHandledTotal.WithLabelValues("handler_error_500").Inc()
		return
	}
	if resp == nil {
		s.metrics.RequestsHandledTotal.WithLabelValues("no_reply").Inc()
		return
	}

	// Step 5: contract enforcement. The Channel (via the Server, which
	// owns reply construction here) overwrites method/txid to match the
	// request regardless of what the handler returned.
	resp.Method = in.Message.Method
	resp.TransactionID = in.Message.TransactionID
	s.stampSoftware(resp)

	if err := s.ch.Reply(ctx, in.Peer, resp); err != nil {
		s.logger.Warn("stunserver: reply failed: %v", err)
	}
	s.metrics.RequestsHandledTotal.WithLabelValues(resp.Class.String()).Inc()
}

// invokeHandler recovers a handler panic into an error, since §4.5 point
// 4 treats "handler failure" (panic or error) identically: synthesize
// 500.
func (s *Server) invokeHandler(ctx context.Context, in channel.IncomingMessage) (resp *stun.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stunserver: handler panic: %v", r)
			err = errHandlerPanic
		}
	}()
	return s.handler.HandleRequest(ctx, in.Peer, in.Message)
}

func (s *Server) replyUnknownAttributes(ctx context.Context, in channel.IncomingMessage) {
	resp := stun.NewErrorResponse(in.Message, 420, "Unknown Attribute",
		stun.UnknownAttributesAttr{Types: in.Message.UnknownAttributes})
	s.stampSoftware(resp)
	if err := s.ch.Reply(ctx, in.Peer, resp); err != nil {
		s.logger.Warn("stunserver: reply failed: %v", err)
	}
	s.metrics.RequestsHandledTotal.WithLabelValues("unknown_attributes_420").Inc()
}

func (s *Server) replyError(ctx context.Context, in channel.IncomingMessage, code int, reason string) {
	resp := stun.NewErrorResponse(in.Message, code, reason)
	s.stampSoftware(resp)
	if err := s.ch.Reply(ctx, in.Peer, resp); err != nil {
		s.logger.Warn("stunserver: reply failed: %v", err)
	}
}

func (s *Server) stampSoftware(msg *stun.Message) {
	if s.software == "" {
		return
	}
	msg.Attributes = append(msg.Attributes, stun.SoftwareAttr{Name: s.software})
}

// Finish stops accepting new incoming messages, waits for outstanding
// handler goroutines to resolve (or deadline to elapse), then closes the
// underlying Channel.
func (s *Server) Finish(deadline time.Duration) error {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	s.draining = true
	empty := len(s.inFlight) == 0
	s.mu.Unlock()

	timedOut := false
	if !empty {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-s.drainDone:
		case <-timer.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.inFlight))
			for id := range s.inFlight {
				ids = append(ids, id.String())
			}
			s.mu.Unlock()
			if len(ids) > 0 {
				timedOut = true
				s.logger.Warn("stunserver: finish deadline elapsed with handlers still in flight: %v", ids)
			}
		}
	}

	if !timedOut {
		s.wg.Wait()
	}
	return s.ch.Close()
}
