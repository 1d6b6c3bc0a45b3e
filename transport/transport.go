// Package transport provides the Transport abstraction the channel layer
// is built on: a bidirectional, peer-addressed carrier of STUN messages
// over a single socket, uniform across UDP and TCP beyond the
// IsReliable() flag (SPEC_FULL.md §6.2).
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/localrivet/gostun/stun"
)

// Transport is single-producer on the send side and single-consumer on
// the receive side; Channel enforces this by owning both halves of
// whichever Transport it wraps.
type Transport interface {
	// Send transmits msg to peer. On a reliable transport this implies
	// framing is complete before Send returns. Fails with a
	// *SendError on an unrecoverable socket error.
	Send(ctx context.Context, peer net.Addr, msg *stun.Message) error

	// RecvFrom blocks until the next message arrives, or ctx is done, or
	// the transport is closed. A decode failure is reported as a
	// *PeerAddrError carrying the offending peer's address and wrapping
	// the *stun.DecodeError, so the caller can still answer with a 400
	// where the class was recoverable.
	RecvFrom(ctx context.Context) (peer net.Addr, msg *stun.Message, err error)

	// IsReliable reports whether this transport guarantees in-order,
	// lossless delivery (TCP) or not (UDP). RetransmitTransport only
	// installs retransmission behavior over a transport where this
	// returns false.
	IsReliable() bool

	// LocalAddr returns the transport's bound local address.
	LocalAddr() net.Addr

	// Close releases the underlying socket. RecvFrom calls in flight
	// return an error; subsequent Send/RecvFrom calls fail immediately.
	Close() error
}

// SendError wraps a socket-level failure encountered while sending to a
// specific peer.
type SendError struct {
	Peer  net.Addr
	Cause error
}

func (e *SendError) Error() string {
	return "transport: send to " + e.Peer.String() + ": " + e.Cause.Error()
}

func (e *SendError) Unwrap() error { return e.Cause }

// PeerAddrError is returned by RecvFrom when bytes arrived from peer but
// could not be decoded as a STUN message.
type PeerAddrError struct {
	Peer  net.Addr
	Cause error
}

func (e *PeerAddrError) Error() string {
	return "transport: decode from " + e.Peer.String() + ": " + e.Cause.Error()
}

func (e *PeerAddrError) Unwrap() error { return e.Cause }

// DecodeError returns the stun.DecodeError wrapped by e, if any, and
// whether it carries enough header information (class, method,
// transaction id) for a caller to still answer the peer with a 400.
func (e *PeerAddrError) DecodeError() (*stun.DecodeError, bool) {
	var de *stun.DecodeError
	if !errors.As(e.Cause, &de) || !de.HasHeader {
		return nil, false
	}
	return de, true
}
