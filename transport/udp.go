package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/stun"
)

// DefaultMaxPacketSize is the size of the receive buffer, and so the
// largest UDP datagram this transport will accept; a larger datagram is
// truncated on read and surfaces as a decode error (§6, "datagrams
// exceeding codec limits are dropped with a decode error"). Send does not
// check outgoing messages against this size.
const DefaultMaxPacketSize = 1400

// UDPOption configures a UDPTransport at construction time.
type UDPOption func(*UDPTransport)

// WithLogger attaches a logger; the default is logx.Nop().
func WithLogger(l logx.Logger) UDPOption {
	return func(t *UDPTransport) { t.logger = l }
}

// WithMaxPacketSize overrides DefaultMaxPacketSize.
func WithMaxPacketSize(n int) UDPOption {
	return func(t *UDPTransport) {
		if n > 0 {
			t.maxPacketSize = n
		}
	}
}

// WithCodec overrides the default stun.Codec, e.g. to enable fingerprint
// verification on decode.
func WithCodec(codec interface {
	stun.Encoder
	stun.Decoder
}) UDPOption {
	return func(t *UDPTransport) {
		t.encoder = codec
		t.decoder = codec
	}
}

type inbound struct {
	peer net.Addr
	msg  *stun.Message
	err  error
}

// UDPTransport implements Transport over a net.PacketConn. One datagram
// carries exactly one STUN message (§6.2).
type UDPTransport struct {
	conn          net.PacketConn
	logger        logx.Logger
	maxPacketSize int
	encoder       stun.Encoder
	decoder       stun.Decoder

	writeMu sync.Mutex

	recvCh chan inbound
	done   chan struct{}
	once   sync.Once
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport wraps an already-bound net.PacketConn (typically from
// net.ListenUDP or ListenUDP in this package) and starts its receive loop.
func NewUDPTransport(conn net.PacketConn, opts ...UDPOption) *UDPTransport {
	codec := &stun.Codec{}
	t := &UDPTransport{
		conn:          conn,
		logger:        logx.Nop(),
		maxPacketSize: DefaultMaxPacketSize,
		encoder:       codec,
		decoder:       codec,
		recvCh:        make(chan inbound, 64),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readLoop()
	return t
}

// ListenUDP binds a UDP socket at addr and returns a ready UDPTransport.
func ListenUDP(network, addr string, opts ...UDPOption) (*UDPTransport, error) {
	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	tuneUDPSocket(pc)
	return NewUDPTransport(pc, opts...), nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, t.maxPacketSize)
	for {
		n, peer, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Error("udp: read error: %v", err)
			select {
			case t.recvCh <- inbound{err: err}:
			case <-t.done:
			}
			return
		}

		msg, decErr := t.decoder.Decode(buf[:n])
		item := inbound{peer: peer}
		if decErr != nil {
			t.logger.Warn("udp: decode error from %s: %v", peer, decErr)
			item.err = &PeerAddrError{Peer: peer, Cause: decErr}
		} else {
			item.msg = msg
		}

		select {
		case t.recvCh <- item:
		case <-t.done:
			return
		}
	}
}

func (t *UDPTransport) Send(ctx context.Context, peer net.Addr, msg *stun.Message) error {
	select {
	case <-t.done:
		return errors.New("transport: closed")
	default:
	}
	data, err := t.encoder.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.WriteTo(data, peer); err != nil {
		return &SendError{Peer: peer, Cause: err}
	}
	return nil
}

func (t *UDPTransport) RecvFrom(ctx context.Context) (net.Addr, *stun.Message, error) {
	select {
	case item, ok := <-t.recvCh:
		if !ok {
			return nil, nil, errors.New("transport: closed")
		}
		return item.peer, item.msg, item.err
	case <-t.done:
		return nil, nil, errors.New("transport: closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (t *UDPTransport) IsReliable() bool { return false }

func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
