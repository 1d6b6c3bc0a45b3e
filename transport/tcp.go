package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/stun"
)

// TCPOption configures a TCPTransport at construction time.
type TCPOption func(*TCPTransport)

// WithTCPLogger attaches a logger; the default is logx.Nop().
func WithTCPLogger(l logx.Logger) TCPOption {
	return func(t *TCPTransport) { t.logger = l }
}

// WithTCPCodec overrides the default stun.Codec.
func WithTCPCodec(codec interface {
	stun.Encoder
	stun.Decoder
}) TCPOption {
	return func(t *TCPTransport) {
		t.encoder = codec
		t.decoder = codec
	}
}

// TCPTransport implements Transport over a single net.Conn, framing each
// message per RFC 5389 §7.2.2: the 20-byte STUN header is self-describing
// (it carries the attribute-section length), so framing is "read 20
// bytes, compute total length, read the remainder" (§6.2, §4.3). There is
// exactly one peer for the lifetime of a TCPTransport: the other end of
// conn.
type TCPTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	logger logx.Logger

	encoder stun.Encoder
	decoder stun.Decoder

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport wraps an established net.Conn (from net.Dial or an
// Accept()ed listener).
func NewTCPTransport(conn net.Conn, opts ...TCPOption) *TCPTransport {
	codec := &stun.Codec{}
	t := &TCPTransport{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 4096),
		logger:  logx.Nop(),
		encoder: codec,
		decoder: codec,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DialTCP connects to addr and returns a ready TCPTransport.
func DialTCP(ctx context.Context, addr string, opts ...TCPOption) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return NewTCPTransport(conn, opts...), nil
}

func (t *TCPTransport) Send(ctx context.Context, _ net.Addr, msg *stun.Message) error {
	if t.isClosed() {
		return errors.New("transport: closed")
	}
	data, err := t.encoder.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(data); err != nil {
		_ = t.Close()
		return &SendError{Peer: t.conn.RemoteAddr(), Cause: err}
	}
	return nil
}

// RecvFrom reads the next complete frame. peer is always t.conn's
// RemoteAddr(): a TCPTransport carries exactly one peer.
func (t *TCPTransport) RecvFrom(ctx context.Context) (net.Addr, *stun.Message, error) {
	if t.isClosed() {
		return nil, nil, errors.New("transport: closed")
	}

	header := make([]byte, stun.HeaderLen)
	if _, err := io.ReadFull(t.reader, header); err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("transport: read header: %w", err)
	}
	length := binary.BigEndian.Uint16(header[2:4])

	frame := make([]byte, stun.HeaderLen+int(length))
	copy(frame, header)
	if length > 0 {
		if _, err := io.ReadFull(t.reader, frame[stun.HeaderLen:]); err != nil {
			_ = t.Close()
			return nil, nil, fmt.Errorf("transport: read body: %w", err)
		}
	}

	msg, err := t.decoder.Decode(frame)
	peer := t.conn.RemoteAddr()
	if err != nil {
		// A malformed header/frame aborts the connection (§4.3): we
		// cannot know where the next frame begins once framing breaks.
		_ = t.Close()
		return peer, nil, &PeerAddrError{Peer: peer, Cause: err}
	}
	return peer, msg, nil
}

func (t *TCPTransport) IsReliable() bool { return true }

func (t *TCPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *TCPTransport) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

func (t *TCPTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
