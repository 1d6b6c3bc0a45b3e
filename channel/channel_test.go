package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/transport"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory transport.Transport: two instances wired
// through buffered channels so the transaction-correlation tests run
// deterministically without real sockets, in the style of the teacher's
// network_simulation_test.go harness.
type pipeTransport struct {
	addr net.Addr
	out  chan<- pipeFrame
	in   <-chan pipeFrame
	done chan struct{}
}

type pipeFrame struct {
	peer net.Addr
	msg  *stun.Message
}

func newPipe(addrA, addrB string) (a, b *pipeTransport) {
	abCh := make(chan pipeFrame, 16)
	baCh := make(chan pipeFrame, 16)
	a = &pipeTransport{addr: pipeAddr(addrA), out: abCh, in: baCh, done: make(chan struct{})}
	b = &pipeTransport{addr: pipeAddr(addrB), out: baCh, in: abCh, done: make(chan struct{})}
	return a, b
}

type pipeAddr string

func (p pipeAddr) Network() string { return "pipe" }
func (p pipeAddr) String() string  { return string(p) }

func (p *pipeTransport) Send(ctx context.Context, peer net.Addr, msg *stun.Message) error {
	select {
	case p.out <- pipeFrame{peer: p.addr, msg: msg}:
		return nil
	case <-p.done:
		return net.ErrClosed
	}
}

func (p *pipeTransport) RecvFrom(ctx context.Context) (net.Addr, *stun.Message, error) {
	select {
	case f := <-p.in:
		return f.peer, f.msg, nil
	case <-p.done:
		return nil, nil, net.ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *pipeTransport) IsReliable() bool    { return true }
func (p *pipeTransport) LocalAddr() net.Addr { return p.addr }
func (p *pipeTransport) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}

func TestChannelCallReceivesMatchingResponse(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)
	server := New(serverT)
	defer client.Close()
	defer server.Close()

	go func() {
		in := <-server.Incoming()
		require.Equal(t, stun.ClassRequest, in.Message.Class)
		resp := stun.NewSuccessResponse(in.Message)
		require.NoError(t, server.Reply(context.Background(), in.Peer, resp))
	}()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, serverT.addr, req)
	require.NoError(t, err)
	require.Equal(t, req.TransactionID, resp.TransactionID)
	require.Equal(t, stun.ClassSuccessResponse, resp.Class)
}

func TestChannelDropsResponseFromWrongPeer(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)
	server := New(serverT)
	defer client.Close()
	defer server.Close()

	go func() {
		in := <-server.Incoming()
		resp := stun.NewSuccessResponse(in.Message)
		// Deliver the response from a different source address than the
		// one the client sent to (pipeTransport.Send stamps the sender's
		// own addr as the source): the Channel must drop this
		// (I2/correlation policy), not deliver it to the blocked Call.
		spoof := &pipeTransport{addr: pipeAddr("impersonator"), out: serverT.out, done: make(chan struct{})}
		require.NoError(t, spoof.Send(context.Background(), in.Peer, resp))
	}()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, serverT.addr, req)
	require.Error(t, err)
}

func TestChannelCastDeliversIndicationWithNoReply(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)
	server := New(serverT)
	defer client.Close()
	defer server.Close()

	ind, err := stun.NewIndication(stun.MethodBinding)
	require.NoError(t, err)

	require.NoError(t, client.Cast(context.Background(), serverT.addr, ind))

	select {
	case in := <-server.Incoming():
		require.Equal(t, stun.ClassIndication, in.Message.Class)
		require.Equal(t, ind.TransactionID, in.Message.TransactionID)
	case <-time.After(2 * time.Second):
		t.Fatal("indication never arrived")
	}
}

func TestChannelCallCancelledByContext(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)
	defer client.Close()
	// No server reading from serverT: the request is never answered.

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, serverT.addr, req)
	require.Error(t, err)
}

func TestChannelAnswersDecodeErrorRequestWith400(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)
	defer client.Close()

	txID, err := stun.NewTransactionID()
	require.NoError(t, err)
	decErr := &stun.DecodeError{
		Reason:        "truncated attribute value",
		HasHeader:     true,
		Class:         stun.ClassRequest,
		Method:        stun.MethodBinding,
		TransactionID: txID,
	}
	recvErr := &transport.PeerAddrError{Peer: serverT.addr, Cause: decErr}

	client.handleRecvError(serverT.addr, recvErr)

	select {
	case f := <-serverT.in:
		require.Equal(t, stun.ClassErrorResponse, f.msg.Class)
		require.Equal(t, txID, f.msg.TransactionID)
		attr, ok := f.msg.Attr(stun.AttrErrorCode)
		require.True(t, ok)
		require.Equal(t, 400, attr.(stun.ErrorCodeAttr).Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no 400 response sent for decodable-header request error")
	}
}

func TestChannelCloseFailsInFlightCalls(t *testing.T) {
	clientT, serverT := newPipe("client", "server")
	client := New(clientT)

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), serverT.addr, req)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return after Close")
	}
}
