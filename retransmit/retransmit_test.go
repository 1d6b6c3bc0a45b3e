package retransmit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/localrivet/gostun/stun"
	"github.com/stretchr/testify/require"
)

// recordingTransport is a minimal in-memory stand-in for transport.Transport
// that records every Send and lets the test synthesize RecvFrom results,
// in the style of the teacher's network_simulation_test.go fakes.
type recordingTransport struct {
	reliable bool
	sends    chan *stun.Message
	recv     chan *stun.Message
	closed   chan struct{}
}

func newRecordingTransport(reliable bool) *recordingTransport {
	return &recordingTransport{
		reliable: reliable,
		sends:    make(chan *stun.Message, 64),
		recv:     make(chan *stun.Message, 8),
		closed:   make(chan struct{}),
	}
}

func (r *recordingTransport) Send(ctx context.Context, peer net.Addr, msg *stun.Message) error {
	r.sends <- msg
	return nil
}

func (r *recordingTransport) RecvFrom(ctx context.Context) (net.Addr, *stun.Message, error) {
	select {
	case msg := <-r.recv:
		return nil, msg, nil
	case <-r.closed:
		return nil, nil, net.ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (r *recordingTransport) IsReliable() bool    { return r.reliable }
func (r *recordingTransport) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (r *recordingTransport) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}

func fastConfig() Config {
	return Config{
		RTO:                    10 * time.Millisecond,
		Rc:                     3,
		Rm:                     2,
		MinTransactionInterval: time.Millisecond,
		CacheDuration:          time.Second,
	}
}

// TestTransportRetransmitsOnSchedule verifies P3: with Rc=3, the request is
// sent a total of 3 times (1 original + 2 retransmits) before the terminal
// timeout, at roughly the (2^k-1)*RTO offsets.
func TestTransportRetransmitsOnSchedule(t *testing.T) {
	inner := newRecordingTransport(false)
	rt := New(inner, WithConfig(fastConfig()))
	defer rt.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Send(ctx, &net.UDPAddr{}, req))

	deadline := time.After(2 * time.Second)
	count := 0
	for count < 3 {
		select {
		case <-inner.sends:
			count++
		case <-deadline:
			t.Fatalf("only observed %d sends, expected 3", count)
		}
	}
}

// TestTransportNoFurtherRetransmitsAfterResponse verifies that a response
// arriving via RecvFrom retires the pending state (I4): no more attempts
// are sent for that transaction afterward.
func TestTransportNoFurtherRetransmitsAfterResponse(t *testing.T) {
	inner := newRecordingTransport(false)
	rt := New(inner, WithConfig(fastConfig()))
	defer rt.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Send(ctx, &net.UDPAddr{}, req))

	<-inner.sends // original send

	inner.recv <- stun.NewSuccessResponse(req)
	_, msg, err := rt.RecvFrom(ctx)
	require.NoError(t, err)
	require.Equal(t, req.TransactionID, msg.TransactionID)

	select {
	case <-inner.sends:
		t.Fatal("observed a retransmit after the response was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestTransportTimesOutTransaction verifies P3/scenario 3: absent any
// response, the transaction's id is eventually surfaced on Timeouts().
func TestTransportTimesOutTransaction(t *testing.T) {
	inner := newRecordingTransport(false)
	rt := New(inner, WithConfig(fastConfig()))
	defer rt.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), &net.UDPAddr{}, req))

	select {
	case txID := <-rt.Timeouts():
		require.Equal(t, req.TransactionID, txID)
	case <-time.After(2 * time.Second):
		t.Fatal("transaction never timed out")
	}
}

// TestTransportNoOpOnReliableTransport verifies P7: wrapping a reliable
// transport never schedules retransmits, regardless of Config.
func TestTransportNoOpOnReliableTransport(t *testing.T) {
	inner := newRecordingTransport(true)
	rt := New(inner, WithConfig(fastConfig()))
	defer rt.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)
	require.NoError(t, rt.Send(context.Background(), &net.UDPAddr{}, req))

	<-inner.sends // the single forwarded send

	select {
	case <-inner.sends:
		t.Fatal("reliable transport should never see a retransmit")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-rt.Timeouts():
		t.Fatal("reliable transport should never produce a timeout event")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTransportCancelStopsSchedule verifies that an explicit Cancel (as the
// upward Channel would issue) stops further attempts and suppresses the
// terminal timeout.
func TestTransportCancelStopsSchedule(t *testing.T) {
	inner := newRecordingTransport(false)
	rt := New(inner, WithConfig(fastConfig()))
	defer rt.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)
	require.NoError(t, rt.Send(context.Background(), &net.UDPAddr{}, req))

	<-inner.sends
	rt.Cancel(req.TransactionID)

	select {
	case <-rt.Timeouts():
		t.Fatal("cancelled transaction should not time out")
	case <-time.After(300 * time.Millisecond):
	}
}
