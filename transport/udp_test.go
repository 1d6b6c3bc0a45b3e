package transport

import (
	"context"
	"testing"
	"time"

	"github.com/localrivet/gostun/stun"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportSendRecvRoundTrip(t *testing.T) {
	server, err := ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, server.LocalAddr(), req))

	peer, msg, err := server.RecvFrom(ctx)
	require.NoError(t, err)
	require.Equal(t, client.LocalAddr().String(), peer.String())
	require.Equal(t, req.TransactionID, msg.TransactionID)
}

func TestUDPTransportIsUnreliable(t *testing.T) {
	tr, err := ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()
	require.False(t, tr.IsReliable())
}

func TestUDPTransportOversizedDatagramYieldsDecodeErrorNotCrash(t *testing.T) {
	server, err := ListenUDP("udp", "127.0.0.1:0", WithMaxPacketSize(64))
	require.NoError(t, err)
	defer server.Close()

	client, err := ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	req, err := stun.NewRequest(stun.MethodBinding)
	require.NoError(t, err)
	// Pad well past the server's 64-byte read buffer so the datagram is
	// truncated on receipt rather than decoding cleanly.
	req.Attributes = append(req.Attributes, stun.RawAttr{AttrT: 0x8010, Value: make([]byte, 200)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Send(ctx, server.LocalAddr(), req))

	_, _, err = server.RecvFrom(ctx)
	require.Error(t, err)
}

func TestUDPTransportCloseUnblocksRecvFrom(t *testing.T) {
	tr, err := ListenUDP("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := tr.RecvFrom(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFrom did not unblock after Close")
	}
}
