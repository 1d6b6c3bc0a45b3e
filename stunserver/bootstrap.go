// Bootstrap wiring for stunserver: bind a socket, build the matching
// Transport (retransmission-wrapped for UDP only, per §4.2's no-op on a
// reliable transport / P7), build a Channel, and start a Server.
// Grounded on the teacher's cmd/mcp-server / cmd/mcp-client wiring.
package stunserver

import (
	"github.com/localrivet/gostun/channel"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/metrics"
	"github.com/localrivet/gostun/retransmit"
	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/transport"
)

// ListenConfig groups the options bootstrap needs from both the
// retransmission and ambient stacks.
type ListenConfig struct {
	Retransmit retransmit.Config
	Logger     logx.Logger
	Metrics    *metrics.Metrics
	Codec      *stun.Codec
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.Logger == nil {
		c.Logger = logx.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
	if c.Codec == nil {
		c.Codec = &stun.Codec{VerifyFingerprint: true}
	}
	return c
}

// ListenUDP binds addr, wraps the resulting transport with retransmission
// (the only transport kind retransmit.Transport ever does real work for),
// builds a Channel, and starts a Server dispatching to handler.
func ListenUDP(addr string, handler HandleMessage, cfg ListenConfig, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()

	udp, err := transport.ListenUDP("udp", addr,
		transport.WithLogger(cfg.Logger),
		transport.WithCodec(cfg.Codec),
	)
	if err != nil {
		return nil, err
	}

	rt := retransmit.New(udp,
		retransmit.WithConfig(cfg.Retransmit),
		retransmit.WithLogger(cfg.Logger),
		retransmit.WithMetrics(cfg.Metrics),
	)

	ch := channel.New(rt, channel.WithLogger(cfg.Logger), channel.WithMetrics(cfg.Metrics))
	return New(ch, handler, append([]Option{WithLogger(cfg.Logger), WithMetrics(cfg.Metrics)}, opts...)...), nil
}

// ListenTCP binds addr and accepts connections, building one Channel (and
// Server) per accepted connection since STUN-over-TCP is connection-
// oriented (§4.3) and retransmission never applies to a reliable
// transport (P7).
func ListenTCP(addr string, handler HandleMessage, cfg ListenConfig, opts ...Option) (*TCPServer, error) {
	cfg = cfg.withDefaults()

	ln, err := newTCPListener(addr)
	if err != nil {
		return nil, err
	}

	ts := &TCPServer{
		ln:      ln,
		handler: handler,
		cfg:     cfg,
		opts:    opts,
		done:    make(chan struct{}),
	}
	ts.wg.Add(1)
	go ts.acceptLoop()
	return ts, nil
}
