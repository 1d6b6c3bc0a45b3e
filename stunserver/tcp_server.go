package stunserver

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/localrivet/gostun/channel"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/transport"
)

// shutdownDrainDeadline bounds how long Close waits for each connection's
// in-flight handlers before dropping its Channel anyway.
const shutdownDrainDeadline = 5 * time.Second

// TCPServer accepts STUN-over-TCP connections and runs one Channel/Server
// pair per accepted connection, since STUN-over-TCP is connection-
// oriented (§4.3) and retransmission never wraps a reliable transport
// (P7, so ListenTCP never constructs a retransmit.Transport).
type TCPServer struct {
	ln      net.Listener
	handler HandleMessage
	cfg     ListenConfig
	opts    []Option

	mu       sync.Mutex
	servers  []*Server
	done     chan struct{}
	closeErr error
	wg       sync.WaitGroup
}

func newTCPListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Addr returns the listener's bound address.
func (s *TCPServer) Addr() net.Addr { return s.ln.Addr() }

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.cfg.Logger.Warn("stunserver: accept error: %v", err)
			return
		}
		s.handleConn(conn)
	}
}

// handleConn tags the connection with an xid.ID so every log line the
// resulting Channel/Server pair emits can be correlated back to one TCP
// session, since a busy listener accepts many concurrently.
func (s *TCPServer) handleConn(conn net.Conn) {
	connID := xid.New()
	logger := &connLogger{id: connID, base: s.cfg.Logger}
	logger.Info("stunserver: accepted connection from %s", conn.RemoteAddr())

	tcp := transport.NewTCPTransport(conn,
		transport.WithTCPLogger(logger),
		transport.WithTCPCodec(s.cfg.Codec),
	)
	ch := channel.New(tcp, channel.WithLogger(logger), channel.WithMetrics(s.cfg.Metrics))
	srv := New(ch, s.handler, append([]Option{WithLogger(logger), WithMetrics(s.cfg.Metrics)}, s.opts...)...)

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

// connLogger prefixes every line with the owning connection's xid.ID so
// concurrent TCP sessions can be told apart in the server's log output.
type connLogger struct {
	id   xid.ID
	base logx.Logger
}

func (l *connLogger) Debug(msg string, args ...interface{}) {
	l.base.Debug("conn="+l.id.String()+" "+msg, args...)
}

func (l *connLogger) Info(msg string, args ...interface{}) {
	l.base.Info("conn="+l.id.String()+" "+msg, args...)
}

func (l *connLogger) Warn(msg string, args ...interface{}) {
	l.base.Warn("conn="+l.id.String()+" "+msg, args...)
}

func (l *connLogger) Error(msg string, args ...interface{}) {
	l.base.Error("conn="+l.id.String()+" "+msg, args...)
}

var _ logx.Logger = (*connLogger)(nil)

// Close stops accepting new connections and closes every live per-
// connection Server (and its Channel).
func (s *TCPServer) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	err := s.ln.Close()
	s.wg.Wait()

	s.mu.Lock()
	servers := s.servers
	s.mu.Unlock()
	for _, srv := range servers {
		_ = srv.Finish(shutdownDrainDeadline)
	}
	return err
}
