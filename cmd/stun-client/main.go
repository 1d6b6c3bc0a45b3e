// Command stun-client sends a single BINDING request to a server and
// prints the reflexive address it reports.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/localrivet/gostun/channel"
	"github.com/localrivet/gostun/logx"
	"github.com/localrivet/gostun/retransmit"
	"github.com/localrivet/gostun/stun"
	"github.com/localrivet/gostun/stunclient"
	"github.com/localrivet/gostun/transport"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:3478", "STUN server address")
	useTCP := flag.Bool("tcp", false, "use TCP instead of UDP")
	timeout := flag.Duration("timeout", 5*time.Second, "overall request timeout")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lshortfile)

	logger := logx.NewLogger(logx.LevelInfo)

	var ch *channel.Channel
	var peer net.Addr

	if *useTCP {
		resolved, err := net.ResolveTCPAddr("tcp", *serverAddr)
		if err != nil {
			log.Fatalf("stun-client: resolve %s: %v", *serverAddr, err)
		}
		tcp, err := transport.DialTCP(context.Background(), *serverAddr, transport.WithTCPLogger(logger))
		if err != nil {
			log.Fatalf("stun-client: dial tcp: %v", err)
		}
		ch = channel.New(tcp, channel.WithLogger(logger))
		// TCPTransport.RecvFrom always reports conn.RemoteAddr(); use the
		// same resolved address here so Channel's peer-match correlation
		// check (§4.4) succeeds on the response.
		peer = resolved
	} else {
		udp, err := transport.ListenUDP("udp", "0.0.0.0:0", transport.WithLogger(logger))
		if err != nil {
			log.Fatalf("stun-client: listen udp: %v", err)
		}
		resolved, err := net.ResolveUDPAddr("udp", *serverAddr)
		if err != nil {
			log.Fatalf("stun-client: resolve %s: %v", *serverAddr, err)
		}
		peer = resolved
		rt := retransmit.New(udp, retransmit.WithConfig(retransmit.DefaultConfig()), retransmit.WithLogger(logger))
		ch = channel.New(rt, channel.WithLogger(logger))
	}
	defer ch.Close()

	client := stunclient.New(ch)
	req, err := stun.NewRequest(stun.MethodBinding)
	if err != nil {
		log.Fatalf("stun-client: build request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := client.Call(ctx, peer, req)
	if err != nil {
		log.Fatalf("stun-client: call failed: %v", err)
	}

	if attr, ok := resp.Attr(stun.AttrXORMappedAddress); ok {
		xma := attr.(stun.XORMappedAddressAttr)
		log.Printf("stun-client: reflexive address %s:%d", xma.IP, xma.Port)
		return
	}
	log.Printf("stun-client: response carried no XOR-MAPPED-ADDRESS (class=%s)", resp.Class)
}
