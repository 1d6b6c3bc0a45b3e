// Package binding implements the reference RFC 5389 BINDING method
// handler (§4.7): every request is answered with the source peer address
// reflected back in an XOR-MAPPED-ADDRESS attribute. It is the canonical
// test subject for the rest of the stack.
package binding

import (
	"context"
	"fmt"
	"net"

	"github.com/localrivet/gostun/stun"
)

// Handler implements stunserver.HandleMessage for RFC 5389 BINDING.
// HandleCast does nothing: a BINDING indication routed to it is accepted
// and dropped.
type Handler struct{}

// New returns a Handler. There is no configuration: BINDING's reply is
// fully determined by the request's source peer.
func New() *Handler { return &Handler{} }

func (h *Handler) HandleRequest(ctx context.Context, peer net.Addr, request *stun.Message) (*stun.Message, error) {
	ip, port, err := splitHostPort(peer)
	if err != nil {
		return nil, err
	}
	return stun.NewSuccessResponse(request, stun.XORMappedAddressAttr{IP: ip, Port: port}), nil
}

func (h *Handler) HandleCast(ctx context.Context, peer net.Addr, indication *stun.Message) {}

func splitHostPort(addr net.Addr) (net.IP, int, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP, a.Port, nil
	case *net.TCPAddr:
		return a.IP, a.Port, nil
	default:
		return nil, 0, fmt.Errorf("binding: unsupported peer address type %T", addr)
	}
}
