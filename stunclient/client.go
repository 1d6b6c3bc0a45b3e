// Package stunclient provides a thin, cloneable facade over
// channel.Channel, grounded on the teacher's Client struct holding a
// single *Connection that every clone shares.
package stunclient

import (
	"context"
	"net"

	"github.com/localrivet/gostun/channel"
	"github.com/localrivet/gostun/stun"
)

// Client is a convenience wrapper around a shared channel.Channel (§4.6).
// Cloning a Client never copies transaction state: every clone shares the
// same underlying Channel and therefore the same transaction table.
type Client struct {
	ch *channel.Channel
}

// New wraps ch. Multiple Clients may be built over the same Channel.
func New(ch *channel.Channel) *Client {
	return &Client{ch: ch}
}

// Call sends request to peer and blocks for the matching response.
func (c *Client) Call(ctx context.Context, peer net.Addr, request *stun.Message) (*stun.Message, error) {
	return c.ch.Call(ctx, peer, request)
}

// Cast sends indication to peer and returns once the transport accepts it.
func (c *Client) Cast(ctx context.Context, peer net.Addr, indication *stun.Message) error {
	return c.ch.Cast(ctx, peer, indication)
}

// Clone returns a new Client sharing this one's Channel.
func (c *Client) Clone() *Client {
	return &Client{ch: c.ch}
}

// Close releases the underlying Channel. Since clones share one Channel,
// closing any clone closes it for all of them.
func (c *Client) Close() error {
	return c.ch.Close()
}
