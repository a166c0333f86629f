// Package transport defines the connection abstraction of spec.md §4.6:
// discover/connect/accept plus a byte-oriented PeerConnection. Concrete
// transports (internal/transport/ws) implement it.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Recv once a connection has been closed,
// locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// ErrMessageTooLarge is returned by Send when an outgoing frame exceeds
// transport.max_message_bytes (spec.md §6, invariant I6).
var ErrMessageTooLarge = errors.New("transport: message exceeds max_message_bytes")

// PeerInfo is a discoverable or connected remote endpoint.
type PeerInfo struct {
	Address string
}

// PeerConnection is one framed, bidirectional byte stream to a peer. Each
// Recv returns exactly one message as written by the corresponding Send on
// the other side (framing is length-implicit per spec.md §4.4).
type PeerConnection struct {
	Send  func(ctx context.Context, frame []byte) error
	Recv  func(ctx context.Context) ([]byte, error)
	Close func() error

	// RemoteAddr is the address of the peer as the transport saw it,
	// best-effort (may be empty).
	RemoteAddr string
}

// SyncTransport is the connection-layer contract of spec.md §4.6.
type SyncTransport interface {
	// DiscoverPeers returns a snapshot of reachable peers.
	DiscoverPeers(ctx context.Context) ([]PeerInfo, error)
	// Connect dials peer and returns an established connection.
	Connect(ctx context.Context, peer PeerInfo) (*PeerConnection, error)
	// Accept returns the next inbound connection, blocking until one
	// arrives or ctx is cancelled.
	Accept(ctx context.Context) (*PeerConnection, error)
	// Close stops accepting new connections.
	Close() error
}
