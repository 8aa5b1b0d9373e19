// Package substrate defines the transport contract the Sender and Receiver
// Engines are built against (spec §6: "External Interfaces"). A concrete
// Substrate owns peer addressing, connection establishment, and per-session
// confidentiality/authentication; the engines only see an encrypted,
// message-framed Stream.
package substrate

import (
	"context"
	"io"
)

// Stream is one authenticated, encrypted, message-framed duplex channel
// carrying protocol messages for a single session. SendMessage/ReceiveMessage
// operate on already-encoded protocol.Message payloads so the engines never
// touch the wire format directly.
type Stream interface {
	io.Closer
	// SendMessage encrypts and writes one framed message.
	SendMessage(ctx context.Context, payload []byte) error
	// ReceiveMessage blocks until a framed message arrives, ctx is done, or
	// the stream closes.
	ReceiveMessage(ctx context.Context) ([]byte, error)
	// PeerFingerprint returns a string identifying the remote peer.
	PeerFingerprint() string
}

// Listener accepts inbound Streams from peers dialing this node.
type Listener interface {
	io.Closer
	Accept(ctx context.Context) (Stream, error)
	Addr() string
}

// Substrate establishes authenticated, encrypted Streams to and from peers.
// Peer is an address string in whatever form the concrete Substrate uses
// (host:port for the QUIC implementation).
type Substrate interface {
	Dial(ctx context.Context, peer string) (Stream, error)
	Listen(ctx context.Context, addr string) (Listener, error)
}
