// Package quicsubstrate implements internal/substrate.Substrate over QUIC
// (one bidirectional stream per session), adapted from the teacher's
// QUICConnection/QUICListener wrapper, with the priority scheduler dropped
// (spec has no multi-class transmission priority concept) and a per-session
// Ed25519/X25519 handshake plus AES-256-GCM framing layered on top so every
// Stream handed to the Sender/Receiver Engines is already authenticated and
// confidential.
package quicsubstrate

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/filexfer/core/internal/crypto"
	"github.com/filexfer/core/internal/crypto/handshake"
	"github.com/filexfer/core/internal/protocol"
	"github.com/filexfer/core/internal/quicutil"
	"github.com/filexfer/core/internal/substrate"
)

var quicConfig = &quic.Config{
	KeepAlivePeriod:                10 * 1e9,
	MaxIdleTimeout:                 60 * 1e9,
	InitialStreamReceiveWindow:     8 << 20,
	InitialConnectionReceiveWindow: 128 << 20,
}

// protocolID is the ALPN identifier negotiated on every connection.
const protocolID = "/convert/1.0.0"

// Identity is the local node's signing keypair, used to authenticate the
// per-session handshake.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Substrate is the QUIC-backed implementation of substrate.Substrate.
type Substrate struct {
	identity    Identity
	tokenSecret []byte
}

// New constructs a QUIC Substrate authenticating sessions with id. tokenSecret
// is optional out-of-band shared-secret binding (empty disables it).
func New(id Identity, tokenSecret []byte) *Substrate {
	return &Substrate{identity: id, tokenSecret: tokenSecret}
}

// Dial opens a QUIC connection to peer, opens its single session stream, and
// performs the client side of the handshake.
func (s *Substrate) Dial(ctx context.Context, peer string) (substrate.Stream, error) {
	tlsConfig := quicutil.MakeClientTLSConfig()
	tlsConfig.NextProtos = []string{protocolID}
	conn, err := quic.DialAddr(ctx, peer, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: dial %s: %w", peer, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quicsubstrate: open stream: %w", err)
	}

	sessionID := peer
	keys, err := handshake.ClientHandshake(&streamReadWriter{stream}, sessionID, s.identity.PrivateKey, s.identity.PublicKey, s.tokenSecret)
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "handshake failed")
		return nil, fmt.Errorf("quicsubstrate: client handshake: %w", err)
	}

	return newQUICStream(conn, stream, keys, peer), nil
}

// Listener accepts inbound QUIC connections and performs the server side of
// the handshake on each one's session stream.
type Listener struct {
	listener *quic.Listener
	identity Identity
	secret   []byte
}

// Listen binds addr and returns a Listener, serving a fresh self-signed
// certificate that Listen itself generates via
// quicutil.GenerateSelfSignedCert.
func (s *Substrate) Listen(ctx context.Context, addr string) (substrate.Listener, error) {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: generate cert: %w", err)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: tls config: %w", err)
	}
	tlsConfig.NextProtos = []string{protocolID}
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: listen %s: %w", addr, err)
	}
	return &Listener{listener: ln, identity: s.identity, secret: s.tokenSecret}, nil
}

// Accept waits for the next inbound connection, then its session stream and
// handshake.
func (l *Listener) Accept(ctx context.Context) (substrate.Stream, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: accept connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, fmt.Errorf("quicsubstrate: accept stream: %w", err)
	}

	peer := conn.RemoteAddr().String()
	keys, err := handshake.ServerHandshake(&streamReadWriter{stream}, peer, l.identity.PrivateKey, l.identity.PublicKey, l.secret)
	if err != nil {
		stream.Close()
		conn.CloseWithError(0, "handshake failed")
		return nil, fmt.Errorf("quicsubstrate: server handshake: %w", err)
	}

	return newQUICStream(conn, stream, keys, peer), nil
}

func (l *Listener) Close() error { return l.listener.Close() }
func (l *Listener) Addr() string { return l.listener.Addr().String() }

// streamReadWriter adapts *quic.Stream to io.ReadWriter for the handshake's
// JSON exchange (the handshake runs once, before the binary frame codec
// takes over the stream).
type streamReadWriter struct {
	stream *quic.Stream
}

func (s *streamReadWriter) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *streamReadWriter) Write(p []byte) (int, error) { return s.stream.Write(p) }

// quicStream implements substrate.Stream: seals each message with
// AES-256-GCM under a nonce derived from a monotonic per-direction counter,
// then frames the ciphertext with a big-endian length prefix
// (protocol.WriteFrame/ReadFrame).
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
	keys   handshake.SessionKeys
	peer   string

	sendCounter uint64
	recvCounter uint64
}

func newQUICStream(conn *quic.Conn, stream *quic.Stream, keys handshake.SessionKeys, peer string) *quicStream {
	return &quicStream{conn: conn, stream: stream, keys: keys, peer: peer}
}

func (qs *quicStream) SendMessage(ctx context.Context, payload []byte) error {
	counter := atomic.AddUint64(&qs.sendCounter, 1) - 1
	nonce := crypto.DeriveNonce(qs.keys.IVBase, counter)
	aad := aadFor(counter)
	ciphertext, err := crypto.Seal(qs.keys.PayloadKey[:], nonce[:], aad, payload)
	if err != nil {
		return fmt.Errorf("quicsubstrate: seal message: %w", err)
	}
	return protocol.WriteFrame(&deadlineWriter{qs.stream, ctx}, ciphertext)
}

func (qs *quicStream) ReceiveMessage(ctx context.Context) ([]byte, error) {
	ciphertext, err := protocol.ReadFrame(&deadlineReader{qs.stream, ctx})
	if err != nil {
		return nil, err
	}
	counter := atomic.AddUint64(&qs.recvCounter, 1) - 1
	nonce := crypto.DeriveNonce(qs.keys.IVBase, counter)
	aad := aadFor(counter)
	plaintext, err := crypto.Open(qs.keys.PayloadKey[:], nonce[:], aad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("quicsubstrate: open message: %w", err)
	}
	return plaintext, nil
}

// PeerFingerprint returns the peer's network address (the dialed address on
// the client side, the connection's remote address on the server side); it
// is not derived from the peer's handshake key.
func (qs *quicStream) PeerFingerprint() string { return qs.peer }

func (qs *quicStream) Close() error {
	qs.stream.Close()
	return qs.conn.CloseWithError(0, "session complete")
}

func aadFor(counter uint64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, counter)
	return aad
}

// deadlineReader/deadlineWriter adapt ctx cancellation onto quic.Stream's
// SetReadDeadline/SetWriteDeadline, since protocol.ReadFrame/WriteFrame take
// plain io.Reader/io.Writer.
type deadlineReader struct {
	stream *quic.Stream
	ctx    context.Context
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if deadline, ok := d.ctx.Deadline(); ok {
		d.stream.SetReadDeadline(deadline)
	}
	return d.stream.Read(p)
}

type deadlineWriter struct {
	stream *quic.Stream
	ctx    context.Context
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if deadline, ok := d.ctx.Deadline(); ok {
		d.stream.SetWriteDeadline(deadline)
	}
	return d.stream.Write(p)
}
