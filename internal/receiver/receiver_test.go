package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/filexfer/core/internal/clock"
	"github.com/filexfer/core/internal/observability"
	"github.com/filexfer/core/internal/protocol"
	"github.com/filexfer/core/internal/registry"
	"github.com/filexfer/core/internal/sink"
	"github.com/filexfer/core/internal/substrate"
	"github.com/filexfer/core/internal/worker"
)

var (
	sharedMetrics     *observability.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = observability.NewMetrics() })
	return sharedMetrics
}

func testLogger() *observability.Logger {
	return observability.NewLogger("receiver-test", "0.0.0", nil)
}

// fakeStream is an in-memory substrate.Stream backed by channels.
type fakeStream struct {
	toPeer    chan []byte
	fromPeer  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStreamPair() (*fakeStream, *fakeStream) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &fakeStream{toPeer: ab, fromPeer: ba, closed: make(chan struct{})}
	b := &fakeStream{toPeer: ba, fromPeer: ab, closed: make(chan struct{})}
	return a, b
}

func (s *fakeStream) SendMessage(ctx context.Context, payload []byte) error {
	select {
	case s.toPeer <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return context.Canceled
	}
}

func (s *fakeStream) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.fromPeer:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, context.Canceled
	}
}

func (s *fakeStream) PeerFingerprint() string { return "fake-peer" }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

var _ substrate.Stream = (*fakeStream)(nil)

// fakeListener hands out one pre-wired stream then blocks until ctx is done.
type fakeListener struct {
	once   sync.Once
	stream substrate.Stream
}

func (l *fakeListener) Accept(ctx context.Context) (substrate.Stream, error) {
	var s substrate.Stream
	l.once.Do(func() { s = l.stream })
	if s != nil {
		return s, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (l *fakeListener) Addr() string { return "fake:0" }
func (l *fakeListener) Close() error { return nil }

var _ substrate.Listener = (*fakeListener)(nil)

type stubSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSink) Store(ctx context.Context, requestedFilename string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, requestedFilename)
	return "/tmp/" + requestedFilename, nil
}

var _ sink.StorageSink = (*stubSink)(nil)

func newEngineUnderTest(t *testing.T) (*Engine, *fakeStream, *fakeListener, *clock.Fake) {
	t.Helper()
	serverSide, clientSide := newFakeStreamPair()
	clk := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(registry.DefaultLimits(), clk, testLogger())
	eng := New(reg, worker.New(), &stubSink{}, clk, testLogger(), testMetrics(), DefaultConfig())
	listener := &fakeListener{stream: serverSide}
	return eng, clientSide, listener, clk
}

func recvOn(t *testing.T, peer *fakeStream) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := peer.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("peer receive failed: %v", err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		t.Fatalf("peer decode failed: %v", err)
	}
	return msg
}

func sendFrom(t *testing.T, peer *fakeStream, m protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("peer encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := peer.SendMessage(ctx, payload); err != nil {
		t.Fatalf("peer send failed: %v", err)
	}
}

func TestServeHappyPath(t *testing.T) {
	eng, peer, listener, _ := newEngineUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Serve(ctx, listener)

	id := protocol.NewTransferID()
	data := []byte("hello from the other side")
	req := &protocol.TransferRequest{
		TransferID: id,
		Filename:   "greeting.txt",
		FileSize:   uint64(len(data)),
		SourceType: "txt",
		ChunkCount: 1,
	}
	sendFrom(t, peer, req)

	accept, ok := recvOn(t, peer).(*protocol.Accept)
	if !ok {
		t.Fatalf("expected Accept")
	}

	chunk := &protocol.FileChunk{TransferID: id, ChunkIndex: 0, Payload: data, IsFinal: true, Checksum: checksumForTest(data)}
	sendFrom(t, peer, chunk)

	ack, ok := recvOn(t, peer).(*protocol.ChunkAck)
	if !ok || ack.Status.Kind != protocol.AckReceived {
		t.Fatalf("expected ChunkAck received, got %+v", ack)
	}

	final, ok := recvOn(t, peer).(*protocol.FinalResponse)
	if !ok {
		t.Fatalf("expected FinalResponse, got something else")
	}
	if !final.Success {
		t.Fatalf("expected success, got failure: %v", final.ErrorMessage)
	}
	_ = accept
}

func TestServeRejectsOversizedFile(t *testing.T) {
	eng, peer, listener, _ := newEngineUnderTest(t)
	eng.cfg.Admission.MaxFileSizeBytes = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Serve(ctx, listener)

	id := protocol.NewTransferID()
	req := &protocol.TransferRequest{TransferID: id, Filename: "big.bin", FileSize: 1000, SourceType: "txt", ChunkCount: 10}
	sendFrom(t, peer, req)

	reject, ok := recvOn(t, peer).(*protocol.Reject)
	if !ok {
		t.Fatalf("expected Reject")
	}
	if reject.ErrorCode == 0 {
		t.Errorf("expected non-zero error code")
	}
}

func TestServeRejectsUnacceptedSourceType(t *testing.T) {
	eng, peer, listener, _ := newEngineUnderTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Serve(ctx, listener)

	id := protocol.NewTransferID()
	req := &protocol.TransferRequest{TransferID: id, Filename: "weird.exe", FileSize: 10, SourceType: "exe", ChunkCount: 1}
	sendFrom(t, peer, req)

	if _, ok := recvOn(t, peer).(*protocol.Reject); !ok {
		t.Fatalf("expected Reject for unaccepted source type")
	}
}

func checksumForTest(payload []byte) []byte {
	h := blake3.New()
	h.Write(payload)
	return h.Sum(nil)
}
