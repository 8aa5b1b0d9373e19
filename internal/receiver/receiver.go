// Package receiver implements the Receiver Engine (spec §4.4): admits
// inbound transfers, reassembles chunks out of order within a bounded
// lookahead, finalizes via conversion and storage, and replies with a
// FinalResponse.
package receiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/filexfer/core/internal/clock"
	"github.com/filexfer/core/internal/flowcontrol"
	"github.com/filexfer/core/internal/observability"
	"github.com/filexfer/core/internal/protocol"
	"github.com/filexfer/core/internal/registry"
	"github.com/filexfer/core/internal/session"
	"github.com/filexfer/core/internal/sink"
	"github.com/filexfer/core/internal/sourcetype"
	"github.com/filexfer/core/internal/substrate"
	"github.com/filexfer/core/internal/worker"
	"github.com/filexfer/core/internal/xferr"
)

// ProgressFeed mirrors the sender's bounded, non-blocking progress
// subscription for receive-side progress.
type ProgressFeed struct {
	ch chan session.Snapshot
}

func newProgressFeed(buffer int) *ProgressFeed {
	if buffer <= 0 {
		buffer = 16
	}
	return &ProgressFeed{ch: make(chan session.Snapshot, buffer)}
}

// C returns the read side of the feed.
func (f *ProgressFeed) C() <-chan session.Snapshot { return f.ch }

func (f *ProgressFeed) publish(s session.Snapshot) {
	select {
	case f.ch <- s:
	default:
	}
}

func (f *ProgressFeed) close() { close(f.ch) }

// Admission bounds what the Receiver Engine accepts (spec §4.4).
type Admission struct {
	MaxFileSizeBytes    uint64
	AcceptedSourceTypes []string
	LookaheadChunks     int // additional chunks beyond the window tolerated out of order

	// PerPeerRatePerSecond and PerPeerBurst bound how often a single peer
	// fingerprint may open new transfer requests.
	PerPeerRatePerSecond float64
	PerPeerBurst         int
}

// DefaultAdmission matches the spec's stated defaults.
func DefaultAdmission() Admission {
	return Admission{
		MaxFileSizeBytes:     100 << 20,
		AcceptedSourceTypes:  []string{"txt", "pdf", "unknown"},
		LookaheadChunks:      2,
		PerPeerRatePerSecond: 5,
		PerPeerBurst:         10,
	}
}

// Storage controls how inbound bytes are reassembled before finalization.
type Storage struct {
	ReassemblyMemoryCapBytes uint64
	SpillDirectory           string
}

// DefaultStorage matches the spec's stated defaults.
func DefaultStorage() Storage {
	return Storage{ReassemblyMemoryCapBytes: 16 << 20, SpillDirectory: os.TempDir()}
}

// Config tunes the Receiver Engine.
type Config struct {
	Admission  Admission
	Storage    Storage
	WindowSize int
	Quality    flowcontrol.NetworkQuality
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Admission:  DefaultAdmission(),
		Storage:    DefaultStorage(),
		WindowSize: flowcontrol.DefaultWindowSize,
		Quality:    flowcontrol.Good,
	}
}

// Engine drives inbound transfers accepted by a substrate.Listener.
type Engine struct {
	reg    *registry.Registry
	worker worker.ConversionWorker
	sink   sink.StorageSink
	clk    clock.Clock
	log    *observability.Logger
	met    *observability.Metrics
	cfg    Config

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Receiver Engine.
func New(reg *registry.Registry, w worker.ConversionWorker, sk sink.StorageSink, clk clock.Clock, log *observability.Logger, met *observability.Metrics, cfg Config) *Engine {
	return &Engine{reg: reg, worker: w, sink: sk, clk: clk, log: log, met: met, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// allowPeer enforces the per-peer admission rate (spec §4.6 admission
// control), lazily creating one token bucket per peer fingerprint.
func (e *Engine) allowPeer(peer string) bool {
	rps := e.cfg.Admission.PerPeerRatePerSecond
	if rps <= 0 {
		return true
	}
	burst := e.cfg.Admission.PerPeerBurst
	if burst <= 0 {
		burst = 1
	}

	e.limitersMu.Lock()
	lim, ok := e.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		e.limiters[peer] = lim
	}
	e.limitersMu.Unlock()

	return lim.Allow()
}

// Serve accepts inbound streams from l until ctx is cancelled, handling each
// in its own goroutine. It returns only on a fatal Accept error or ctx
// cancellation.
func (e *Engine) Serve(ctx context.Context, l substrate.Listener) error {
	for {
		stream, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xferr.New("receiver.Serve", xferr.TransportFailure, err)
		}
		go e.handleSession(ctx, stream)
	}
}

func (e *Engine) handleSession(ctx context.Context, stream substrate.Stream) {
	ctx, span := otel.Tracer("filexfer-receiver").Start(ctx, "receiver.handleSession")
	defer span.End()
	defer stream.Close()

	msg, err := receiveMessage(ctx, stream)
	if err != nil {
		e.log.Error(err, "failed to read initial transfer request")
		return
	}
	req, ok := msg.(*protocol.TransferRequest)
	if !ok {
		e.log.Warn(fmt.Sprintf("expected TransferRequest, got tag %d", msg.Tag()))
		return
	}

	sess := session.New(req.TransferID, session.Responder, req.Filename, req.FileSize, req.ChunkCount, flowcontrol.DefaultOverallDeadline, e.clk.Now())
	startedAt := e.clk.Now()

	if !e.allowPeer(stream.PeerFingerprint()) {
		err := xferr.New("receiver.handleSession", xferr.ResourceExhaustion, fmt.Errorf("peer %s exceeded admission rate", stream.PeerFingerprint()))
		reject := &protocol.Reject{TransferID: req.TransferID, Reason: err.Error(), ErrorCode: uint32(xferr.Code(err))}
		e.met.RecordRejection(int(reject.ErrorCode))
		_ = sendMessage(ctx, stream, reject)
		return
	}

	if rejectErr := e.admit(req); rejectErr != nil {
		reject := &protocol.Reject{TransferID: req.TransferID, Reason: rejectErr.Error(), ErrorCode: uint32(xferr.Code(rejectErr))}
		e.log.TransferRejected(req.TransferID.String(), int(reject.ErrorCode), reject.Reason)
		e.met.RecordRejection(int(reject.ErrorCode))
		_ = sendMessage(ctx, stream, reject)
		return
	}

	if err := e.reg.Insert(sess, stream.PeerFingerprint(), session.Responder); err != nil {
		reject := &protocol.Reject{TransferID: req.TransferID, Reason: err.Error(), ErrorCode: uint32(xferr.Code(err))}
		_ = sendMessage(ctx, stream, reject)
		return
	}
	defer e.reg.MarkTerminated(sess.ID)

	chunkSize := flowcontrol.ScaledChunkSize(req.FileSize, e.cfg.Quality)
	accept := &protocol.Accept{
		TransferID:       req.TransferID,
		MaxChunkSize:     uint32(chunkSize),
		SupportedFormats: e.cfg.Admission.AcceptedSourceTypes,
	}
	if err := sendMessage(ctx, stream, accept); err != nil {
		_ = sess.TransitionTo(session.Failed, err.Error())
		return
	}
	if err := sess.TransitionTo(session.Negotiating, ""); err != nil {
		return
	}
	if err := sess.TransitionTo(session.Transferring, ""); err != nil {
		return
	}
	e.log.TransferAccepted(req.TransferID.String(), req.Filename, req.FileSize, req.ChunkCount)
	e.met.RecordTransferStart()

	feed := newProgressFeed(16)
	defer feed.close()

	store, err := newReassembly(req.FileSize, chunkSize, e.cfg.Storage)
	if err != nil {
		e.finishFailed(ctx, stream, sess, startedAt, xferr.New("receiver.handleSession", xferr.StorageFailure, err))
		return
	}
	defer store.cleanup()

	if err := e.receiveChunks(ctx, sess, stream, store, chunkSize, feed); err != nil {
		e.finishFailed(ctx, stream, sess, startedAt, err)
		return
	}

	if err := sess.TransitionTo(session.Finalizing, ""); err != nil {
		return
	}

	data, err := store.readAll()
	if err != nil {
		e.finishFailed(ctx, stream, sess, startedAt, xferr.New("receiver.handleSession", xferr.StorageFailure, err))
		return
	}

	final := e.finalize(ctx, req, data)
	_ = sendMessage(ctx, stream, final)

	if final.Success {
		_ = sess.TransitionTo(session.Completed, "")
		e.log.SessionCompleted(req.TransferID.String(), e.clk.Now().Sub(startedAt), sess.BytesReceived())
		e.met.RecordTransferComplete(true, e.clk.Now().Sub(startedAt).Seconds())
	} else {
		msg := ""
		if final.ErrorMessage != nil {
			msg = *final.ErrorMessage
		}
		_ = sess.TransitionTo(session.Failed, msg)
		e.log.SessionFailed(req.TransferID.String(), 500, msg)
		e.met.RecordTransferComplete(false, e.clk.Now().Sub(startedAt).Seconds())
	}
}

func (e *Engine) finishFailed(ctx context.Context, stream substrate.Stream, sess *session.Session, startedAt time.Time, err error) {
	_ = sess.TransitionTo(session.Failed, err.Error())
	e.log.SessionFailed(sess.ID.String(), xferr.Code(err), err.Error())
	e.met.RecordTransferComplete(false, e.clk.Now().Sub(startedAt).Seconds())
	msg := err.Error()
	_ = sendMessage(ctx, stream, &protocol.FinalResponse{TransferID: sess.ID, Success: false, ErrorMessage: &msg})
}

// admit applies the spec's admission checks (spec §4.4) before any session
// resource is reserved.
func (e *Engine) admit(req *protocol.TransferRequest) error {
	if req.FileSize > e.cfg.Admission.MaxFileSizeBytes {
		return xferr.New("receiver.admit", xferr.ValidationFailure, fmt.Errorf("file size %d exceeds cap %d", req.FileSize, e.cfg.Admission.MaxFileSizeBytes))
	}
	if !containsString(e.cfg.Admission.AcceptedSourceTypes, req.SourceType) {
		return xferr.New("receiver.admit", xferr.ValidationFailure, fmt.Errorf("source type %q not accepted", req.SourceType))
	}
	if req.TargetFormat != nil && !containsString(e.cfg.Admission.AcceptedSourceTypes, *req.TargetFormat) {
		return xferr.New("receiver.admit", xferr.ValidationFailure, fmt.Errorf("target format %q not accepted", *req.TargetFormat))
	}
	if _, err := sink.SanitizeFilename(req.Filename); err != nil {
		return xferr.New("receiver.admit", xferr.ValidationFailure, err)
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// receiveChunks drives the receive loop: accept chunks within the bounded
// lookahead window, verify per-chunk integrity, ack, and escalate repeated
// invalid offenses to a failed transfer (spec §4.2).
func (e *Engine) receiveChunks(ctx context.Context, sess *session.Session, stream substrate.Stream, store *reassembly, chunkSize int, feed *ProgressFeed) error {
	lookahead := uint32(e.cfg.WindowSize + e.cfg.Admission.LookaheadChunks)
	if lookahead == 0 {
		lookahead = uint32(flowcontrol.DefaultWindowSize + 2)
	}

	for !sess.AllChunksReceived() {
		msg, err := receiveMessage(ctx, stream)
		if err != nil {
			return xferr.New("receiver.receiveChunks", xferr.TransportFailure, err)
		}
		chunk, ok := msg.(*protocol.FileChunk)
		if !ok {
			return xferr.New("receiver.receiveChunks", xferr.ProtocolViolation, fmt.Errorf("unexpected message tag %d while transferring", msg.Tag()))
		}

		expected := sess.NextExpectedReceived()
		if chunk.ChunkIndex > expected+lookahead {
			ack := &protocol.ChunkAck{TransferID: sess.ID, ChunkIndex: chunk.ChunkIndex, Status: protocol.AckStatus{Kind: protocol.AckOutOfOrder, ExpectedIndex: expected}}
			if err := sendMessage(ctx, stream, ack); err != nil {
				return xferr.New("receiver.receiveChunks", xferr.TransportFailure, err)
			}
			continue
		}

		if chunk.Checksum != nil && !checksumMatches(chunk.Checksum, chunk.Payload) {
			ack := &protocol.ChunkAck{TransferID: sess.ID, ChunkIndex: chunk.ChunkIndex, Status: protocol.AckStatus{Kind: protocol.AckInvalid, Reason: "checksum mismatch"}}
			if err := sendMessage(ctx, stream, ack); err != nil {
				return xferr.New("receiver.receiveChunks", xferr.TransportFailure, err)
			}
			if sess.RecordInvalidChunkOffense() {
				return xferr.New("receiver.receiveChunks", xferr.ProtocolViolation, fmt.Errorf("too many invalid chunks"))
			}
			continue
		}

		if err := store.writeAt(chunk.ChunkIndex, chunk.Payload); err != nil {
			return xferr.New("receiver.receiveChunks", xferr.StorageFailure, err)
		}
		first, err := sess.RecordChunkReceived(chunk.ChunkIndex, len(chunk.Payload))
		if err != nil {
			return xferr.New("receiver.receiveChunks", xferr.ProtocolViolation, err)
		}
		if first {
			e.met.RecordChunkReceived(len(chunk.Payload))
		}
		e.log.Debug(fmt.Sprintf("chunk %d received (%d bytes)", chunk.ChunkIndex, len(chunk.Payload)))

		ack := &protocol.ChunkAck{TransferID: sess.ID, ChunkIndex: chunk.ChunkIndex, Status: protocol.AckStatus{Kind: protocol.AckReceived}}
		if err := sendMessage(ctx, stream, ack); err != nil {
			return xferr.New("receiver.receiveChunks", xferr.TransportFailure, err)
		}
		feed.publish(sess.Progress(e.clk.Now()))
	}
	return nil
}

// finalize runs the Finalizing pipeline (spec §4.4 steps 1-5): integrity is
// already enforced per-chunk, so this stage validates overall size,
// converts if requested, and stores the result.
func (e *Engine) finalize(ctx context.Context, req *protocol.TransferRequest, data []byte) *protocol.FinalResponse {
	ctx, span := otel.Tracer("filexfer-receiver").Start(ctx, "receiver.finalize")
	defer span.End()

	start := e.clk.Now()
	redetected := sourcetype.Detect(data)
	validation := protocol.ValidationRecord{
		IntegrityOK: true,
		SizeOK:      uint64(len(data)) == req.FileSize,
		TypeOK:      redetected == req.SourceType,
	}
	if !validation.TypeOK {
		validation.Warnings = append(validation.Warnings, fmt.Sprintf("declared source type %q disagrees with re-detected type %q", req.SourceType, redetected))
	}
	if !validation.SizeOK {
		msg := fmt.Sprintf("reassembled size %d does not match declared size %d", len(data), req.FileSize)
		return &protocol.FinalResponse{TransferID: req.TransferID, Success: false, ErrorMessage: &msg, Validation: validation}
	}

	targetFormat := req.SourceType
	if req.TargetFormat != nil {
		targetFormat = *req.TargetFormat
	}

	converted, convertedFilename, err := e.worker.Convert(ctx, data, req.SourceType, targetFormat)
	if err != nil {
		e.met.RecordConversion(false, e.clk.Now().Sub(start).Seconds())
		validation.TypeOK = false
		msg := err.Error()
		return &protocol.FinalResponse{TransferID: req.TransferID, Success: false, ErrorMessage: &msg, Validation: validation}
	}
	e.met.RecordConversion(true, e.clk.Now().Sub(start).Seconds())
	if req.TargetFormat != nil {
		e.log.ConversionInvoked(req.TransferID.String(), req.SourceType, targetFormat)
	}

	storedName := req.Filename
	if convertedFilename != "" {
		storedName = convertedFilename
	}
	path, err := e.sink.Store(ctx, storedName, converted)
	if err != nil {
		msg := err.Error()
		return &protocol.FinalResponse{TransferID: req.TransferID, Success: false, ErrorMessage: &msg, Validation: validation}
	}
	e.log.Debug(fmt.Sprintf("stored %s", path))

	resp := &protocol.FinalResponse{
		TransferID:       req.TransferID,
		Success:          true,
		ProcessingTimeMs: uint64(e.clk.Now().Sub(start).Milliseconds()),
		Validation:       validation,
	}
	if req.ReturnResult {
		resp.ConvertedData = converted
		name := filepath.Base(path)
		resp.ConvertedFilename = &name
	}
	return resp
}

func checksumMatches(want, payload []byte) bool {
	h := blake3.New()
	h.Write(payload)
	got := h.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func sendMessage(ctx context.Context, stream substrate.Stream, m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return xferr.New("receiver.sendMessage", xferr.ValidationFailure, err)
	}
	return stream.SendMessage(ctx, payload)
}

func receiveMessage(ctx context.Context, stream substrate.Stream) (protocol.Message, error) {
	payload, err := stream.ReceiveMessage(ctx)
	if err != nil {
		return nil, xferr.New("receiver.receiveMessage", xferr.TransportFailure, err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return nil, xferr.New("receiver.receiveMessage", xferr.ProtocolViolation, err)
	}
	return msg, nil
}
