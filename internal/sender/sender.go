// Package sender implements the Sender Engine (spec §4.3): drives an
// outbound transfer from TransferRequest through sliding-window chunk
// transmission, ack processing, and timeout/backoff retry, to a terminal
// FinalResponse.
package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"

	"github.com/filexfer/core/internal/clock"
	"github.com/filexfer/core/internal/flowcontrol"
	"github.com/filexfer/core/internal/observability"
	"github.com/filexfer/core/internal/protocol"
	"github.com/filexfer/core/internal/registry"
	"github.com/filexfer/core/internal/session"
	"github.com/filexfer/core/internal/sourcetype"
	"github.com/filexfer/core/internal/substrate"
	"github.com/filexfer/core/internal/xferr"
)

// ProgressFeed is a bounded, non-blocking progress subscription, adapted
// from the teacher's event-publisher pattern: slow consumers drop events
// rather than stall the engine.
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

// Config tunes the Sender Engine's windowing and retry behavior.
type Config struct {
	WindowSize      int
	AckDeadline     time.Duration
	OverallDeadline time.Duration
	MaxRetries      int
	Quality         flowcontrol.NetworkQuality
}

// DefaultConfig mirrors flowcontrol's package defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      flowcontrol.DefaultWindowSize,
		AckDeadline:     flowcontrol.DefaultAckDeadline,
		OverallDeadline: flowcontrol.DefaultOverallDeadline,
		MaxRetries:      flowcontrol.DefaultMaxChunkRetries,
		Quality:         flowcontrol.Good,
	}
}

// Engine drives outbound transfers over a substrate.Substrate.
type Engine struct {
	sub substrate.Substrate
	reg *registry.Registry
	clk clock.Clock
	log *observability.Logger
	met *observability.Metrics
	cfg Config
}

// New constructs a Sender Engine.
func New(sub substrate.Substrate, reg *registry.Registry, clk clock.Clock, log *observability.Logger, met *observability.Metrics, cfg Config) *Engine {
	return &Engine{sub: sub, reg: reg, clk: clk, log: log, met: met, cfg: cfg}
}

// Transfer is a running outbound transfer handed back to the caller of
// SendFile so it can observe progress and cancel.
type Transfer struct {
	ID       protocol.TransferID
	Progress *ProgressFeed
	cancel   context.CancelFunc
	done     chan struct{}
	finalErr error
}

// Cancel requests cooperative cancellation of the transfer.
func (t *Transfer) Cancel() { t.cancel() }

// Wait blocks until the transfer reaches a terminal state, returning the
// terminal error, if any.
func (t *Transfer) Wait() error {
	<-t.done
	return t.finalErr
}

// SendFile opens a stream to peer, negotiates a transfer for data under
// filename, and drives it to completion in the background. It returns
// immediately with a handle to the running Transfer; the caller observes
// progress via Transfer.Progress and blocks on Transfer.Wait for the
// terminal outcome.
func (e *Engine) SendFile(ctx context.Context, peer string, filename string, data []byte, targetFormat *string, returnResult bool) (*Transfer, error) {
	chunkSize := flowcontrol.ScaledChunkSize(uint64(len(data)), e.cfg.Quality)
	chunkCount := chunkCountFor(len(data), chunkSize)

	now := e.clk.Now()
	sess := session.New(protocol.NewTransferID(), session.Initiator, filename, uint64(len(data)), chunkCount, e.cfg.OverallDeadline, now)
	if err := e.reg.Insert(sess, peer, session.Initiator); err != nil {
		return nil, err
	}

	stream, err := e.sub.Dial(ctx, peer)
	if err != nil {
		e.reg.MarkTerminated(sess.ID)
		return nil, xferr.New("sender.SendFile", xferr.TransportFailure, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	tr := &Transfer{ID: sess.ID, Progress: newProgressFeed(16), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(tr.done)
		defer stream.Close()
		defer tr.Progress.close()
		tr.finalErr = e.run(runCtx, sess, stream, data, chunkSize, chunkCount, targetFormat, returnResult, tr.Progress, now)
	}()

	return tr, nil
}

func chunkCountFor(dataLen, chunkSize int) uint32 {
	if dataLen == 0 {
		return 0
	}
	return uint32((dataLen + chunkSize - 1) / chunkSize)
}

func (e *Engine) run(ctx context.Context, sess *session.Session, stream substrate.Stream, data []byte, chunkSize int, chunkCount uint32, targetFormat *string, returnResult bool, feed *ProgressFeed, startedAt time.Time) error {
	ctx, span := otel.Tracer("filexfer-sender").Start(ctx, "sender.run")
	defer span.End()
	defer e.reg.MarkTerminated(sess.ID)

	sourceType := detectSourceType(data)
	req := &protocol.TransferRequest{
		TransferID:   sess.ID,
		Filename:     sess.Filename,
		FileSize:     sess.FileSize,
		SourceType:   sourceType,
		TargetFormat: targetFormat,
		ReturnResult: returnResult,
		ChunkCount:   chunkCount,
	}
	if err := sendMessage(ctx, stream, req); err != nil {
		_ = sess.TransitionTo(session.Failed, err.Error())
		return err
	}
	if err := sess.TransitionTo(session.Negotiating, ""); err != nil {
		return err
	}

	reply, err := receiveMessage(ctx, stream)
	if err != nil {
		_ = sess.TransitionTo(session.Failed, err.Error())
		return err
	}
	switch msg := reply.(type) {
	case *protocol.Reject:
		_ = sess.TransitionTo(session.Failed, msg.Reason)
		e.log.TransferRejected(sess.ID.String(), int(msg.ErrorCode), msg.Reason)
		e.met.RecordRejection(int(msg.ErrorCode))
		return xferr.New("sender.run", xferr.ProtocolViolation, fmt.Errorf("rejected: %s", msg.Reason))
	case *protocol.Accept:
		if int(msg.MaxChunkSize) > 0 && int(msg.MaxChunkSize) < chunkSize {
			chunkSize = int(msg.MaxChunkSize)
			chunkCount = chunkCountFor(len(data), chunkSize)
		}
	default:
		err := xferr.New("sender.run", xferr.ProtocolViolation, fmt.Errorf("unexpected reply tag %d", msg.Tag()))
		_ = sess.TransitionTo(session.Failed, err.Error())
		return err
	}

	if err := sess.TransitionTo(session.Transferring, ""); err != nil {
		return err
	}
	e.log.TransferAccepted(sess.ID.String(), sess.Filename, sess.FileSize, chunkCount)
	e.met.RecordTransferStart()

	if err := e.transmit(ctx, sess, stream, data, chunkSize, chunkCount, feed); err != nil {
		_ = sess.TransitionTo(session.Failed, err.Error())
		e.met.RecordTransferComplete(false, e.clk.Now().Sub(startedAt).Seconds())
		return err
	}

	if err := sess.TransitionTo(session.Finalizing, ""); err != nil {
		return err
	}
	final, err := receiveMessage(ctx, stream)
	if err != nil {
		_ = sess.TransitionTo(session.Failed, err.Error())
		return err
	}
	fin, ok := final.(*protocol.FinalResponse)
	if !ok {
		err := xferr.New("sender.run", xferr.ProtocolViolation, fmt.Errorf("expected FinalResponse, got tag %d", final.Tag()))
		_ = sess.TransitionTo(session.Failed, err.Error())
		return err
	}
	if !fin.Success {
		msg := "conversion or storage failed"
		if fin.ErrorMessage != nil {
			msg = *fin.ErrorMessage
		}
		_ = sess.TransitionTo(session.Failed, msg)
		e.met.RecordTransferComplete(false, e.clk.Now().Sub(startedAt).Seconds())
		return xferr.New("sender.run", xferr.StorageFailure, fmt.Errorf("%s", msg))
	}

	if err := sess.TransitionTo(session.Completed, ""); err != nil {
		return err
	}
	e.log.SessionCompleted(sess.ID.String(), e.clk.Now().Sub(startedAt), sess.BytesAcked())
	e.met.RecordTransferComplete(true, e.clk.Now().Sub(startedAt).Seconds())
	return nil
}

// transmit drives the sliding-window chunk loop: keep up to WindowSize
// chunks in flight, process Acks as they arrive, and retransmit on
// ack-deadline expiry with exponential backoff.
func (e *Engine) transmit(ctx context.Context, sess *session.Session, stream substrate.Stream, data []byte, chunkSize int, total uint32, feed *ProgressFeed) error {
	if total == 0 {
		return nil
	}

	deadlines := session.NewDeadlineQueue()
	retransmits := session.NewDeadlineQueue() // expired chunks, keyed by backoff-delayed resend time
	var mu sync.Mutex
	next := uint32(0)
	inFlight := 0

	sendChunk := func(idx uint32) error {
		start := int(idx) * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		chunk := &protocol.FileChunk{
			TransferID: sess.ID,
			ChunkIndex: idx,
			Payload:    payload,
			IsFinal:    idx == total-1,
			Checksum:   checksumChunk(payload),
		}
		if err := sendMessage(ctx, stream, chunk); err != nil {
			return err
		}
		sess.RecordBytesSent(len(payload))
		e.met.RecordChunkSent(len(payload))
		e.log.ChunkSent(sess.ID.String(), idx, len(payload), sess.RetryCount(idx))
		mu.Lock()
		deadlines.Push(idx, e.clk.Now().Add(e.cfg.AckDeadline))
		mu.Unlock()
		return nil
	}

	window := e.cfg.WindowSize
	if window <= 0 {
		window = flowcontrol.DefaultWindowSize
	}
	for next < total && inFlight < window {
		if err := sendChunk(next); err != nil {
			return err
		}
		next++
		inFlight++
	}

	resendOne := func(idx uint32) error {
		if idx >= total {
			return nil
		}
		return sendChunk(idx)
	}
	resendRange := func(from, highestSent uint32) error {
		for idx := from; idx < highestSent && idx < total; idx++ {
			if sess.HasAcked(idx) {
				continue
			}
			if err := sendChunk(idx); err != nil {
				return err
			}
		}
		return nil
	}

	ackCh := make(chan protocol.Message, window)
	processed := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := receiveMessage(ctx, stream)
			if err != nil {
				errCh <- err
				return
			}
			ackCh <- msg
			// Wait until the loop below has applied msg before reading again,
			// so a FinalResponse that follows the last ack stays on the
			// stream for run to read.
			select {
			case <-processed:
			case <-stop:
				return
			}
			if sess.AllChunksAcked() {
				return
			}
		}
	}()

	checkTimer := e.clk.After(100 * time.Millisecond)
	for !sess.AllChunksAcked() {
		select {
		case <-ctx.Done():
			return xferr.New("sender.transmit", xferr.CancelledByCaller, ctx.Err())
		case err := <-errCh:
			return xferr.New("sender.transmit", xferr.TransportFailure, err)
		case msg := <-ackCh:
			// next is the smallest index not yet sent, so next-1 is the
			// highest index sent so far (spec §4.3's "[expected,
			// highest_sent]" re-emission range).
			resendOutOfOrder := func(expected uint32) error { return resendRange(expected, next) }
			acked, err := e.handleAck(sess, msg, feed, func(idx uint32) int { return chunkLen(idx, total, chunkSize, len(data)) }, resendOne, resendOutOfOrder, e.cfg.MaxRetries)
			if err != nil {
				return err
			}
			inFlight -= acked
			processed <- struct{}{}
			for next < total && inFlight < window {
				if err := sendChunk(next); err != nil {
					return err
				}
				next++
				inFlight++
			}
		case <-checkTimer:
			checkTimer = e.clk.After(100 * time.Millisecond)
			mu.Lock()
			now := e.clk.Now()
			for {
				idx, deadline, ok := deadlines.Peek()
				if !ok || now.Before(deadline) {
					break
				}
				deadlines.Pop()
				if sess.HasAcked(idx) {
					continue
				}
				retry := sess.RetryCount(idx)
				if retry >= e.cfg.MaxRetries {
					mu.Unlock()
					return xferr.New("sender.transmit", xferr.Timeout, fmt.Errorf("chunk %d exceeded max retries", idx))
				}
				sess.IncrementRetry(idx)
				backoff := flowcontrol.RetrySchedule(retry)
				e.log.ChunkRetransmitted(sess.ID.String(), idx, retry+1, backoff)
				e.met.RecordChunkRetransmit("ack_timeout")
				retransmits.Push(idx, now.Add(backoff))
			}
			mu.Unlock()
			for {
				idx, due, ok := retransmits.Peek()
				if !ok || now.Before(due) {
					break
				}
				retransmits.Pop()
				if sess.HasAcked(idx) {
					continue
				}
				if err := sendChunk(idx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleAck applies an inbound ack message, returning the number of chunks
// it newly acknowledged (0 for duplicates, invalid, or out-of-order acks).
// payloadLen resolves a chunk index to its payload size for the bytesAcked
// accounting Session.RecordChunkAcked maintains.
func (e *Engine) handleAck(sess *session.Session, msg protocol.Message, feed *ProgressFeed, payloadLen func(uint32) int, resendOne func(uint32) error, resendOutOfOrder func(uint32) error, maxRetries int) (int, error) {
	switch m := msg.(type) {
	case *protocol.ChunkAck:
		return e.applyAck(sess, m.ChunkIndex, m.Status, feed, payloadLen, resendOne, resendOutOfOrder, maxRetries)
	case *protocol.BatchedAck:
		total := 0
		for _, idx := range m.Indices {
			n, err := e.applyAck(sess, idx, protocol.AckStatus{Kind: protocol.AckReceived}, feed, payloadLen, resendOne, resendOutOfOrder, maxRetries)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, xferr.New("sender.handleAck", xferr.ProtocolViolation, fmt.Errorf("unexpected message tag %d while transferring", msg.Tag()))
	}
}

// applyAck applies a single chunk acknowledgment outcome. On Invalid, the
// chunk is re-enqueued immediately and its retry count incremented; once the
// per-chunk retry cap is exceeded the session fails with ChunkRejected. On
// OutOfOrder, every unacknowledged index in [expected, highest_sent] is
// re-emitted so the receiver's lookahead window can catch up.
func (e *Engine) applyAck(sess *session.Session, idx uint32, status protocol.AckStatus, feed *ProgressFeed, payloadLen func(uint32) int, resendOne func(uint32) error, resendOutOfOrder func(uint32) error, maxRetries int) (int, error) {
	switch status.Kind {
	case protocol.AckReceived:
		first, err := sess.RecordChunkAcked(idx, payloadLen(idx))
		if err != nil {
			return 0, err
		}
		e.met.RecordAck("received")
		feed.publish(sess.Progress(e.clk.Now()))
		if first {
			return 1, nil
		}
		return 0, nil
	case protocol.AckInvalid:
		e.met.RecordAck("invalid")
		retry := sess.IncrementRetry(idx)
		if retry > maxRetries {
			_ = sess.TransitionTo(session.Failed, "chunk_rejected")
			return 0, xferr.New("sender.applyAck", xferr.ProtocolViolation, fmt.Errorf("chunk %d rejected after %d retries: %s", idx, retry, status.Reason))
		}
		e.log.ChunkRetransmitted(sess.ID.String(), idx, retry, 0)
		e.met.RecordChunkRetransmit("invalid")
		if err := resendOne(idx); err != nil {
			return 0, err
		}
		return 0, nil
	case protocol.AckOutOfOrder:
		e.met.RecordAck("out_of_order")
		if err := resendOutOfOrder(status.ExpectedIndex); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// chunkLen returns the payload length of chunk idx given the fixed
// chunkSize and the overall data length (the final chunk may be shorter).
func chunkLen(idx, total uint32, chunkSize, dataLen int) int {
	start := int(idx) * chunkSize
	end := start + chunkSize
	if end > dataLen {
		end = dataLen
	}
	if start > dataLen || start < 0 {
		return 0
	}
	return end - start
}

func checksumChunk(payload []byte) []byte {
	h := blake3.New()
	h.Write(payload)
	return h.Sum(nil)
}

func sendMessage(ctx context.Context, stream substrate.Stream, m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return xferr.New("sender.sendMessage", xferr.ValidationFailure, err)
	}
	return stream.SendMessage(ctx, payload)
}

func receiveMessage(ctx context.Context, stream substrate.Stream) (protocol.Message, error) {
	payload, err := stream.ReceiveMessage(ctx)
	if err != nil {
		return nil, xferr.New("sender.receiveMessage", xferr.TransportFailure, err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return nil, xferr.New("sender.receiveMessage", xferr.ProtocolViolation, err)
	}
	return msg, nil
}

// detectSourceType classifies data for the TransferRequest's source_type
// field, per the detection algorithm spec §4.3 names.
func detectSourceType(data []byte) string {
	return sourcetype.Detect(data)
}
