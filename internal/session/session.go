package session

import (
	"sync"
	"time"

	"github.com/filexfer/core/internal/protocol"
)

// defaultInvalidChunkEscalation is the invalid-chunk offense count at which
// the session is forced to Failed (the third offense escalates).
const defaultInvalidChunkEscalation = 3

// Session is the per-transfer bookkeeping shared, as a specification, by
// both the sender and receiver engines (spec §3). Exactly one engine task
// owns a Session at a time (spec §5); its exported methods take the
// internal lock so that a Registry-driven progress reporter or shutdown
// path can safely read a consistent snapshot concurrently.
type Session struct {
	mu sync.Mutex

	ID       protocol.TransferID
	Role     Role
	Peer     string
	Filename string
	FileSize uint64

	state      State
	failReason string

	chunkCount uint32
	acked      *Bitset // sender: indices acknowledged Received
	received   *Bitset // receiver: indices reassembled

	bytesSent     uint64
	bytesReceived uint64
	bytesAcked    uint64

	startedAt      time.Time
	overallDeadline time.Time

	retryCounts map[uint32]int

	invalidChunkOffenses int

	// rate tracking for progress snapshots (EWMA over last N samples)
	rateSamples    []float64
	lastSampleAt   time.Time
	lastSampleByte uint64
}

// New creates a Session in the Idle state.
func New(id protocol.TransferID, role Role, filename string, fileSize uint64, chunkCount uint32, overallDeadline time.Duration, now time.Time) *Session {
	s := &Session{
		ID:              id,
		Role:            role,
		Filename:        filename,
		FileSize:        fileSize,
		state:           Idle,
		chunkCount:      chunkCount,
		acked:           NewBitset(int(chunkCount)),
		received:        NewBitset(int(chunkCount)),
		startedAt:       now,
		overallDeadline: now.Add(overallDeadline),
		retryCounts:     make(map[uint32]int),
		lastSampleAt:    now,
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailReason returns the reason recorded on the last transition into Failed.
func (s *Session) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// TransitionTo attempts to move the session to newState. Transitions out of
// a terminal state, or along an edge not in the state machine, are
// rejected with *ErrInvalidTransition and the session is left unchanged.
func (s *Session) TransitionTo(newState State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !checkTransition(s.state, newState) {
		return &ErrInvalidTransition{From: s.state, To: newState}
	}
	s.state = newState
	if reason != "" {
		s.failReason = reason
	}
	return nil
}

// OverallDeadline returns the session-wide deadline (spec §5, default 10m).
func (s *Session) OverallDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overallDeadline
}

// RecordChunkAcked marks index as acknowledged on the sender side and
// accumulates bytesAcked for the P1 invariant (sum(acked) <= file_size).
// Returns false if index was already acknowledged (idempotent).
func (s *Session) RecordChunkAcked(index uint32, payloadLen int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, err := s.acked.Set(int(index))
	if err != nil {
		return false, err
	}
	if first {
		s.bytesAcked += uint64(payloadLen)
		delete(s.retryCounts, index)
	}
	return first, nil
}

// AllChunksAcked reports whether every chunk has been acknowledged.
func (s *Session) AllChunksAcked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Complete()
}

// RecordChunkReceived marks index as reassembled on the receiver side.
// Returns false if index was already received (idempotent duplicate,
// spec §4.2).
func (s *Session) RecordChunkReceived(index uint32, payloadLen int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, err := s.received.Set(int(index))
	if err != nil {
		return false, err
	}
	if first {
		s.bytesReceived += uint64(payloadLen)
	}
	return first, nil
}

// HasReceived reports whether index has already been reassembled.
func (s *Session) HasReceived(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.Has(int(index))
}

// HasAcked reports whether index has already been acknowledged Received by
// the peer, on the sender side.
func (s *Session) HasAcked(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Has(int(index))
}

// AllChunksReceived reports whether every chunk has been reassembled.
func (s *Session) AllChunksReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.Complete()
}

// NextExpectedReceived returns the smallest not-yet-received index.
func (s *Session) NextExpectedReceived() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.received.NextExpected())
}

// IncrementRetry increments and returns the retry count for a chunk index.
func (s *Session) IncrementRetry(index uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCounts[index]++
	return s.retryCounts[index]
}

// RetryCount returns the current retry count for a chunk index.
func (s *Session) RetryCount(index uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCounts[index]
}

// RecordInvalidChunkOffense increments the invalid-chunk offense counter
// (the Receiver Engine counts checksum mismatches here) and reports whether
// the escalation threshold has now been reached.
func (s *Session) RecordInvalidChunkOffense() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidChunkOffenses++
	return s.invalidChunkOffenses >= defaultInvalidChunkEscalation
}

// BytesAcked returns the sum of acknowledged chunk payload sizes (P1).
func (s *Session) BytesAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAcked
}

// BytesReceived returns the sum of reassembled chunk payload sizes.
func (s *Session) BytesReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

// RecordBytesSent accumulates raw bytes written to the stream, independent
// of acknowledgment, for throughput sampling.
func (s *Session) RecordBytesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSent += uint64(n)
}

// Snapshot is a consistent, immutable view of session progress, safe to
// read without holding the session's lock (spec §5: "Progress snapshots
// read a consistent slice of session counters behind the same discipline").
type Snapshot struct {
	ID               protocol.TransferID
	State            State
	BytesTransferred uint64
	TotalBytes       uint64
	ChunksDone       int
	TotalChunks      int
	ThroughputBps    float64
	ETA              time.Duration
}

// Progress computes a Snapshot, sampling an EWMA-style throughput over
// recent samples the way the teacher's Session.UpdateProgress /
// GetTransferRate pair does, generalized to either send or receive byte
// counters depending on Role.
func (s *Session) Progress(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var done uint64
	var chunksDone int
	if s.Role == Initiator {
		done = s.bytesAcked
		chunksDone = s.acked.Count()
	} else {
		done = s.bytesReceived
		chunksDone = s.received.Count()
	}

	elapsed := now.Sub(s.lastSampleAt).Seconds()
	if elapsed > 0 {
		rate := float64(done-s.lastSampleByte) / elapsed
		s.rateSamples = append(s.rateSamples, rate)
		if len(s.rateSamples) > 8 {
			s.rateSamples = s.rateSamples[1:]
		}
		s.lastSampleAt = now
		s.lastSampleByte = done
	}

	// EWMA over the retained samples, oldest first, with the 8-sample
	// smoothing factor 2/(8+1).
	const alpha = 2.0 / 9.0
	var throughput float64
	for i, r := range s.rateSamples {
		if i == 0 {
			throughput = r
			continue
		}
		throughput = alpha*r + (1-alpha)*throughput
	}

	var eta time.Duration
	if throughput > 0 && s.FileSize > done {
		eta = time.Duration(float64(s.FileSize-done)/throughput) * time.Second
	}

	return Snapshot{
		ID:               s.ID,
		State:            s.state,
		BytesTransferred: done,
		TotalBytes:       s.FileSize,
		ChunksDone:       chunksDone,
		TotalChunks:      int(s.chunkCount),
		ThroughputBps:    throughput,
		ETA:              eta,
	}
}
