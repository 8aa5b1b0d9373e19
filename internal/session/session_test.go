package session

import (
	"testing"
	"time"

	"github.com/filexfer/core/internal/protocol"
)

func newTestSession(t *testing.T, chunkCount uint32) *Session {
	t.Helper()
	return New(protocol.NewTransferID(), Initiator, "f.txt", 100, chunkCount, 10*time.Minute, time.Now())
}

func TestValidTransitionSequence(t *testing.T) {
	s := newTestSession(t, 1)
	seq := []State{Negotiating, Transferring, Finalizing, Completed}
	for _, st := range seq {
		if err := s.TransitionTo(st, ""); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	if s.State() != Completed {
		t.Fatalf("expected Completed, got %s", s.State())
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	s := newTestSession(t, 1)
	_ = s.TransitionTo(Negotiating, "")
	_ = s.TransitionTo(Failed, "boom")

	if err := s.TransitionTo(Transferring, ""); err == nil {
		t.Fatal("expected error transitioning out of terminal state")
	}
	if s.FailReason() != "boom" {
		t.Fatalf("fail reason = %q", s.FailReason())
	}
}

func TestCancelledReachableFromAnyNonTerminal(t *testing.T) {
	for _, start := range []State{Idle, Negotiating, Transferring, Finalizing} {
		s := newTestSession(t, 1)
		// drive to `start` via legal edges where needed
		switch start {
		case Negotiating:
			_ = s.TransitionTo(Negotiating, "")
		case Transferring:
			_ = s.TransitionTo(Negotiating, "")
			_ = s.TransitionTo(Transferring, "")
		case Finalizing:
			_ = s.TransitionTo(Negotiating, "")
			_ = s.TransitionTo(Transferring, "")
			_ = s.TransitionTo(Finalizing, "")
		}
		if err := s.TransitionTo(Cancelled, "user cancel"); err != nil {
			t.Fatalf("from %s: %v", start, err)
		}
	}
}

func TestReverseEdgeIntoNegotiatingRejected(t *testing.T) {
	s := newTestSession(t, 1)
	_ = s.TransitionTo(Negotiating, "")
	_ = s.TransitionTo(Transferring, "")
	if err := s.TransitionTo(Negotiating, ""); err == nil {
		t.Fatal("expected rejecting a reverse edge into Negotiating to fail")
	}
}

func TestDuplicateChunkIdempotent(t *testing.T) {
	s := newTestSession(t, 2)
	first, err := s.RecordChunkReceived(0, 50)
	if err != nil || !first {
		t.Fatalf("first record: first=%v err=%v", first, err)
	}
	second, err := s.RecordChunkReceived(0, 50)
	if err != nil || second {
		t.Fatalf("second record should report duplicate: second=%v err=%v", second, err)
	}
	if s.BytesReceived() != 50 {
		t.Fatalf("bytes received double-counted: %d", s.BytesReceived())
	}
}

func TestInvalidChunkEscalation(t *testing.T) {
	s := newTestSession(t, 1)
	for i := 0; i < 2; i++ {
		if s.RecordInvalidChunkOffense() {
			t.Fatalf("escalated too early at offense %d", i+1)
		}
	}
	if !s.RecordInvalidChunkOffense() {
		t.Fatal("expected escalation at 3rd offense")
	}
}

func TestBytesAckedNeverExceedsFileSize(t *testing.T) {
	s := New(protocol.NewTransferID(), Initiator, "f.bin", 10, 2, time.Minute, time.Now())
	if _, err := s.RecordChunkAcked(0, 6); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordChunkAcked(1, 4); err != nil {
		t.Fatal(err)
	}
	if s.BytesAcked() != 10 {
		t.Fatalf("bytes acked = %d, want 10", s.BytesAcked())
	}
	if !s.AllChunksAcked() {
		t.Fatal("expected all chunks acked")
	}
}

func TestHasAckedTracksOnlyAckedIndices(t *testing.T) {
	s := New(protocol.NewTransferID(), Initiator, "f.bin", 10, 2, time.Minute, time.Now())
	if s.HasAcked(0) {
		t.Fatal("chunk 0 should not be acked yet")
	}
	if _, err := s.RecordChunkAcked(0, 6); err != nil {
		t.Fatal(err)
	}
	if !s.HasAcked(0) {
		t.Fatal("expected chunk 0 to be acked")
	}
	if s.HasAcked(1) {
		t.Fatal("chunk 1 should not be acked")
	}
}
