package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	encoded, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded
}

func TestTransferRequestRoundTrip(t *testing.T) {
	target := "pdf"
	id := NewTransferID()
	original := &TransferRequest{
		TransferID:   id,
		Filename:     "hello.txt",
		FileSize:     13,
		SourceType:   "txt",
		TargetFormat: &target,
		ReturnResult: true,
		ChunkCount:   1,
		Metadata:     map[string]string{"k": "v"},
	}

	got, ok := roundTrip(t, original).(*TransferRequest)
	if !ok {
		t.Fatalf("decoded type mismatch")
	}
	if got.TransferID != id || got.Filename != "hello.txt" || got.FileSize != 13 {
		t.Fatalf("mismatch: %+v", got)
	}
	if got.TargetFormat == nil || *got.TargetFormat != "pdf" {
		t.Fatalf("target format mismatch: %+v", got.TargetFormat)
	}
	if got.Metadata["k"] != "v" {
		t.Fatalf("metadata mismatch: %+v", got.Metadata)
	}
}

func TestFileChunkRoundTripWithAndWithoutChecksum(t *testing.T) {
	id := NewTransferID()
	withSum := &FileChunk{TransferID: id, ChunkIndex: 2, Payload: []byte("abc"), IsFinal: true, Checksum: bytes.Repeat([]byte{0xAB}, 32)}
	got := roundTrip(t, withSum).(*FileChunk)
	if !bytes.Equal(got.Checksum, withSum.Checksum) {
		t.Fatalf("checksum mismatch")
	}

	noSum := &FileChunk{TransferID: id, ChunkIndex: 0, Payload: []byte("x"), IsFinal: false}
	got2 := roundTrip(t, noSum).(*FileChunk)
	if got2.Checksum != nil {
		t.Fatalf("expected nil checksum, got %v", got2.Checksum)
	}
}

func TestBatchedAckNormalizes(t *testing.T) {
	id := NewTransferID()
	ack := NewBatchedAck(id, []uint32{5, 1, 3, 1, 3, 2}, 6)
	if len(ack.Indices) != 4 {
		t.Fatalf("expected 4 deduped indices, got %v", ack.Indices)
	}
	for i, want := range []uint32{1, 2, 3, 5} {
		if ack.Indices[i] != want {
			t.Fatalf("index %d = %d, want %d", i, ack.Indices[i], want)
		}
	}

	got := roundTrip(t, ack).(*BatchedAck)
	if got.NextExpected != 6 || len(got.Indices) != 4 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAckStatusVariants(t *testing.T) {
	id := NewTransferID()
	cases := []AckStatus{
		{Kind: AckReceived},
		{Kind: AckInvalid, Reason: "checksum_mismatch"},
		{Kind: AckOutOfOrder, ExpectedIndex: 4},
	}
	for _, st := range cases {
		ack := &ChunkAck{TransferID: id, ChunkIndex: 1, Status: st}
		got := roundTrip(t, ack).(*ChunkAck)
		if got.Status.Kind != st.Kind || got.Status.Reason != st.Reason || got.Status.ExpectedIndex != st.ExpectedIndex {
			t.Fatalf("status mismatch: got %+v want %+v", got.Status, st)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := NewTransferID()
	msg := &Reject{TransferID: id, Reason: "file too large", ErrorCode: 413}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	reject, ok := got.(*Reject)
	if !ok || reject.ErrorCode != 413 {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	if _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.Write([]byte{1, 2, 3})
	if _, err := ReadFrame(&buf); err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestRangeCompressor(t *testing.T) {
	rc := RangeCompressor{}
	got := rc.Compress([]uint32{0, 1, 2, 3, 4, 7, 9, 10, 11})
	want := "0-4,7,9-11"
	if got != want {
		t.Fatalf("Compress() = %q, want %q", got, want)
	}
}
