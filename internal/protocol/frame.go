package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a frame's payload length. Frames
// larger than this are rejected with ErrFrameTooLarge before any payload
// buffer is allocated.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is fatal to the connection: the peer declared a frame
// length exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// ErrTruncatedFrame is fatal to the connection: EOF occurred mid-frame.
var ErrTruncatedFrame = errors.New("protocol: truncated frame")

// WriteFrame writes one u32-big-endian-length-prefixed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. The length prefix is read first and
// validated against MaxFrameSize before the payload buffer is allocated, so
// a hostile peer cannot force an oversized allocation. A short read that
// ends in EOF before a complete frame is assembled returns ErrTruncatedFrame
// (except a clean EOF exactly at a frame boundary, which returns io.EOF so
// callers can distinguish "stream closed" from "stream corrupted").
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrTruncatedFrame
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncatedFrame
	}
	return payload, nil
}

// WriteMessage encodes and frames m onto w in one call.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame from r and decodes it into a Message.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
