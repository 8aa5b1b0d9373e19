package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Encode serializes a Message into its deterministic binary payload,
// prefixed with its tag byte. Integers are little-endian; strings are
// u32-length-prefixed UTF-8; options are a u8 presence tag followed by the
// value; sequences are a u32 length followed by elements, per spec §6.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Tag()))

	switch v := m.(type) {
	case *TransferRequest:
		writeTransferID(&buf, v.TransferID)
		writeString(&buf, v.Filename)
		writeUint64(&buf, v.FileSize)
		writeString(&buf, v.SourceType)
		writeOptionalString(&buf, v.TargetFormat)
		writeBool(&buf, v.ReturnResult)
		writeUint32(&buf, v.ChunkCount)
		writeStringMap(&buf, v.Metadata)
	case *Accept:
		writeTransferID(&buf, v.TransferID)
		writeUint32(&buf, v.MaxChunkSize)
		writeStringSlice(&buf, v.SupportedFormats)
	case *Reject:
		writeTransferID(&buf, v.TransferID)
		writeString(&buf, v.Reason)
		writeUint32(&buf, v.ErrorCode)
	case *FileChunk:
		writeTransferID(&buf, v.TransferID)
		writeUint32(&buf, v.ChunkIndex)
		writeBytes(&buf, v.Payload)
		writeBool(&buf, v.IsFinal)
		writeOptionalBytes(&buf, v.Checksum)
	case *ChunkAck:
		writeTransferID(&buf, v.TransferID)
		writeUint32(&buf, v.ChunkIndex)
		writeAckStatus(&buf, v.Status)
	case *BatchedAck:
		writeTransferID(&buf, v.TransferID)
		writeUint32Slice(&buf, v.Indices)
		writeUint32(&buf, v.NextExpected)
	case *FinalResponse:
		writeTransferID(&buf, v.TransferID)
		writeBool(&buf, v.Success)
		writeOptionalString(&buf, v.ErrorMessage)
		writeOptionalBytes(&buf, v.ConvertedData)
		writeOptionalString(&buf, v.ConvertedFilename)
		writeUint64(&buf, v.ProcessingTimeMs)
		writeValidationRecord(&buf, v.Validation)
	default:
		return nil, fmt.Errorf("protocol: unknown message type %T", m)
	}

	return buf.Bytes(), nil
}

// Decode parses a tagged-union payload (without the frame length prefix)
// into the corresponding Message.
func Decode(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("protocol: empty payload")
	}
	r := &reader{b: payload[1:]}
	switch Tag(payload[0]) {
	case TagTransferRequest:
		m := &TransferRequest{}
		m.TransferID = r.transferID()
		m.Filename = r.string()
		m.FileSize = r.uint64()
		m.SourceType = r.string()
		m.TargetFormat = r.optionalString()
		m.ReturnResult = r.boolean()
		m.ChunkCount = r.uint32()
		m.Metadata = r.stringMap()
		return m, r.err
	case TagAccept:
		m := &Accept{}
		m.TransferID = r.transferID()
		m.MaxChunkSize = r.uint32()
		m.SupportedFormats = r.stringSlice()
		return m, r.err
	case TagReject:
		m := &Reject{}
		m.TransferID = r.transferID()
		m.Reason = r.string()
		m.ErrorCode = r.uint32()
		return m, r.err
	case TagFileChunk:
		m := &FileChunk{}
		m.TransferID = r.transferID()
		m.ChunkIndex = r.uint32()
		m.Payload = r.bytes()
		m.IsFinal = r.boolean()
		m.Checksum = r.optionalBytes()
		return m, r.err
	case TagChunkAck:
		m := &ChunkAck{}
		m.TransferID = r.transferID()
		m.ChunkIndex = r.uint32()
		m.Status = r.ackStatus()
		return m, r.err
	case TagBatchedAck:
		m := &BatchedAck{}
		m.TransferID = r.transferID()
		m.Indices = r.uint32Slice()
		m.NextExpected = r.uint32()
		return m, r.err
	case TagFinalResponse:
		m := &FinalResponse{}
		m.TransferID = r.transferID()
		m.Success = r.boolean()
		m.ErrorMessage = r.optionalString()
		m.ConvertedData = r.optionalBytes()
		m.ConvertedFilename = r.optionalString()
		m.ProcessingTimeMs = r.uint64()
		m.Validation = r.validationRecord()
		return m, r.err
	default:
		return nil, fmt.Errorf("protocol: unknown tag %d", payload[0])
	}
}

// --- writers ---

func writeTransferID(buf *bytes.Buffer, id TransferID) { buf.Write(id[:]) }

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeOptionalString(buf *bytes.Buffer, s *string) {
	if s == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeString(buf, *s)
}

func writeOptionalBytes(buf *bytes.Buffer, b []byte) {
	if b == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeBytes(buf, b)
}

func writeStringSlice(buf *bytes.Buffer, ss []string) {
	writeUint32(buf, uint32(len(ss)))
	for _, s := range ss {
		writeString(buf, s)
	}
}

func writeUint32Slice(buf *bytes.Buffer, vs []uint32) {
	writeUint32(buf, uint32(len(vs)))
	for _, v := range vs {
		writeUint32(buf, v)
	}
}

func writeStringMap(buf *bytes.Buffer, m map[string]string) {
	writeUint32(buf, uint32(len(m)))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(buf, k)
		writeString(buf, m[k])
	}
}

func writeAckStatus(buf *bytes.Buffer, s AckStatus) {
	buf.WriteByte(byte(s.Kind))
	switch s.Kind {
	case AckInvalid:
		writeString(buf, s.Reason)
	case AckOutOfOrder:
		writeUint32(buf, s.ExpectedIndex)
	}
}

func writeValidationRecord(buf *bytes.Buffer, v ValidationRecord) {
	writeBool(buf, v.IntegrityOK)
	writeBool(buf, v.TypeOK)
	writeBool(buf, v.SizeOK)
	writeStringSlice(buf, v.Warnings)
}

// --- reader ---

// reader consumes payload bytes sequentially, latching the first error
// encountered so callers can chain field reads without checking after
// every call.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.fail(fmt.Errorf("protocol: truncated field, need %d have %d", n, len(r.b)))
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) transferID() TransferID {
	var id TransferID
	copy(id[:], r.take(16))
	return id
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) boolean() bool {
	b := r.take(1)
	return len(b) == 1 && b[0] != 0
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.take(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) string() string { return string(r.bytes()) }

func (r *reader) optionalString() *string {
	tag := r.take(1)
	if len(tag) != 1 || tag[0] == 0 {
		return nil
	}
	s := r.string()
	return &s
}

func (r *reader) optionalBytes() []byte {
	tag := r.take(1)
	if len(tag) != 1 || tag[0] == 0 {
		return nil
	}
	return r.bytes()
}

func (r *reader) stringSlice() []string {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, r.string())
	}
	return out
}

func (r *reader) uint32Slice() []uint32 {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	out := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, r.uint32())
	}
	return out
}

func (r *reader) stringMap() map[string]string {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k := r.string()
		v := r.string()
		out[k] = v
	}
	return out
}

func (r *reader) ackStatus() AckStatus {
	kindB := r.take(1)
	if len(kindB) != 1 {
		return AckStatus{}
	}
	kind := AckStatusKind(kindB[0])
	switch kind {
	case AckInvalid:
		return AckStatus{Kind: kind, Reason: r.string()}
	case AckOutOfOrder:
		return AckStatus{Kind: kind, ExpectedIndex: r.uint32()}
	default:
		return AckStatus{Kind: AckReceived}
	}
}

func (r *reader) validationRecord() ValidationRecord {
	return ValidationRecord{
		IntegrityOK: r.boolean(),
		TypeOK:      r.boolean(),
		SizeOK:      r.boolean(),
		Warnings:    r.stringSlice(),
	}
}
