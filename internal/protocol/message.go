// Package protocol implements the Codec: the framed, deterministic binary
// encoding of the tagged-union message set that moves a file from sender to
// receiver, per spec §3 (data model) and §6 (wire format).
package protocol

import "github.com/google/uuid"

// TransferID is the 128-bit opaque identifier correlating every message of
// one transfer. Generated by the sender.
type TransferID [16]byte

// NewTransferID generates a fresh, globally-unique TransferID.
func NewTransferID() TransferID {
	return TransferID(uuid.New())
}

func (id TransferID) String() string {
	return uuid.UUID(id).String()
}

// Tag identifies a message's position in the wire's stable tag ordering.
type Tag uint8

const (
	TagTransferRequest Tag = 0
	TagAccept          Tag = 1
	TagReject          Tag = 2
	TagFileChunk       Tag = 3
	TagChunkAck        Tag = 4
	TagBatchedAck       Tag = 5
	TagFinalResponse   Tag = 6
)

// Message is implemented by every wire message type.
type Message interface {
	Tag() Tag
	transferID() TransferID
}

// MessageTransferID returns the correlation id carried by any Message.
func MessageTransferID(m Message) TransferID { return m.transferID() }

// TransferRequest is the first message of a session.
type TransferRequest struct {
	TransferID   TransferID
	Filename     string
	FileSize     uint64
	SourceType   string
	TargetFormat *string
	ReturnResult bool
	ChunkCount   uint32
	Metadata     map[string]string
}

func (m *TransferRequest) Tag() Tag               { return TagTransferRequest }
func (m *TransferRequest) transferID() TransferID { return m.TransferID }

// Accept is a successful initial TransferResponse.
type Accept struct {
	TransferID       TransferID
	MaxChunkSize     uint32
	SupportedFormats []string
}

func (m *Accept) Tag() Tag               { return TagAccept }
func (m *Accept) transferID() TransferID { return m.TransferID }

// Reject is a failed initial TransferResponse, or a mid-transfer rejection.
type Reject struct {
	TransferID TransferID
	Reason     string
	ErrorCode  uint32
}

func (m *Reject) Tag() Tag               { return TagReject }
func (m *Reject) transferID() TransferID { return m.TransferID }

// FileChunk carries one contiguous slice of the source file.
type FileChunk struct {
	TransferID TransferID
	ChunkIndex uint32
	Payload    []byte
	IsFinal    bool
	// Checksum is a 256-bit digest of Payload, when integrity checks are
	// enabled. Nil when absent.
	Checksum []byte
}

func (m *FileChunk) Tag() Tag               { return TagFileChunk }
func (m *FileChunk) transferID() TransferID { return m.TransferID }

// AckStatusKind distinguishes the three outcomes of acknowledging a chunk.
type AckStatusKind uint8

const (
	AckReceived AckStatusKind = iota
	AckInvalid
	AckOutOfOrder
)

// AckStatus is the per-chunk acknowledgment outcome.
type AckStatus struct {
	Kind AckStatusKind
	// Reason is set when Kind == AckInvalid.
	Reason string
	// ExpectedIndex is set when Kind == AckOutOfOrder.
	ExpectedIndex uint32
}

// ChunkAck acknowledges a single chunk_index.
type ChunkAck struct {
	TransferID TransferID
	ChunkIndex uint32
	Status     AckStatus
}

func (m *ChunkAck) Tag() Tag               { return TagChunkAck }
func (m *ChunkAck) transferID() TransferID { return m.TransferID }

// BatchedAck is the wire-primary ack form: a sorted, deduplicated set of
// acknowledged indices plus a cumulative next_expected_index. A single-chunk
// ChunkAck is the degenerate case of a BatchedAck with one entry (spec §9
// open question), but both tags remain on the wire.
type BatchedAck struct {
	TransferID   TransferID
	Indices      []uint32
	NextExpected uint32
}

func (m *BatchedAck) Tag() Tag               { return TagBatchedAck }
func (m *BatchedAck) transferID() TransferID { return m.TransferID }

// ValidationRecord is FinalResponse's validation sub-record.
type ValidationRecord struct {
	IntegrityOK bool
	TypeOK      bool
	SizeOK      bool
	Warnings    []string
}

// FinalResponse concludes a transfer after Finalizing.
type FinalResponse struct {
	TransferID        TransferID
	Success           bool
	ErrorMessage      *string
	ConvertedData     []byte
	ConvertedFilename *string
	ProcessingTimeMs  uint64
	Validation        ValidationRecord
}

func (m *FinalResponse) Tag() Tag               { return TagFinalResponse }
func (m *FinalResponse) transferID() TransferID { return m.TransferID }
