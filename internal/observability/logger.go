package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging across the sender, receiver,
// and registry.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger with service/version/host
// fields attached to every line.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithTransfer adds transfer_id context to the logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{logger: l.logger.With().Str("transfer_id", transferID).Logger()}
}

// WithPeer adds peer context to the logger.
func (l *Logger) WithPeer(peer string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer", peer).Logger()}
}

// WithRole adds the session role (initiator/responder) to the logger.
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{logger: l.logger.With().Str("role", role).Logger()}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }

func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferAccepted logs a receiver-side admission decision.
func (l *Logger) TransferAccepted(transferID, filename string, fileSize uint64, chunkCount uint32) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("filename", filename).
		Uint64("file_size", fileSize).
		Uint32("chunk_count", chunkCount).
		Msg("transfer request accepted")
}

// TransferRejected logs a receiver-side admission rejection.
func (l *Logger) TransferRejected(transferID string, errorCode int, reason string) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Int("error_code", errorCode).
		Str("reason", reason).
		Msg("transfer request rejected")
}

// ChunkSent logs a chunk transmission.
func (l *Logger) ChunkSent(transferID string, chunkIndex uint32, size int, retry int) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Int("size", size).
		Int("retry", retry).
		Msg("chunk sent")
}

// ChunkRetransmitted logs a chunk being retried after an ack-deadline miss
// or an Invalid ack.
func (l *Logger) ChunkRetransmitted(transferID string, chunkIndex uint32, retryCount int, delay time.Duration) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Int("retry_count", retryCount).
		Dur("backoff", delay).
		Msg("chunk retransmitted")
}

// TransferProgress logs a periodic progress snapshot.
func (l *Logger) TransferProgress(transferID string, bytesDone, totalBytes uint64, throughputBps float64) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Uint64("bytes_done", bytesDone).
		Uint64("total_bytes", totalBytes).
		Float64("throughput_bps", throughputBps).
		Msg("transfer progress")
}

// SessionCompleted logs a terminal Completed transition.
func (l *Logger) SessionCompleted(transferID string, duration time.Duration, bytes uint64) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Dur("duration", duration).
		Uint64("bytes", bytes).
		Msg("session completed")
}

// SessionFailed logs a terminal Failed transition.
func (l *Logger) SessionFailed(transferID string, errorCode int, reason string) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Int("error_code", errorCode).
		Str("reason", reason).
		Msg("session failed")
}

// ConversionInvoked logs a Conversion Worker call.
func (l *Logger) ConversionInvoked(transferID, sourceType, targetType string) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("source_type", sourceType).
		Str("target_type", targetType).
		Msg("conversion worker invoked")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
