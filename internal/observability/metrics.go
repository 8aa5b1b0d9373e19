package observability

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exported by the daemon, covering the
// transfer/chunk/ack/registry/conversion surface of this protocol.
type Metrics struct {
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec
	AcksTotal             *prometheus.CounterVec
	RejectionsTotal       *prometheus.CounterVec

	ConversionsTotal    *prometheus.CounterVec
	ConversionDuration  prometheus.Histogram

	RegistryOccupancy prometheus.Gauge
	DiskSpaceUsedBytes prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_transfers_total",
				Help: "Total transfers initiated, by terminal status",
			},
			[]string{"status"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filexfer_transfers_active",
				Help: "Currently active transfers",
			},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filexfer_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_bytes_transferred_total",
				Help: "Total bytes transferred, by direction",
			},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filexfer_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "filexfer_chunks_received_total",
				Help: "Total chunks received",
			},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission, by cause",
			},
			[]string{"reason"},
		),
		AcksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_acks_total",
				Help: "Acknowledgments processed, by status",
			},
			[]string{"status"},
		),
		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_rejections_total",
				Help: "Admission rejections, by error_code",
			},
			[]string{"error_code"},
		),
		ConversionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filexfer_conversions_total",
				Help: "Conversion worker invocations, by result",
			},
			[]string{"result"},
		),
		ConversionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filexfer_conversion_duration_seconds",
				Help:    "Conversion worker latency",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		RegistryOccupancy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filexfer_registry_occupancy",
				Help: "Live sessions currently held by the registry",
			},
		),
		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "filexfer_disk_space_used_bytes",
				Help: "Disk space used under the storage sink's output directory",
			},
		),
	}
}

func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAck(status string) {
	m.AcksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRejection(errorCode int) {
	m.RejectionsTotal.WithLabelValues(strconv.Itoa(errorCode)).Inc()
}

func (m *Metrics) RecordConversion(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConversionsTotal.WithLabelValues(result).Inc()
	m.ConversionDuration.Observe(durationSeconds)
}

func (m *Metrics) SetRegistryOccupancy(n int) {
	m.RegistryOccupancy.Set(float64(n))
}

func (m *Metrics) SetDiskSpaceUsed(bytes uint64) {
	m.DiskSpaceUsedBytes.Set(float64(bytes))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
