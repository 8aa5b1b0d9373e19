package protocol

import (
	"bytes"
	"fmt"
	"sort"
)

// NewBatchedAck builds a BatchedAck from a possibly unsorted, possibly
// duplicated set of acknowledged indices, normalizing it to the sorted
// deduplicated set required by spec §3. A single index produces the
// degenerate one-entry batch (spec §9 open question).
func NewBatchedAck(transferID TransferID, indices []uint32, nextExpected uint32) *BatchedAck {
	sorted := append([]uint32(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	deduped := sorted[:0]
	var last uint32
	haveLast := false
	for _, idx := range sorted {
		if haveLast && idx == last {
			continue
		}
		deduped = append(deduped, idx)
		last = idx
		haveLast = true
	}
	return &BatchedAck{TransferID: transferID, Indices: deduped, NextExpected: nextExpected}
}

// RangeCompressor renders a sorted chunk-index set as human-readable range
// notation ("0-4,7,9-11") for log lines, rather than listing every index.
type RangeCompressor struct{}

func (RangeCompressor) Compress(indices []uint32) string {
	if len(indices) == 0 {
		return ""
	}
	var buf bytes.Buffer
	start, prev := indices[0], indices[0]
	flush := func() {
		if start == prev {
			fmt.Fprintf(&buf, "%d,", start)
		} else {
			fmt.Fprintf(&buf, "%d-%d,", start, prev)
		}
	}
	for _, idx := range indices[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		flush()
		start, prev = idx, idx
	}
	flush()
	out := buf.String()
	return out[:len(out)-1]
}
