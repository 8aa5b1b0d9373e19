package receiver

import (
	"fmt"
	"io"
	"os"
)

// reassembly accumulates chunk payloads at their byte offset, computed from
// the negotiated chunk size so that out-of-order arrival never requires
// knowing the final chunk order in advance. Transfers under the memory cap
// stay in a single buffer; larger ones spill to a preallocated temp file
// (spec §4.4).
type reassembly struct {
	fileSize  uint64
	chunkSize int

	mem  []byte
	file *os.File
}

func newReassembly(fileSize uint64, chunkSize int, cfg Storage) (*reassembly, error) {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	r := &reassembly{fileSize: fileSize, chunkSize: chunkSize}

	cap := cfg.ReassemblyMemoryCapBytes
	if cap == 0 {
		cap = DefaultStorage().ReassemblyMemoryCapBytes
	}

	if fileSize <= cap {
		r.mem = make([]byte, fileSize)
		return r, nil
	}

	dir := cfg.SpillDirectory
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "filexfer-spill-*.bin")
	if err != nil {
		return nil, fmt.Errorf("reassembly: create spill file: %w", err)
	}
	if err := f.Truncate(int64(fileSize)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("reassembly: preallocate spill file: %w", err)
	}
	r.file = f
	return r, nil
}

func (r *reassembly) offset(chunkIndex uint32) int64 {
	off := int64(chunkIndex) * int64(r.chunkSize)
	if off > int64(r.fileSize) {
		off = int64(r.fileSize)
	}
	return off
}

func (r *reassembly) writeAt(chunkIndex uint32, payload []byte) error {
	off := r.offset(chunkIndex)
	if r.mem != nil {
		end := off + int64(len(payload))
		if end > int64(len(r.mem)) {
			end = int64(len(r.mem))
		}
		if off < end {
			copy(r.mem[off:end], payload)
		}
		return nil
	}
	if _, err := r.file.WriteAt(payload, off); err != nil {
		return fmt.Errorf("reassembly: write spill file: %w", err)
	}
	return nil
}

func (r *reassembly) readAll() ([]byte, error) {
	if r.mem != nil {
		return r.mem, nil
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("reassembly: seek spill file: %w", err)
	}
	data := make([]byte, r.fileSize)
	if _, err := io.ReadFull(r.file, data); err != nil {
		return nil, fmt.Errorf("reassembly: read spill file: %w", err)
	}
	return data, nil
}

func (r *reassembly) cleanup() {
	if r.file != nil {
		name := r.file.Name()
		r.file.Close()
		os.Remove(name)
	}
}
