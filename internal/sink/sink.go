// Package sink implements the Storage Sink contract (spec §6/§4.4): durable
// persistence of a completed transfer's final bytes under a sanitized,
// collision-free filename.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/filexfer/core/internal/validation"
)

// StorageSink persists converted or pass-through transfer output.
type StorageSink interface {
	// Store writes data under a name derived from requestedFilename,
	// returning the path it was actually written to.
	Store(ctx context.Context, requestedFilename string, data []byte) (path string, err error)
}

// deniedChars mirrors common filesystem-reserved characters across
// Windows/POSIX so a malicious or careless filename never escapes the
// output directory or collides with a reserved device name.
const deniedChars = "<>:\"|?*\x00"

// LocalFS stores output files under a fixed root directory.
type LocalFS struct {
	Root string
}

// NewLocalFS constructs a LocalFS sink rooted at root, creating it if needed.
func NewLocalFS(root string) (*LocalFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create root %s: %w", root, err)
	}
	return &LocalFS{Root: root}, nil
}

func (l *LocalFS) Store(ctx context.Context, requestedFilename string, data []byte) (string, error) {
	name, err := SanitizeFilename(requestedFilename)
	if err != nil {
		return "", err
	}

	base := filepath.Join(l.Root, name)
	path, f, err := createExclusive(base)
	if err != nil {
		return "", fmt.Errorf("sink: create output file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("sink: write output file: %w", err)
	}
	return path, nil
}

// createExclusive opens base for exclusive creation, retrying with
// "-1", "-2", ... suffixes on collision (spec §4.4).
func createExclusive(base string) (string, *os.File, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	path := base
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			path = fmt.Sprintf("%s-%d%s", stem, attempt, ext)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
		if attempt > 10000 {
			return "", nil, fmt.Errorf("too many collisions for %s", base)
		}
	}
}

// SanitizeFilename strips directory components and rejects traversal,
// absolute paths, and filesystem-reserved characters, returning a bare
// filename safe to join under a fixed root.
func SanitizeFilename(requested string) (string, error) {
	if err := validation.ValidateStringNonEmpty(requested); err != nil {
		return "", fmt.Errorf("sink: %w", err)
	}
	if filepath.IsAbs(requested) {
		return "", fmt.Errorf("sink: absolute paths are not allowed: %q", requested)
	}

	name := filepath.Base(filepath.Clean(requested))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("sink: invalid filename: %q", requested)
	}
	if strings.Contains(requested, "..") {
		return "", fmt.Errorf("sink: path traversal rejected: %q", requested)
	}
	for _, r := range deniedChars {
		if strings.ContainsRune(name, r) {
			return "", fmt.Errorf("sink: filename contains a reserved character: %q", requested)
		}
	}
	return name, nil
}
