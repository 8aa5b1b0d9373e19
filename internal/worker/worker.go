// Package worker implements the Conversion Worker contract (spec §6): given
// source bytes, a source type, and an optional target format, produce
// converted bytes within a bounded wall-clock budget.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/filexfer/core/internal/xferr"
)

// DefaultWallClockCap bounds a single conversion call (spec §6).
const DefaultWallClockCap = 5 * time.Minute

// ConversionWorker converts sourceData of sourceType into targetFormat.
// Implementations must respect ctx cancellation.
type ConversionWorker interface {
	Convert(ctx context.Context, sourceData []byte, sourceType, targetFormat string) (converted []byte, convertedFilename string, err error)
}

// Default implements txt->pdf, pdf->txt (naive extraction), and an identity
// pass-through for any x->x request. It has no notion of richer document
// conversion; anything else is rejected as a ConversionFailure.
type Default struct {
	WallClockCap time.Duration
}

// New constructs a Default worker with the spec's default wall-clock cap.
func New() *Default {
	return &Default{WallClockCap: DefaultWallClockCap}
}

func (w *Default) cap() time.Duration {
	if w.WallClockCap <= 0 {
		return DefaultWallClockCap
	}
	return w.WallClockCap
}

func (w *Default) Convert(ctx context.Context, sourceData []byte, sourceType, targetFormat string) ([]byte, string, error) {
	if targetFormat == "" || targetFormat == sourceType {
		return sourceData, "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cap())
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		data, err := convert(sourceData, sourceType, targetFormat)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, "", xferr.New("worker.Convert", xferr.ConversionFailure, fmt.Errorf("conversion exceeded %s: %w", w.cap(), ctx.Err()))
	case r := <-done:
		if r.err != nil {
			return nil, "", xferr.New("worker.Convert", xferr.ConversionFailure, r.err)
		}
		return r.data, filenameHint(targetFormat), nil
	}
}

// filenameHint returns the extension the Receiver Engine should give the
// stored/returned file for targetFormat (spec §6's filename_hint).
func filenameHint(targetFormat string) string {
	switch targetFormat {
	case "pdf":
		return "converted.pdf"
	case "txt":
		return "converted.txt"
	default:
		return ""
	}
}

func convert(sourceData []byte, sourceType, targetFormat string) ([]byte, error) {
	switch {
	case sourceType == "txt" && targetFormat == "pdf":
		return textToPDF(sourceData)
	case sourceType == "pdf" && targetFormat == "txt":
		return pdfToText(sourceData)
	default:
		return nil, fmt.Errorf("unsupported conversion %s -> %s", sourceType, targetFormat)
	}
}

// textToPDF renders plain-text lines into a simple single-column PDF.
func textToPDF(src []byte) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Courier", "", 10)

	lines := bytes.Split(src, []byte("\n"))
	for _, line := range lines {
		pdf.CellFormat(0, 5, string(line), "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfToText performs a naive extraction of the literal strings found inside
// a PDF's text-showing operators. It is intentionally unsophisticated: the
// spec excludes conversion fidelity from scope and asks only that a
// conversion path exist end to end.
func pdfToText(src []byte) ([]byte, error) {
	var out bytes.Buffer
	inString := false
	for i := 0; i < len(src); i++ {
		b := src[i]
		switch {
		case b == '(' && !inString:
			inString = true
		case b == ')' && inString:
			inString = false
			out.WriteByte('\n')
		case b == '\\' && inString && i+1 < len(src):
			i++
			out.WriteByte(src[i])
		case inString:
			out.WriteByte(b)
		}
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("no extractable text found")
	}
	return out.Bytes(), nil
}
