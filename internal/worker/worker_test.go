package worker

import (
	"context"
	"testing"
	"time"
)

func TestPassThroughWhenFormatsMatch(t *testing.T) {
	w := New()
	data, hint, err := w.Convert(context.Background(), []byte("hello"), "txt", "txt")
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Convert() = %q, want pass-through", data)
	}
	if hint != "" {
		t.Errorf("filename hint = %q, want empty for pass-through", hint)
	}
}

func TestTextToPDFProducesPDFMagicAndFilenameHint(t *testing.T) {
	w := New()
	data, hint, err := w.Convert(context.Background(), []byte("line one\nline two"), "txt", "pdf")
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		t.Errorf("output does not start with PDF magic: %q", data[:min(5, len(data))])
	}
	if got := hint[len(hint)-4:]; got != ".pdf" {
		t.Errorf("filename hint = %q, want it to end in .pdf", hint)
	}
}

func TestUnsupportedConversionFails(t *testing.T) {
	w := New()
	_, _, err := w.Convert(context.Background(), []byte("x"), "unknown", "pdf")
	if err == nil {
		t.Fatal("expected error for unsupported conversion")
	}
}

func TestWallClockCapExceeded(t *testing.T) {
	w := &Default{WallClockCap: time.Nanosecond}
	_, _, err := w.Convert(context.Background(), []byte("line"), "txt", "pdf")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
