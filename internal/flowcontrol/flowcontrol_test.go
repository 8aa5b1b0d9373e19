package flowcontrol

import (
	"testing"
	"time"
)

func TestInitialChunkSizeBreakpoints(t *testing.T) {
	cases := []struct {
		size uint64
		want int
	}{
		{1024, 64 * 1024},
		{9 * 1024 * 1024, 64 * 1024},
		{50 * 1024 * 1024, 1024 * 1024},
		{200 * 1024 * 1024, 4 * 1024 * 1024},
	}
	for _, tc := range cases {
		if got := InitialChunkSize(tc.size); got != tc.want {
			t.Errorf("InitialChunkSize(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestScaledChunkSizeClamps(t *testing.T) {
	// Poor quality on a huge file (4 MiB base scaled to 1 MiB) must not
	// produce something below the 64 KiB floor.
	got := ScaledChunkSize(500*1024*1024, Poor)
	if got < 64*1024 {
		t.Fatalf("ScaledChunkSize floor violated: %d", got)
	}
	// Excellent quality on a huge file (4 MiB base scaled to 8 MiB) must
	// not exceed the 10 MiB ceiling.
	got = ScaledChunkSize(500*1024*1024, Excellent)
	if got > 10*1024*1024 {
		t.Fatalf("ScaledChunkSize ceiling violated: %d", got)
	}
}

func TestRetrySchedule(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second}, // clamped to max
	}
	for _, tc := range cases {
		if got := RetrySchedule(tc.retry); got != tc.want {
			t.Errorf("RetrySchedule(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestWindowSizeDefault(t *testing.T) {
	if WindowSize() != 3 {
		t.Fatalf("WindowSize() = %d, want 3", WindowSize())
	}
}
