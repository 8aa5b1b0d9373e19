package xferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{ProtocolViolation, 400},
		{ValidationFailure, 422},
		{ResourceExhaustion, 429},
		{Timeout, 503},
		{ConversionFailure, 500},
		{StorageFailure, 507},
	}
	for _, tc := range cases {
		if got := tc.kind.Code(); got != tc.want {
			t.Errorf("%s.Code() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWrappedPredicates(t *testing.T) {
	base := New("write_chunk", StorageFailure, errors.New("disk full"))
	wrapped := fmt.Errorf("session abc: %w", base)

	if !IsStorageFailure(wrapped) {
		t.Error("expected IsStorageFailure to see through fmt.Errorf wrap")
	}
	if IsTimeout(wrapped) {
		t.Error("did not expect IsTimeout to match")
	}
	if Code(wrapped) != 507 {
		t.Errorf("Code() = %d, want 507", Code(wrapped))
	}
}

func TestCodeDefaultsWhenUntyped(t *testing.T) {
	if Code(errors.New("plain")) != 500 {
		t.Error("expected default code 500 for untyped error")
	}
}
