package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	base := New(CodeStoreNotFound, "row missing")
	wrapped := fmt.Errorf("load character: %w", base)

	if !errors.Is(wrapped, New(CodeStoreNotFound, "different message")) {
		t.Fatal("expected code match through wrapping")
	}
	if errors.Is(wrapped, New(CodeStoreRequestFailed, "row missing")) {
		t.Fatal("expected mismatch for different code")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "domain error",
			err:  New(CodeBootTimeout, "boot timed out"),
			want: CodeBootTimeout,
		},
		{
			name: "wrapped domain error",
			err:  fmt.Errorf("init: %w", New(CodeBootLockHeld, "lock held")),
			want: CodeBootLockHeld,
		},
		{
			name: "plain error",
			err:  errors.New("plain"),
			want: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Fatalf("GetCode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeStoreRequestFailed, "update row", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeSheetInvalidScore, -22},
		{CodeStoreNotFound, -2},
		{CodeBootLockHeld, -16},
		{CodeBootTimeout, -11},
		{CodeStoreRequestFailed, -5},
		{CodeUnknown, -5},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Errno(); got != tt.want {
				t.Fatalf("Errno(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestGetMetadata(t *testing.T) {
	err := WithMetadata(CodeSheetUnknownSkill, "unknown skill", map[string]string{"skill": "basket weaving"})
	meta := GetMetadata(fmt.Errorf("calc: %w", err))
	if meta["skill"] != "basket weaving" {
		t.Fatalf("expected metadata passthrough, got %v", meta)
	}
	if GetMetadata(errors.New("plain")) != nil {
		t.Fatal("expected nil metadata for plain error")
	}
}
