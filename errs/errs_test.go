package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestTimeoutErrorMatchesSentinelRegardlessOfKind(t *testing.T) {
	for _, kind := range []TimeoutKind{WaitLock, WaitDrain} {
		err := NewTimeout(kind)
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("NewTimeout(%v) does not match ErrTimeout via errors.Is", kind)
		}
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("NewTimeout(%v) does not unwrap to *TimeoutError", kind)
		}
		if te.Kind != kind {
			t.Errorf("Kind = %v, want %v", te.Kind, kind)
		}
	}
}

func TestTimeoutErrorDoesNotMatchUnrelatedSentinels(t *testing.T) {
	err := NewTimeout(WaitLock)
	if errors.Is(err, ErrNotReady) {
		t.Errorf("timeout error incorrectly matched ErrNotReady")
	}
}

func TestWrappedSentinelsStillMatch(t *testing.T) {
	wrapped := fmt.Errorf("attach: %w", ErrSchemaMismatch)
	if !errors.Is(wrapped, ErrSchemaMismatch) {
		t.Errorf("wrapped sentinel did not match via errors.Is")
	}
}

func TestTimeoutKindString(t *testing.T) {
	cases := map[TimeoutKind]string{
		WaitLock:       "wait-lock",
		WaitDrain:      "wait-drain",
		TimeoutKind(9): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("TimeoutKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
