package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("disk gone")

	testCases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", base, ""},
		{"direct", E(NotFound, "get", "session missing"), NotFound},
		{"wrapped", Wrap(PersistenceFailure, "upsert", base), PersistenceFailure},
		{"wrapped twice", fmt.Errorf("outer: %w", E(Conflict, "cas", "lost race")), Conflict},
		{"nil", nil, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("Expected kind %q, got %q", tc.want, got)
			}
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("context: %w", E(Forbidden, "start", "not a manager"))

	if !errors.Is(err, &Error{Kind: Forbidden}) {
		t.Error("Expected errors.Is to match on kind")
	}
	if errors.Is(err, &Error{Kind: NotFound}) {
		t.Error("Expected errors.Is not to match a different kind")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrap(PersistenceFailure, "progress.write", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped cause to be reachable")
	}
	if got := err.Error(); got != "progress.write: persistence_failure: timeout" {
		t.Errorf("Unexpected message %q", got)
	}
}
