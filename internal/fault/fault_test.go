package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(NotFound, "plan %s missing", "plan_ab12cd34")
	if got := KindOf(err); got != NotFound {
		t.Errorf("KindOf = %s, want %s", got, NotFound)
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if got := KindOf(wrapped); got != NotFound {
		t.Errorf("KindOf through fmt wrap = %s, want %s", got, NotFound)
	}

	if got := KindOf(errors.New("plain")); got != Internal {
		t.Errorf("unclassified KindOf = %s, want %s", got, Internal)
	}

	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Internal, nil, "should vanish"); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IntegrityError, cause, "writing plan record")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if !IsKind(err, IntegrityError) {
		t.Error("IsKind should see IntegrityError")
	}
	if IsKind(err, NotFound) {
		t.Error("IsKind should not match a different kind")
	}
}

func TestMessageHidesCause(t *testing.T) {
	err := Wrap(DependencyUnavailable, errors.New("dial tcp: connection refused"), "embedding service unreachable")
	if got := Message(err); got != "embedding service unreachable" {
		t.Errorf("Message = %q, want client-safe message only", got)
	}
}
