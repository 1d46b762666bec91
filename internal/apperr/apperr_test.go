package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	base := NotFound("notes.get", "missing", errors.New("record not found"))
	wrapped := fmt.Errorf("loading note: %w", base)

	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("expected not_found, got %s", KindOf(wrapped))
	}
	if CodeOf(wrapped) != "notes.get.missing" {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatalf("expected Is to match kind")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("foreign errors must classify as internal")
	}
	if Is(nil, KindInternal) {
		t.Fatalf("nil error must not match any kind")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Conflict("users.put", "username_taken", errors.New("alice"))
	if err.Error() != "users.put.username_taken: alice" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	bare := Unauthenticated("auth.login", "invalid_credentials", nil)
	if bare.Error() != "auth.login.invalid_credentials" {
		t.Fatalf("unexpected bare message %q", bare.Error())
	}
}
