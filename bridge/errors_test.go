// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bridge

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	const kind = ErrorKind("something broke")
	err := NewError(kind, "details")
	if !errors.Is(err, kind) {
		t.Fatal("errors.Is failed on a direct wrap")
	}
	// Kinds survive further %w wrapping.
	wrapped := fmt.Errorf("outer context: %w", err)
	if !errors.Is(wrapped, kind) {
		t.Fatal("errors.Is failed through a %w chain")
	}
	if errors.Is(wrapped, ErrorKind("some other kind")) {
		t.Fatal("errors.Is matched the wrong kind")
	}
	if want := "something broke: details"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestStaticAuth(t *testing.T) {
	auth := NewStaticAuth()
	if auth.HasRole("alice", RoleAdmin) {
		t.Fatal("empty auth granted a role")
	}
	auth.Grant("alice", RoleAdmin)
	auth.Grant("alice", RoleWatchdog)
	if !auth.HasRole("alice", RoleAdmin) || !auth.HasRole("alice", RoleWatchdog) {
		t.Fatal("granted roles not reported")
	}
	if auth.HasRole("alice", RoleAttester) {
		t.Fatal("ungranted role reported")
	}
	auth.Revoke("alice", RoleAdmin)
	if auth.HasRole("alice", RoleAdmin) {
		t.Fatal("revoked role still reported")
	}
	if !auth.HasRole("alice", RoleWatchdog) {
		t.Fatal("revocation clobbered an unrelated role")
	}
}
