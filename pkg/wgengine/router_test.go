package wgengine

import (
	"net/netip"
	"testing"

	"github.com/wisbric/loom/pkg/wgkey"
)

func mustPublicKey(t *testing.T) wgkey.PublicKey {
	t.Helper()
	kp, err := wgkey.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp.Public
}

func TestRouterAddLookup(t *testing.T) {
	r := newRouter(nil)
	dest := netip.MustParseAddr("fd7a:115c:a1e0:2::1")
	key := mustPublicKey(t)

	r.Add(dest, key)
	got, ok := r.Lookup(dest)
	if !ok || got != key {
		t.Fatalf("Lookup() = %v, %v; want %v, true", got, ok, key)
	}
}

func TestRouterReassignmentOverwrites(t *testing.T) {
	r := newRouter(nil)
	dest := netip.MustParseAddr("fd7a:115c:a1e0:2::1")
	key1 := mustPublicKey(t)
	key2 := mustPublicKey(t)

	r.Add(dest, key1)
	r.Add(dest, key2)

	got, ok := r.Lookup(dest)
	if !ok || got != key2 {
		t.Fatalf("expected reassignment to key2, got %v, %v", got, ok)
	}
}

func TestRouterRemoveStaleIsNoop(t *testing.T) {
	r := newRouter(nil)
	dest := netip.MustParseAddr("fd7a:115c:a1e0:2::1")
	key1 := mustPublicKey(t)
	key2 := mustPublicKey(t)

	r.Add(dest, key1)
	r.Add(dest, key2) // reassigned

	r.Remove(dest, key1) // stale removal must not affect key2's route

	got, ok := r.Lookup(dest)
	if !ok || got != key2 {
		t.Fatalf("stale Remove() affected current route: got %v, %v", got, ok)
	}
}
