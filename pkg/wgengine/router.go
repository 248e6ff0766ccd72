package wgengine

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/wisbric/loom/pkg/wgkey"
)

// router is a simple destination-IPv6 → peer-public-key map (spec §4.5
// "Routing"). Behavior grounded on the upgrade/routing semantics of the
// original Rust router: reassigning an IP to a different peer is logged and
// overwritten rather than treated as an error, since allocator reuse after
// release is itself not an error case the router needs to reject.
type router struct {
	mu     sync.RWMutex
	routes map[netip.Addr]wgkey.PublicKey
	log    *slog.Logger
}

func newRouter(logger *slog.Logger) *router {
	return &router{routes: make(map[netip.Addr]wgkey.PublicKey), log: logger}
}

// Add maps dest to pubKey. If dest was already routed to a different peer,
// the prior mapping is logged and replaced (spec §4.5: "treated as
// reassignment, not as duplicate").
func (r *router) Add(dest netip.Addr, pubKey wgkey.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.routes[dest]; ok && existing != pubKey {
		if r.log != nil {
			r.log.Warn("wgengine: route reassigned",
				"dest", dest.String(), "from", existing.String(), "to", pubKey.String())
		}
	}
	r.routes[dest] = pubKey
}

// Remove deletes dest's route if it currently points at pubKey. A removal
// for a stale (dest, pubKey) pair that no longer matches (because the
// route was already reassigned) is a no-op, not an error.
func (r *router) Remove(dest netip.Addr, pubKey wgkey.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[dest]; ok && existing == pubKey {
		delete(r.routes, dest)
	}
}

// Lookup resolves dest to the peer public key currently responsible for it.
func (r *router) Lookup(dest netip.Addr) (wgkey.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.routes[dest]
	return key, ok
}
