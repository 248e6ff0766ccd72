package wgengine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
)

// derpSentinelIP marks an endpoint as "route via DERP, not UDP": it is
// never a dialable address, just a lookup key the device's Endpoint
// machinery can carry around for a peer that has no known direct endpoint
// yet (spec §4.5: a newly added peer with a DERP region starts on that
// relay until a direct path is learned).
var derpSentinelIP = netip.AddrFrom4([4]byte{0, 0, 0, 0})

// bind wraps the stock UDP conn.Bind with DERP relay fallback. Send picks
// direct UDP or the owning peer's DERP session based on that peer's
// current path (spec §4.5); everything else (socket lifecycle, port
// binding, batching) is delegated to the real implementation.
type bind struct {
	conn.Bind
	e *Engine

	mu         sync.RWMutex
	byEndpoint map[netip.AddrPort]*peer
}

func newBind(e *Engine) *bind {
	return &bind{
		Bind:       conn.NewStdNetBind(),
		e:          e,
		byEndpoint: make(map[netip.AddrPort]*peer),
	}
}

// endpointFor computes the wire endpoint the device should associate with
// this peer: its known direct address if any, else the DERP sentinel
// carrying the region so Send can find the right relay session.
func endpointFor(cfg PeerConfig) netip.AddrPort {
	if cfg.DirectEndpoint.IsValid() {
		return cfg.DirectEndpoint
	}
	return netip.AddrPortFrom(derpSentinelIP, uint16(cfg.DERPRegion))
}

func (b *bind) track(ep netip.AddrPort, p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byEndpoint[ep] = p
}

func (b *bind) untrack(ep netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byEndpoint, ep)
}

func (b *bind) peerFor(ep conn.Endpoint) *peer {
	addr, err := netip.ParseAddrPort(ep.DstToString())
	if err != nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byEndpoint[addr]
}

// Send routes each outbound buffer over the peer's current path. Endpoints
// the engine hasn't tracked (not added via AddPeer) fall through to plain
// UDP so handshake-time device behavior is unaffected.
func (b *bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	p := b.peerFor(ep)
	if p == nil || p.currentPath() == PathDirect {
		return b.Bind.Send(bufs, ep)
	}

	b.e.mu.RLock()
	sess, ok := b.e.derp[p.cfg.DERPRegion]
	b.e.mu.RUnlock()
	if !ok {
		return b.Bind.Send(bufs, ep)
	}

	for _, buf := range bufs {
		if err := sess.Send(context.Background(), p.cfg.PublicKey, buf); err != nil {
			return fmt.Errorf("derp send to region %d: %w", p.cfg.DERPRegion, err)
		}
	}
	return nil
}
