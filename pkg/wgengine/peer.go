package wgengine

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/wisbric/loom/pkg/wgkey"
)

// PathType describes which transport currently carries a peer's traffic.
type PathType string

const (
	PathDERP   PathType = "derp"
	PathDirect PathType = "direct"
)

// PeerConfig is the configuration the tunnel manager / internal SSE stream
// hands the engine when adding a peer (spec §4.5).
type PeerConfig struct {
	PublicKey         wgkey.PublicKey
	AllowedIP         netip.Addr
	DirectEndpoint    netip.AddrPort // zero value if unknown
	DERPRegion        int            // 0 if none
	KeepaliveInterval time.Duration  // 0 disables keepalives
}

// peer is the engine's live per-peer state. path, lastDirectRecv, and
// lastProbeSent are accessed by the recv/send/timer loops concurrently and
// are therefore atomics or guarded by Engine.mu, never both.
type peer struct {
	cfg PeerConfig

	path           atomic.Value // PathType
	lastDirectRecv atomic.Int64 // unix nanos
	lastProbeSent  atomic.Int64 // unix nanos
	directEndpoint atomic.Value // netip.AddrPort

	lastHandshake atomic.Int64 // unix nanos, 0 if never
}

func newPeer(cfg PeerConfig) *peer {
	p := &peer{cfg: cfg}
	if cfg.DERPRegion != 0 {
		p.path.Store(PathDERP)
	} else {
		p.path.Store(PathDirect)
	}
	if cfg.DirectEndpoint.IsValid() {
		p.directEndpoint.Store(cfg.DirectEndpoint)
	}
	return p
}

func (p *peer) currentPath() PathType {
	v, _ := p.path.Load().(PathType)
	if v == "" {
		return PathDERP
	}
	return v
}

func (p *peer) endpoint() (netip.AddrPort, bool) {
	v, ok := p.directEndpoint.Load().(netip.AddrPort)
	return v, ok && v.IsValid()
}

func (p *peer) lastHandshakeTime() *time.Time {
	ns := p.lastHandshake.Load()
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns)
	return &t
}
