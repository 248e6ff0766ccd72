// Package wgengine owns a userspace WireGuard device and the three
// cooperative loops (recv, send, timer) that drive it, with a DERP relay
// fallback and direct-path upgrade probing layered in at the transport
// level (spec §4.5). The actual WireGuard protocol state machine — the
// Noise handshake, session ratchet, and packet encryption — is an external
// collaborator: golang.zx2c4.com/wireguard/device.Device. This engine is
// the thin shell the spec's design notes call for: it owns peer/path
// state and implements conn.Bind so the device's transport is "direct UDP,
// or DERP when that's unreachable" instead of plain UDP.
package wgengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/wisbric/loom/internal/telemetry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Config is the engine's initial configuration (spec §4.5): one private
// key, one local IPv6 address, a listen port, a home DERP region, and a
// factory for DERP sessions.
type Config struct {
	PrivateKey  wgkey.PrivateKey
	LocalIP     netip.Addr
	ListenPort  uint16
	HomeRegion  int
	NewDERP     func(region int) (DERPSession, error)
	Logger      *slog.Logger
}

// PeerStatus mirrors what pkg/tunnel's Status() reports per peer (spec §4.6).
type PeerStatus struct {
	WeaverPublicKey string
	IP              netip.Addr
	Path            PathType
	LastHandshake   *time.Time
}

// Engine owns one userspace WireGuard device. recv/send/timer all take
// Engine.mu only to mutate peer tables and step shared state (spec §5); the
// bulk of steady-state packet flow runs lock-free per peer via atomics.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[wgkey.PublicKey]*peer
	router *router
	derp   map[int]DERPSession

	dev  *device.Device
	tund tun.Device
	b    *bind

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the engine and brings up the underlying WireGuard device.
// It does not start the recv/send/timer loops; call Start for that.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		peers:  make(map[wgkey.PublicKey]*peer),
		router: newRouter(cfg.Logger),
		derp:   make(map[int]DERPSession),
	}

	tund, err := tun.CreateTUN("loom0", device.DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("creating tun device: %w", err)
	}
	e.tund = tund

	e.b = newBind(e)
	logLevel := device.LogLevelError
	wgLogger := device.NewLogger(logLevel, "loom-engine: ")
	e.dev = device.NewDevice(tund, e.b, wgLogger)

	priv := cfg.PrivateKey.Expose()
	uapi := fmt.Sprintf("private_key=%x\nlisten_port=%d\n", priv, cfg.ListenPort)
	if err := e.dev.IpcSet(uapi); err != nil {
		return nil, fmt.Errorf("configuring device: %w", err)
	}

	if err := e.dev.Up(); err != nil {
		return nil, fmt.Errorf("bringing device up: %w", err)
	}

	if cfg.HomeRegion != 0 && cfg.NewDERP != nil {
		sess, err := cfg.NewDERP(cfg.HomeRegion)
		if err != nil {
			return nil, fmt.Errorf("connecting to DERP home region %d: %w", cfg.HomeRegion, err)
		}
		e.derp[cfg.HomeRegion] = sess
	}

	return e, nil
}

// Start spawns the recv, send, and timer loops. Start returns immediately;
// the loops run until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.recvLoop(ctx) }()
	go func() { defer e.wg.Done(); e.sendLoop(ctx) }()
	go func() { defer e.wg.Done(); e.timerLoop(ctx) }()
}

// Close stops all loops and tears down the device.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.RLock()
	for _, sess := range e.derp {
		_ = sess.Close()
	}
	e.mu.RUnlock()

	e.dev.Close()
	return e.tund.Close()
}

// AddPeer adds or replaces a peer's configuration and allowed-IP route
// (spec §4.5, §4.6).
func (e *Engine) AddPeer(cfg PeerConfig) error {
	pk := cfg.PublicKey.Bytes()
	keepalive := 0
	if cfg.KeepaliveInterval > 0 {
		keepalive = int(cfg.KeepaliveInterval.Seconds())
	}
	ep := endpointFor(cfg)
	uapi := fmt.Sprintf("public_key=%x\nallowed_ip=%s/128\npersistent_keepalive_interval=%d\nendpoint=%s\n",
		pk, cfg.AllowedIP.String(), keepalive, ep.String())
	if err := e.dev.IpcSet(uapi); err != nil {
		return fmt.Errorf("adding peer to device: %w", err)
	}

	p := newPeer(cfg)
	e.mu.Lock()
	e.peers[cfg.PublicKey] = p
	e.router.Add(cfg.AllowedIP, cfg.PublicKey)
	e.mu.Unlock()
	e.b.track(ep, p)

	if cfg.DERPRegion != 0 {
		if err := e.ensureDERP(cfg.DERPRegion); err != nil {
			e.logger.Warn("wgengine: connecting to peer's DERP region failed", "region", cfg.DERPRegion, "error", err)
		}
	}
	return nil
}

// RemovePeer tears down a peer's device entry and route.
func (e *Engine) RemovePeer(pub wgkey.PublicKey) error {
	pk := pub.Bytes()
	uapi := fmt.Sprintf("public_key=%x\nremove=true\n", pk)
	if err := e.dev.IpcSet(uapi); err != nil {
		return fmt.Errorf("removing peer from device: %w", err)
	}

	e.mu.Lock()
	if p, ok := e.peers[pub]; ok {
		e.router.Remove(p.cfg.AllowedIP, pub)
		e.b.untrack(endpointFor(p.cfg))
	}
	delete(e.peers, pub)
	e.mu.Unlock()
	return nil
}

// Status returns the current per-peer path and handshake state (spec §4.6).
func (e *Engine) Status() []PeerStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]PeerStatus, 0, len(e.peers))
	for pub, p := range e.peers {
		out = append(out, PeerStatus{
			WeaverPublicKey: pub.Base64(),
			IP:              p.cfg.AllowedIP,
			Path:            p.currentPath(),
			LastHandshake:   p.lastHandshakeTime(),
		})
	}
	return out
}

func (e *Engine) ensureDERP(region int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.derp[region]; ok {
		return nil
	}
	if e.cfg.NewDERP == nil {
		return fmt.Errorf("no DERP session factory configured")
	}
	sess, err := e.cfg.NewDERP(region)
	if err != nil {
		return err
	}
	e.derp[region] = sess
	return nil
}

func (e *Engine) peerByKey(pub wgkey.PublicKey) (*peer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.peers[pub]
	return p, ok
}

// recvLoop reads inbound datagrams from DERP sessions and feeds decrypted
// signal (path liveness, probe replies) back into peer state. The raw UDP
// receive side is driven by the device itself through the bind's
// ReceiveFuncs; this loop only handles the out-of-band DERP and probe
// traffic the device's own Noise state machine doesn't understand (spec
// §4.5 "Recv loop").
func (e *Engine) recvLoop(ctx context.Context) {
	for {
		e.mu.RLock()
		sessions := make([]DERPSession, 0, len(e.derp))
		for _, s := range e.derp {
			sessions = append(sessions, s)
		}
		e.mu.RUnlock()

		if len(sessions) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		for _, sess := range sessions {
			from, payload, err := sess.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			e.handleInbound(from, payload)
		}
	}
}

func (e *Engine) handleInbound(from wgkey.PublicKey, payload []byte) {
	if probePeer, ok := decodeProbe(payload); ok {
		e.handleProbe(probePeer)
		return
	}

	p, ok := e.peerByKey(from)
	if !ok {
		return
	}
	p.lastDirectRecv.Store(nowNanos())
}

// handleProbe handles a direct-path upgrade probe from a peer. It sends no
// reply: a probe that arrives within probeReplyWindow of our own last probe
// to that peer is taken as the response and marks the peer's path direct
// (spec §4.5).
func (e *Engine) handleProbe(from wgkey.PublicKey) {
	p, ok := e.peerByKey(from)
	if !ok {
		return
	}
	if time.Duration(nowNanos()-p.lastProbeSent.Load()) <= probeReplyWindow {
		p.path.Store(PathDirect)
		telemetry.DirectPathUpgradesTotal.Inc()
	}
}

// sendLoop dispatches outbound direct-path probes on the best known path
// for each peer (spec §4.5 "Send loop": the bind's Send is what chooses
// direct vs DERP for actual WireGuard ciphertext; this loop is specifically
// for probe packets, which ride outside the WG session).
func (e *Engine) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendDueProbes(ctx)
		}
	}
}

func (e *Engine) sendDueProbes(ctx context.Context) {
	now := nowNanos()
	e.mu.RLock()
	due := make([]*peer, 0)
	for _, p := range e.peers {
		if p.shouldProbe(now) {
			due = append(due, p)
		}
	}
	e.mu.RUnlock()

	for _, p := range due {
		ep, ok := p.endpoint()
		if !ok {
			continue
		}
		if err := e.sendProbe(ctx, ep); err != nil {
			e.logger.Debug("wgengine: probe send failed", "endpoint", ep.String(), "error", err)
			continue
		}
		p.lastProbeSent.Store(now)
	}
}

func (e *Engine) sendProbe(ctx context.Context, ep netip.AddrPort) error {
	conn, err := net.Dial("udp", ep.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	priv := e.cfg.PrivateKey
	pub, err := derivePublic(priv)
	if err != nil {
		return err
	}
	_, err = conn.Write(encodeProbe(pub))
	return err
}

// timerLoop drives keepalive/handshake bookkeeping (delegated to the
// device itself) and the direct-path fallback check: a peer that's gone
// quiet on the direct path for directIdleWindow falls back to DERP (spec
// §4.5 "Timer loop").
func (e *Engine) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkFallback()
		}
	}
}

func (e *Engine) checkFallback() {
	now := nowNanos()
	e.mu.RLock()
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.RUnlock()

	for _, p := range peers {
		if p.shouldFallBackToDERP(now) {
			p.path.Store(PathDERP)
			telemetry.DERPFallbacksTotal.Inc()
		}
	}
}

var _ conn.Bind = (*bind)(nil)
