// Package tunnel is the CLI-facing wrapper around pkg/wgengine (spec §4.6):
// start the engine, add/remove weaver peers as sessions come and go, report
// status, and shut everything down cleanly including server-side session
// cleanup.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/wisbric/loom/pkg/derpmap"
	"github.com/wisbric/loom/pkg/wgengine"
	"github.com/wisbric/loom/pkg/wgkey"
)

// weaverKeepalive matches the session-create contract (spec §4.6):
// persistent-keepalive = 25s for every weaver peer.
const weaverKeepalive = 25 * time.Second

// ServerClient is the narrow slice of the control-plane API the tunnel
// manager needs: deleting a session when a weaver is removed or the tunnel
// shuts down.
type ServerClient interface {
	DeleteSession(ctx context.Context, sessionID wgkey.SessionID) error
}

// SessionInfo is what a session-create response hands the tunnel manager:
// enough to add a WireGuard peer and, later, tear the session down.
type SessionInfo struct {
	SessionID  wgkey.SessionID
	WeaverID   wgkey.WeaverID
	WeaverKey  wgkey.PublicKey
	WeaverIP   netip.Addr
	DERPRegion int
}

// Config is what Start needs to bring the engine up.
type Config struct {
	PrivateKey wgkey.PrivateKey
	LocalIP    netip.Addr
	ListenPort uint16
	HomeRegion int
	NewDERP    func(region int) (wgengine.DERPSession, error)
	Server     ServerClient
	Logger     *slog.Logger
}

// Manager is the client-side tunnel: one engine, the set of weaver peers
// currently attached to it, and the server client used to clean up sessions.
type Manager struct {
	logger  *slog.Logger
	server  ServerClient
	localIP netip.Addr

	mu       sync.Mutex
	engine   *wgengine.Engine
	sessions map[wgkey.WeaverID]SessionInfo
}

// New constructs a Manager without starting anything. Call Start to bring
// the engine up.
func New(server ServerClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		server:   server,
		sessions: make(map[wgkey.WeaverID]SessionInfo),
	}
}

// Start spawns the engine's three loops (spec §4.6 "start(config)").
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine != nil {
		return fmt.Errorf("tunnel already started")
	}

	eng, err := wgengine.New(wgengine.Config{
		PrivateKey: cfg.PrivateKey,
		LocalIP:    cfg.LocalIP,
		ListenPort: cfg.ListenPort,
		HomeRegion: cfg.HomeRegion,
		NewDERP:    cfg.NewDERP,
		Logger:     m.logger,
	})
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	eng.Start(ctx)

	m.engine = eng
	m.localIP = cfg.LocalIP
	return nil
}

// AddWeaver parses the session-create response and adds the weaver as a
// peer, allowed-ip = the weaver's assigned IPv6, persistent-keepalive = 25s
// (spec §4.6 "add_weaver(session)").
func (m *Manager) AddWeaver(info SessionInfo) error {
	m.mu.Lock()
	eng := m.engine
	m.mu.Unlock()
	if eng == nil {
		return fmt.Errorf("tunnel not started")
	}

	err := eng.AddPeer(wgengine.PeerConfig{
		PublicKey:         info.WeaverKey,
		AllowedIP:         info.WeaverIP,
		DERPRegion:        info.DERPRegion,
		KeepaliveInterval: weaverKeepalive,
	})
	if err != nil {
		return fmt.Errorf("adding weaver peer: %w", err)
	}

	m.mu.Lock()
	m.sessions[info.WeaverID] = info
	m.mu.Unlock()
	return nil
}

// RemoveWeaver removes the peer locally and deletes the session on the
// server (spec §4.6 "remove_weaver(id)").
func (m *Manager) RemoveWeaver(ctx context.Context, weaverID wgkey.WeaverID) error {
	m.mu.Lock()
	eng := m.engine
	info, ok := m.sessions[weaverID]
	delete(m.sessions, weaverID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if eng != nil {
		if err := eng.RemovePeer(info.WeaverKey); err != nil {
			m.logger.Warn("tunnel: removing peer from engine failed", "weaver_id", weaverID.String(), "error", err)
		}
	}
	if m.server == nil {
		return nil
	}
	return m.server.DeleteSession(ctx, info.SessionID)
}

// PeerStatus is one entry of Status's peer list (spec §4.6
// "{weaver-id, ip, path-type, last-handshake?}").
type PeerStatus struct {
	WeaverID      string
	IP            netip.Addr
	Path          string
	LastHandshake *time.Time
}

// Status is the tunnel's reported state (spec §4.6 "{running, our-ip, [...]}")
type Status struct {
	Running bool
	OurIP   netip.Addr
	Peers   []PeerStatus
}

// Status reports whether the engine is running, the client's own address,
// and per-weaver path/handshake state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	eng := m.engine
	ourIP := m.localIP
	byPubKey := make(map[string]wgkey.WeaverID, len(m.sessions))
	for wid, info := range m.sessions {
		byPubKey[info.WeaverKey.Base64()] = wid
	}
	m.mu.Unlock()

	st := Status{Running: eng != nil, OurIP: ourIP}
	if eng == nil {
		return st
	}
	for _, ps := range eng.Status() {
		wid, ok := byPubKey[ps.WeaverPublicKey]
		if !ok {
			continue
		}
		st.Peers = append(st.Peers, PeerStatus{
			WeaverID:      wid.String(),
			IP:            ps.IP,
			Path:          string(ps.Path),
			LastHandshake: ps.LastHandshake,
		})
	}
	return st
}

// Shutdown signals the engine's loops to stop and deletes every attached
// session on the server (spec §4.6 "shutdown()").
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	eng := m.engine
	sessions := make([]SessionInfo, 0, len(m.sessions))
	for _, info := range m.sessions {
		sessions = append(sessions, info)
	}
	m.sessions = make(map[wgkey.WeaverID]SessionInfo)
	m.engine = nil
	m.mu.Unlock()

	if m.server != nil {
		for _, info := range sessions {
			if err := m.server.DeleteSession(ctx, info.SessionID); err != nil {
				m.logger.Warn("tunnel: deleting session during shutdown failed",
					"session_id", info.SessionID.String(), "error", err)
			}
		}
	}

	if eng == nil {
		return nil
	}
	return eng.Close()
}

// LoadDERPMap is a thin wrapper that fetches the current DERP map through f.
func LoadDERPMap(ctx context.Context, f *derpmap.Fetcher) (derpmap.Map, error) {
	return f.Fetch(ctx)
}
