// Package session implements the session broker (spec §4.3): the atomic
// create/delete of a client-to-weaver session, IP allocation, and the
// paired PeerAdded/PeerRemoved events that keep both sides' WireGuard
// engines in sync.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/pkg/abac"
	"github.com/wisbric/loom/pkg/derpmap"
	"github.com/wisbric/loom/pkg/ipalloc"
	"github.com/wisbric/loom/pkg/peernotify"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// CreateResult is what create_session returns to the caller (spec §4.3
// step 5): everything the client's tunnel manager needs to add the weaver
// as a peer.
type CreateResult struct {
	Session        registry.Session
	WeaverKey      wgkey.PublicKey
	WeaverIP       string
	DERPHomeRegion int
	DERPMap        derpmap.Map
}

// Broker implements create_session/delete_session and weaver-termination
// reaping (spec §4.3).
type Broker struct {
	pool    *pgxpool.Pool
	ips     *ipalloc.Allocator
	hub     *peernotify.Hub
	derpMap derpmap.Map
	abac    *abac.Engine
	logger  *slog.Logger
}

func New(pool *pgxpool.Pool, ips *ipalloc.Allocator, hub *peernotify.Hub, derpMap derpmap.Map, engine *abac.Engine, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{pool: pool, ips: ips, hub: hub, derpMap: derpMap, abac: engine, logger: logger}
}

// CreateSession runs the full create_session contract inside one
// transaction (spec §4.3): verify device/weaver, allocate a client IP,
// tear down any prior live session for this (device, weaver) pair first
// (the §9 tie-break: remove old before add new), insert the new row, and
// publish PeerAdded.
func (b *Broker) CreateSession(ctx context.Context, deviceID wgkey.DeviceID, weaverID wgkey.WeaverID) (CreateResult, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDeviceWeaverPair(ctx, tx, deviceID, weaverID); err != nil {
		return CreateResult{}, err
	}

	reg := registry.NewStore(tx)
	ips := b.ips.WithTx(tx)

	device, err := reg.GetDevice(ctx, deviceID)
	if err != nil {
		return CreateResult{}, apperr.NotFound("device_not_found", "device does not exist")
	}
	if device.Revoked() {
		return CreateResult{}, apperr.Forbidden("device_revoked", "device has been revoked")
	}

	weaver, err := reg.GetWeaver(ctx, weaverID)
	if err != nil {
		return CreateResult{}, apperr.NotFound("weaver_not_found", "weaver does not exist")
	}
	if weaver.Status != registry.WeaverRunning {
		return CreateResult{}, apperr.Conflict("weaver_not_running", "weaver is not in running status")
	}
	if !b.callerMayReachWeaver(ctx, weaver) {
		return CreateResult{}, apperr.Forbidden("forbidden", "not authorized for this weaver")
	}

	if err := b.removePriorSession(ctx, reg, ips, deviceID, weaverID); err != nil {
		return CreateResult{}, err
	}

	sessID, err := wgkey.NewSessionID()
	if err != nil {
		return CreateResult{}, fmt.Errorf("minting session id: %w", err)
	}

	clientIP, err := ips.Allocate(ctx, ipalloc.KindClient, sessID.String())
	if err != nil {
		return CreateResult{}, fmt.Errorf("allocating client ip: %w", err)
	}

	sess, err := reg.CreateSession(ctx, registry.Session{
		ID:       sessID,
		Device:   deviceID,
		Weaver:   weaverID,
		ClientIP: clientIP,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("committing session create: %w", err)
	}

	b.hub.Publish(weaverID, peernotify.Event{
		Type:      peernotify.EventPeerAdded,
		PublicKey: device.PublicKey,
		AllowedIP: clientIP.String(),
		SessionID: sessID,
	})

	return CreateResult{
		Session:        sess,
		WeaverKey:      weaver.PublicKey,
		WeaverIP:       weaver.AssignedIP.String(),
		DERPHomeRegion: weaver.DERPHomeRegion,
		DERPMap:        b.derpMap,
	}, nil
}

// callerMayReachWeaver enforces the same weaver ownership policy
// pkg/weaver/handler.go applies to GET/DELETE/logs (spec §4.3 step 1,
// §4.9 "Weaver: owner full access; support read-only; non-owners denied"):
// session creation mutates the weaver's peer set, so it takes ActionWrite,
// which support's read-only grant does not satisfy.
func (b *Broker) callerMayReachWeaver(ctx context.Context, weaver registry.Weaver) bool {
	id := auth.FromContext(ctx)
	if id == nil || id.UserID == nil {
		return false
	}
	subject := abac.SubjectFromIdentity(id, nil, nil)
	owner := weaver.OwnerUser.UUID
	resource := abac.ResourceAttrs{Type: abac.ResourceWeaver, OwnerUserID: &owner}
	return b.abac.IsAllowed(subject, abac.ActionWrite, resource, time.Now())
}

// removePriorSession deletes and releases any existing live session for
// this (device, weaver) pair and publishes PeerRemoved for it, strictly
// before the caller proceeds to create the new one (spec §9 tie-break).
func (b *Broker) removePriorSession(ctx context.Context, reg *registry.Store, ips *ipalloc.Allocator, deviceID wgkey.DeviceID, weaverID wgkey.WeaverID) error {
	prior, err := reg.GetSessionByDeviceWeaver(ctx, deviceID, weaverID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("checking for prior session: %w", err)
	}

	if _, err := reg.DeleteSession(ctx, prior.ID); err != nil {
		return fmt.Errorf("deleting prior session: %w", err)
	}
	if err := ips.Release(ctx, ipalloc.KindClient, prior.ID.String()); err != nil {
		return fmt.Errorf("releasing prior session ip: %w", err)
	}

	device, err := reg.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("reloading device for tie-break teardown: %w", err)
	}
	b.hub.Publish(weaverID, peernotify.Event{
		Type:      peernotify.EventPeerRemoved,
		PublicKey: device.PublicKey,
		SessionID: prior.ID,
	})
	return nil
}

// DeleteSession deletes the session row, releases its client IP, and
// publishes PeerRemoved (spec §4.3 "delete_session(id)").
func (b *Broker) DeleteSession(ctx context.Context, sessionID wgkey.SessionID) error {
	reg := registry.NewStore(b.pool)
	sess, err := reg.DeleteSession(ctx, sessionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return apperr.NotFound("session_not_found", "session does not exist")
		}
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := b.ips.Release(ctx, ipalloc.KindClient, sessionID.String()); err != nil {
		b.logger.Warn("session: releasing client ip failed", "session_id", sessionID.String(), "error", err)
	}

	device, err := reg.GetDevice(ctx, sess.Device)
	if err != nil {
		return fmt.Errorf("loading device for teardown event: %w", err)
	}
	b.hub.Publish(sess.Weaver, peernotify.Event{
		Type:      peernotify.EventPeerRemoved,
		PublicKey: device.PublicKey,
		SessionID: sessionID,
	})
	return nil
}

// ReapWeaver deletes every session attached to a terminated weaver and
// publishes PeerRemoved for each (spec §4.3 "If the weaver terminates, the
// broker reaps all its sessions").
func (b *Broker) ReapWeaver(ctx context.Context, weaverID wgkey.WeaverID) error {
	reg := registry.NewStore(b.pool)
	sessions, err := reg.ListSessionsByWeaver(ctx, weaverID)
	if err != nil {
		return fmt.Errorf("listing sessions for reap: %w", err)
	}
	for _, sess := range sessions {
		if err := b.DeleteSession(ctx, sess.ID); err != nil {
			b.logger.Warn("session: reaping session failed", "session_id", sess.ID.String(), "error", err)
		}
	}
	return nil
}

// ReapDevice forcibly closes every live session belonging to a revoked
// device (spec §3 invariant: "revoked devices cannot create new sessions
// and existing sessions are forcibly closed").
func (b *Broker) ReapDevice(ctx context.Context, deviceID wgkey.DeviceID) (int, error) {
	reg := registry.NewStore(b.pool)
	sessions, err := reg.ListSessionsByDevice(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("listing sessions for device reap: %w", err)
	}
	closed := 0
	for _, sess := range sessions {
		if err := b.DeleteSession(ctx, sess.ID); err != nil {
			b.logger.Warn("session: reaping revoked-device session failed", "session_id", sess.ID.String(), "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// lockDeviceWeaverPair serializes concurrent create_session calls for the
// same (device, weaver) pair within this transaction, so the tie-break's
// "remove old before add new" read-then-write is never raced by a second
// caller (spec §9).
func lockDeviceWeaverPair(ctx context.Context, tx pgx.Tx, deviceID wgkey.DeviceID, weaverID wgkey.WeaverID) error {
	h := fnv.New64a()
	h.Write([]byte(deviceID.String()))
	h.Write([]byte(weaverID.String()))
	key := int64(h.Sum64())
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	if err != nil {
		return fmt.Errorf("acquiring session create lock: %w", err)
	}
	return nil
}
