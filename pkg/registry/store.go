package registry

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/loom/internal/db"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Store provides raw-SQL persistence for devices, weavers, and sessions.
// Every method accepts a db.DBTX so callers can run it inside a
// transaction (the session broker's create/delete are each a single
// transaction, per spec §4.3).
type Store struct {
	db db.DBTX
}

func NewStore(dbtx db.DBTX) *Store { return &Store{db: dbtx} }

// WithTx returns a Store bound to an in-flight transaction.
func (s *Store) WithTx(tx db.DBTX) *Store { return &Store{db: tx} }

const deviceColumns = `id, owner_user_id, public_key, name, created_at, last_seen, revoked_at`

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	var pub string
	if err := row.Scan(&d.ID, &d.OwnerUser, &pub, &d.Name, &d.CreatedAt, &d.LastSeen, &d.RevokedAt); err != nil {
		return Device{}, err
	}
	key, err := wgkey.ParsePublicKey(pub)
	if err != nil {
		return Device{}, fmt.Errorf("parsing device public key: %w", err)
	}
	d.PublicKey = key
	return d, nil
}

// CreateDevice registers a device for a (user, public key) pair. Idempotent
// at the caller's discretion — the unique index on (owner_user_id,
// public_key) makes a duplicate enrollment a conflict the handler maps to
// apperr.AlreadyExists.
func (s *Store) CreateDevice(ctx context.Context, owner wgkey.UserID, pub wgkey.PublicKey, name string) (Device, error) {
	id, err := wgkey.NewDeviceID()
	if err != nil {
		return Device{}, fmt.Errorf("minting device id: %w", err)
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO devices (id, owner_user_id, public_key, name, created_at)
		 VALUES ($1, $2, $3, $4, now())
		 RETURNING `+deviceColumns,
		id, owner, pub.Base64(), name)
	return scanDevice(row)
}

func (s *Store) GetDevice(ctx context.Context, id wgkey.DeviceID) (Device, error) {
	row := s.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

func (s *Store) ListDevicesByOwner(ctx context.Context, owner wgkey.UserID) ([]Device, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_user_id = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RevokeDevice marks a device revoked. It does not delete the row (spec §3:
// "A device may be revoked but not deleted").
func (s *Store) RevokeDevice(ctx context.Context, id wgkey.DeviceID) error {
	tag, err := s.db.Exec(ctx, `UPDATE devices SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) TouchDeviceLastSeen(ctx context.Context, id wgkey.DeviceID) error {
	_, err := s.db.Exec(ctx, `UPDATE devices SET last_seen = now() WHERE id = $1`, id)
	return err
}

const weaverColumns = `id, public_key, assigned_ip, derp_home_region, endpoint, created_at, last_seen,
	status, owner_user_id, org_id, repo_id, image, tags, ttl_hours, pod_name`

func scanWeaver(row pgx.Row) (Weaver, error) {
	var w Weaver
	var pub, ip string
	if err := row.Scan(&w.ID, &pub, &ip, &w.DERPHomeRegion, &w.Endpoint, &w.CreatedAt, &w.LastSeen,
		&w.Status, &w.OwnerUser, &w.Org, &w.RepoID, &w.Image, &w.Tags, &w.TTLHours, &w.PodName); err != nil {
		return Weaver{}, err
	}
	key, err := wgkey.ParsePublicKey(pub)
	if err != nil {
		return Weaver{}, fmt.Errorf("parsing weaver public key: %w", err)
	}
	w.PublicKey = key
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Weaver{}, fmt.Errorf("parsing weaver ip: %w", err)
	}
	w.AssignedIP = addr
	return w, nil
}

// CreateWeaver inserts a new weaver row in Pending status.
func (s *Store) CreateWeaver(ctx context.Context, w Weaver) (Weaver, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO weavers (id, public_key, assigned_ip, derp_home_region, endpoint, created_at,
			status, owner_user_id, org_id, repo_id, image, tags, ttl_hours, pod_name)
		 VALUES ($1,$2,$3,$4,$5,now(),$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING `+weaverColumns,
		w.ID, w.PublicKey.Base64(), w.AssignedIP.String(), w.DERPHomeRegion, w.Endpoint,
		w.Status, w.OwnerUser, w.Org, w.RepoID, w.Image, w.Tags, w.TTLHours, w.PodName)
	return scanWeaver(row)
}

func (s *Store) GetWeaver(ctx context.Context, id wgkey.WeaverID) (Weaver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+weaverColumns+` FROM weavers WHERE id = $1`, id)
	return scanWeaver(row)
}

func (s *Store) ListWeaversByOrg(ctx context.Context, org wgkey.OrgID) ([]Weaver, error) {
	rows, err := s.db.Query(ctx, `SELECT `+weaverColumns+` FROM weavers WHERE org_id = $1 ORDER BY created_at DESC`, org)
	if err != nil {
		return nil, fmt.Errorf("listing weavers: %w", err)
	}
	defer rows.Close()
	var out []Weaver
	for rows.Next() {
		w, err := scanWeaver(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning weaver: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListRunningByOrg is used by the provisioner's quota check (spec §4.7 step 1).
func (s *Store) ListRunningByOrg(ctx context.Context, org wgkey.OrgID) ([]Weaver, error) {
	rows, err := s.db.Query(ctx, `SELECT `+weaverColumns+` FROM weavers WHERE org_id = $1 AND status = $2`,
		org, WeaverRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running weavers: %w", err)
	}
	defer rows.Close()
	var out []Weaver
	for rows.Next() {
		w, err := scanWeaver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListExpired returns weavers whose age exceeds their TTL or whose status
// is Failed, for the provisioner's periodic cleanup job (spec §4.7).
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]Weaver, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+weaverColumns+` FROM weavers
		 WHERE status NOT IN ($1, $2)
		 AND (status = $4 OR created_at + (ttl_hours * interval '1 hour') < $3)`,
		WeaverSucceeded, WeaverTerminating, now, WeaverFailed)
	if err != nil {
		return nil, fmt.Errorf("listing expired weavers: %w", err)
	}
	defer rows.Close()
	var out []Weaver
	for rows.Next() {
		w, err := scanWeaver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWeaverStatus(ctx context.Context, id wgkey.WeaverID, status WeaverStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE weavers SET status = $1, last_seen = now() WHERE id = $2`, status, id)
	return err
}

func (s *Store) DeleteWeaver(ctx context.Context, id wgkey.WeaverID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM weavers WHERE id = $1`, id)
	return err
}

const sessionColumns = `id, device_id, weaver_id, client_ip, created_at, last_handshake`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	var ip string
	if err := row.Scan(&sess.ID, &sess.Device, &sess.Weaver, &ip, &sess.CreatedAt, &sess.LastHandshake); err != nil {
		return Session{}, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Session{}, fmt.Errorf("parsing session client ip: %w", err)
	}
	sess.ClientIP = addr
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO sessions (id, device_id, weaver_id, client_ip, created_at)
		 VALUES ($1,$2,$3,$4,now())
		 RETURNING `+sessionColumns,
		sess.ID, sess.Device, sess.Weaver, sess.ClientIP.String())
	return scanSession(row)
}

func (s *Store) GetSession(ctx context.Context, id wgkey.SessionID) (Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) DeleteSession(ctx context.Context, id wgkey.SessionID) (Session, error) {
	row := s.db.QueryRow(ctx, `DELETE FROM sessions WHERE id = $1 RETURNING `+sessionColumns, id)
	return scanSession(row)
}

// GetSessionByDeviceWeaver finds a live session for a (device, weaver) pair,
// used by the broker's create-session tie-break (spec §4.3, §9). Returns
// pgx.ErrNoRows if none exists.
func (s *Store) GetSessionByDeviceWeaver(ctx context.Context, device wgkey.DeviceID, weaver wgkey.WeaverID) (Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1 AND weaver_id = $2`, device, weaver)
	return scanSession(row)
}

// ListSessionsByWeaver supports reaping on weaver termination (spec §4.3).
func (s *Store) ListSessionsByWeaver(ctx context.Context, weaver wgkey.WeaverID) ([]Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE weaver_id = $1`, weaver)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by weaver: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) TouchSessionHandshake(ctx context.Context, id wgkey.SessionID) error {
	_, err := s.db.Exec(ctx, `UPDATE sessions SET last_handshake = now() WHERE id = $1`, id)
	return err
}

// ListSessionsByDevice supports forcibly closing a revoked device's
// sessions (spec §3: "revoked devices cannot create new sessions and
// existing sessions are forcibly closed").
func (s *Store) ListSessionsByDevice(ctx context.Context, device wgkey.DeviceID) ([]Session, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1`, device)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by device: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListRevokedDevicesWithSessions returns revoked devices that still have at
// least one live session, the cleanup job's work list.
func (s *Store) ListRevokedDevicesWithSessions(ctx context.Context) ([]Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT `+deviceColumns+` FROM devices d
		 JOIN sessions s ON s.device_id = d.id
		 WHERE d.revoked_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing revoked devices with sessions: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
