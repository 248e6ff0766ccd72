package wgkey

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// Typed opaque IDs. Session and Device IDs use UUIDv7 so that their natural
// sort order tracks creation time (index locality for the hot session/device
// tables); Org and User IDs use UUIDv4 since they are looked up by value, not
// range-scanned (spec §4.1).

type DeviceID struct{ uuid.UUID }
type SessionID struct{ uuid.UUID }
type WeaverID struct{ uuid.UUID }
type OrgID struct{ uuid.UUID }
type UserID struct{ uuid.UUID }

// NewDeviceID, NewSessionID, NewWeaverID mint time-ordered v7 IDs.
func NewDeviceID() (DeviceID, error) {
	id, err := uuid.NewV7()
	return DeviceID{id}, err
}

func NewSessionID() (SessionID, error) {
	id, err := uuid.NewV7()
	return SessionID{id}, err
}

func NewWeaverID() (WeaverID, error) {
	id, err := uuid.NewV7()
	return WeaverID{id}, err
}

// NewOrgID and NewUserID mint random v4 IDs.
func NewOrgID() OrgID   { return OrgID{uuid.New()} }
func NewUserID() UserID { return UserID{uuid.New()} }

func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	return DeviceID{id}, err
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	return SessionID{id}, err
}

func ParseWeaverID(s string) (WeaverID, error) {
	id, err := uuid.Parse(s)
	return WeaverID{id}, err
}

func ParseOrgID(s string) (OrgID, error) {
	id, err := uuid.Parse(s)
	return OrgID{id}, err
}

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	return UserID{id}, err
}

func (d DeviceID) String() string  { return d.UUID.String() }
func (s SessionID) String() string { return s.UUID.String() }
func (w WeaverID) String() string  { return w.UUID.String() }
func (o OrgID) String() string     { return o.UUID.String() }
func (u UserID) String() string    { return u.UUID.String() }

// Value/Scan implementations let every typed ID be used directly as a pgx
// query argument/scan target without an explicit .UUID unwrap at every call
// site.

func (d DeviceID) Value() (driver.Value, error)  { return d.UUID.String(), nil }
func (s SessionID) Value() (driver.Value, error) { return s.UUID.String(), nil }
func (w WeaverID) Value() (driver.Value, error)  { return w.UUID.String(), nil }
func (o OrgID) Value() (driver.Value, error)     { return o.UUID.String(), nil }
func (u UserID) Value() (driver.Value, error)    { return u.UUID.String(), nil }

func (d *DeviceID) Scan(src any) error  { return scanUUID(&d.UUID, src) }
func (s *SessionID) Scan(src any) error { return scanUUID(&s.UUID, src) }
func (w *WeaverID) Scan(src any) error  { return scanUUID(&w.UUID, src) }
func (o *OrgID) Scan(src any) error     { return scanUUID(&o.UUID, src) }
func (u *UserID) Scan(src any) error    { return scanUUID(&u.UUID, src) }

func scanUUID(dst *uuid.UUID, src any) error {
	switch v := src.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*dst = id
		return nil
	case [16]byte:
		*dst = uuid.UUID(v)
		return nil
	case nil:
		*dst = uuid.Nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into typed UUID", src)
	}
}
