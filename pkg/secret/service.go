package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/pkg/workloadid"
)

// Service encrypts/decrypts secret values with a single symmetric key
// (keyed by a configured id so rotation can be layered on later without
// changing the storage shape) and enforces the scope access rule (spec
// §4.8 steps 1-5).
type Service struct {
	store  *Store
	aead   chacha20poly1305.AEAD
	keyID  string
	logger *slog.Logger
}

// NewService builds a Service from a base64-encoded 32-byte master key
// (config.SecretKey) and the id that names it (config.SecretKeyID).
func NewService(store *Store, keyID, base64Key string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decoding secret master key: %w", err)
	}
	aead, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, fmt.Errorf("constructing secret cipher: %w", err)
	}
	return &Service{store: store, aead: aead, keyID: keyID, logger: logger}, nil
}

// Put encrypts value and appends it as a new version (spec §4.8 step 3).
func (s *Service) Put(ctx context.Context, scope Scope, req WriteRequest, createdBy uuid.UUID) (Secret, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Secret{}, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, []byte(req.Value), aadFor(scope, req.Name))
	return s.store.Put(ctx, scope, req.Name, createdBy, ciphertext, nonce, s.keyID, req.ExpiresAt)
}

// Fetch decrypts and returns the current (or a specific) version's
// plaintext. Callers are responsible for running CanAccess first.
func (s *Service) Fetch(ctx context.Context, sec Secret, version int) (string, error) {
	v, err := s.store.GetVersion(ctx, sec.ID, version)
	if err != nil {
		return "", err
	}
	plaintext, err := s.aead.Open(nil, v.Nonce, v.Ciphertext, aadFor(sec.Scope, sec.Name))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "secret_decrypt_failed", "failed to decrypt secret version", err)
	}
	return string(plaintext), nil
}

func aadFor(scope Scope, name string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", scope.Kind, scope.OrgID, name))
}

// CanAccess implements the three scope rules a weaver's fetch request must
// satisfy (spec §4.8 steps 4-5):
//
//	Org scope:    principal.org == secret.org
//	Repo scope:   same org AND principal.repo == secret.repo
//	Weaver scope: principal.weaver == secret.weaver
func CanAccess(p workloadid.WeaverPrincipal, sec Secret) bool {
	switch sec.Scope.Kind {
	case ScopeOrg:
		return p.OrgID.UUID == sec.Scope.OrgID
	case ScopeRepo:
		if p.OrgID.UUID != sec.Scope.OrgID {
			return false
		}
		if sec.Scope.RepoID == nil || p.RepoID == nil {
			return false
		}
		return *p.RepoID == sec.Scope.RepoID.String()
	case ScopeWeaver:
		if sec.Scope.WeaverID == nil {
			return false
		}
		return p.WeaverID.UUID == *sec.Scope.WeaverID
	default:
		return false
	}
}
