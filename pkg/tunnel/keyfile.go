package tunnel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wisbric/loom/pkg/wgkey"
)

// DefaultKeyPath is the on-disk location of the device private key (spec
// §4.6, §9 "On-disk state"): ${HOME}/.loom/wg-key, mode 0600.
func DefaultKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".loom", "wg-key"), nil
}

// LoadOrCreateKey reads the device keypair from path, generating and
// persisting a new one on first run. The file holds the base64 private key
// on a single line; the public key is always re-derived rather than stored,
// so a hand-edited or truncated file fails loudly instead of silently
// carrying a stale public half.
func LoadOrCreateKey(path string) (wgkey.Keypair, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := wgkey.ParsePrivateKey(strings.TrimSpace(string(raw)))
		if err != nil {
			return wgkey.Keypair{}, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		pub, err := wgkey.DerivePublic(priv)
		if err != nil {
			return wgkey.Keypair{}, err
		}
		return wgkey.Keypair{Private: priv, Public: pub}, nil

	case errors.Is(err, os.ErrNotExist):
		kp, err := wgkey.GenerateKeypair()
		if err != nil {
			return wgkey.Keypair{}, fmt.Errorf("generating device key: %w", err)
		}
		if err := persistKey(path, kp); err != nil {
			return wgkey.Keypair{}, err
		}
		return kp, nil

	default:
		return wgkey.Keypair{}, fmt.Errorf("reading key file %s: %w", path, err)
	}
}

func persistKey(path string, kp wgkey.Keypair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	priv := kp.Private.Expose()
	encoded := base64.StdEncoding.EncodeToString(priv[:])
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return nil
}
