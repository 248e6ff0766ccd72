package tunnel

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func statMode(path string) (os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Mode().Perm(), nil
}

func TestLoadOrCreateKeyGeneratesOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom", "wg-key")

	kp, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if kp.Public.Base64() == "" {
		t.Fatal("expected a derived public key")
	}

	if runtime.GOOS != "windows" {
		info, err := statMode(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info&0o077 != 0 {
			t.Fatalf("key file mode %o is group/world accessible", info)
		}
	}
}

func TestLoadOrCreateKeyIsStableAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wg-key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (create): %v", err)
	}
	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (load): %v", err)
	}
	if first.Public.Base64() != second.Public.Base64() {
		t.Fatal("expected the same keypair to be loaded back from disk")
	}
}
