package wgkey

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGenerateKeypairDerivesPublicDeterministically(t *testing.T) {
	for i := 0; i < 20; i++ {
		kp, err := GenerateKeypair()
		if err != nil {
			t.Fatalf("GenerateKeypair: %v", err)
		}
		pub, err := derivePublic(kp.Private)
		if err != nil {
			t.Fatalf("derivePublic: %v", err)
		}
		if pub != kp.Public {
			t.Fatalf("public key not deterministically derivable from private")
		}
	}
}

func TestPublicKeyBase64RoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	encoded := kp.Public.Base64()
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed != kp.Public {
		t.Fatalf("round-trip mismatch")
	}
}

func TestPrivateKeyNeverExposedInTextOrJSON(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	if got := kp.Private.String(); got != redacted {
		t.Fatalf("String() = %q, want %q", got, redacted)
	}
	if got := (&kp.Private).GoString(); got != redacted {
		t.Fatalf("GoString() = %q, want %q", got, redacted)
	}

	type wrapper struct {
		Private PrivateKey `json:"private"`
	}
	b, err := json.Marshal(wrapper{Private: kp.Private})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// encoding/json HTML-escapes '<' and '>', so compare the decoded value.
	var decoded map[string]string
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if strings.Contains(string(b), "=") || decoded["private"] != redacted {
		t.Fatalf("marshaled JSON %s does not redact the private key", b)
	}
}

func TestPrivateKeyZeroClearsBytes(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	kp.Private.Zero()
	raw := kp.Private.Expose()
	for _, b := range raw {
		if b != 0 {
			t.Fatalf("Zero() left non-zero byte: %v", raw)
		}
	}
}

func TestTypedIDRoundTrip(t *testing.T) {
	d, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID: %v", err)
	}
	parsed, err := ParseDeviceID(d.String())
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if parsed != d {
		t.Fatalf("device ID round-trip mismatch: %v != %v", parsed, d)
	}

	s, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if parsedS, err := ParseSessionID(s.String()); err != nil || parsedS != s {
		t.Fatalf("session ID round-trip mismatch")
	}

	o := NewOrgID()
	if parsedO, err := ParseOrgID(o.String()); err != nil || parsedO != o {
		t.Fatalf("org ID round-trip mismatch")
	}
}
