package wgengine

import (
	"math/rand"
	"time"

	"github.com/wisbric/loom/pkg/wgkey"
)

// Direct-path upgrade constants (spec §4.5, §5). Values are load-bearing:
// changing them changes the observable handshake-to-direct latency the
// end-to-end scenario in spec §8 ("Direct-path upgrade") exercises.
const (
	probeInterval    = 30 * time.Second
	probeJitterMax   = 5 * time.Second
	probeReplyWindow = 2 * time.Second
	directIdleWindow = 60 * time.Second
)

// probeMagic tags upgrade probe packets so they're distinguishable from
// WireGuard ciphertext on the same direct UDP socket.
var probeMagic = [4]byte{0x6c, 0x6f, 0x6f, 0x6d} // "loom"

// encodeProbe builds the wire form of a direct-path upgrade probe: the
// fixed magic followed by the sender's raw public key, sent to a peer's
// last-known direct endpoint while traffic still flows over DERP so the
// receiver can reply without first completing a handshake.
func encodeProbe(self wgkey.PublicKey) []byte {
	buf := make([]byte, 4+32)
	copy(buf[0:4], probeMagic[:])
	pk := self.Bytes()
	copy(buf[4:36], pk[:])
	return buf
}

func decodeProbe(b []byte) (wgkey.PublicKey, bool) {
	if len(b) < 36 {
		return wgkey.PublicKey{}, false
	}
	var magic [4]byte
	copy(magic[:], b[0:4])
	if magic != probeMagic {
		return wgkey.PublicKey{}, false
	}
	var raw [32]byte
	copy(raw[:], b[4:36])
	return wgkey.PublicKeyFromBytes(raw), true
}

// jitteredInterval returns probeInterval plus a random jitter in
// [0, probeJitterMax), matching spec §4.5: "every ~30s with jitter up to 5s".
func jitteredInterval() time.Duration {
	return probeInterval + time.Duration(rand.Int63n(int64(probeJitterMax)))
}

// nowNanos is split out so tests can avoid real sleeps when checking
// threshold math; production code always calls time.Now().UnixNano().
func nowNanos() int64 { return time.Now().UnixNano() }

// shouldProbe reports whether it's time to send another direct-path probe:
// traffic is on DERP and the jittered interval has elapsed since the last
// probe.
func (p *peer) shouldProbe(now int64) bool {
	if p.currentPath() != PathDERP {
		return false
	}
	if _, ok := p.endpoint(); !ok {
		return false // nothing to probe
	}
	last := p.lastProbeSent.Load()
	return last == 0 || time.Duration(now-last) >= jitteredInterval()
}

// shouldFallBackToDERP reports whether a direct-path peer has gone quiet
// long enough to fall back to the relay (spec §4.5: "If no direct traffic
// or probe response arrives for 60s").
func (p *peer) shouldFallBackToDERP(now int64) bool {
	if p.currentPath() != PathDirect {
		return false
	}
	last := p.lastDirectRecv.Load()
	return last != 0 && time.Duration(now-last) >= directIdleWindow
}
