package wgengine

import (
	"context"

	"github.com/wisbric/loom/pkg/wgkey"
)

// DERPSession abstracts a live connection to one DERP relay region. The
// actual DERP wire protocol is an external collaborator (spec §1 "Out of
// scope"); this interface is the narrow contract the engine's send/recv
// loops need from it, implemented by a real client against the configured
// home region at construction time.
type DERPSession interface {
	// Send relays ciphertext to peer via the DERP server.
	Send(ctx context.Context, peer wgkey.PublicKey, payload []byte) error
	// Recv blocks for the next inbound payload relayed to us, returning the
	// sender's public key alongside it.
	Recv(ctx context.Context) (from wgkey.PublicKey, payload []byte, err error)
	// Region is the configured home region ID for this session.
	Region() int
	Close() error
}

// noopDERP is used when no DERP session is configured (deployments that
// only ever need direct connectivity, e.g. tests). Recv blocks until ctx is
// cancelled; Send always errors so callers fail closed rather than silently
// dropping packets.
type noopDERP struct{ region int }

func (n *noopDERP) Send(ctx context.Context, peer wgkey.PublicKey, payload []byte) error {
	return context.Canceled
}

func (n *noopDERP) Recv(ctx context.Context) (wgkey.PublicKey, []byte, error) {
	<-ctx.Done()
	return wgkey.PublicKey{}, nil, ctx.Err()
}

func (n *noopDERP) Region() int { return n.region }
func (n *noopDERP) Close() error { return nil }
