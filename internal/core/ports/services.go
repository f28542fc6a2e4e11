package ports

import (
	"context"

	"harmlab/internal/core/domain"
)

// Shaper installs, clears and inspects the link-shaping discipline on a
// single interface of the relay node. Apply is idempotent: it removes any
// existing discipline before installing the profile.
type Shaper interface {
	Apply(ctx context.Context, node Node, iface string, profile domain.LinkProfile) error
	Clear(ctx context.Context, node Node, iface string)
	Stats(ctx context.Context, node Node, iface string) (string, error)
}

// SnapshotSink receives the monitor's per-tick snapshots in order. Appends
// must be durable enough that a killed monitor loses at most one row.
type SnapshotSink interface {
	Append(snapshot domain.QualitySnapshot) error
	Close() error
}
