package scheduler

import (
	"context"
	"time"

	"github.com/gitea-mirror/syncd/internal/store"
)

// Store is the slice of internal/store the scheduler depends on.
type Store interface {
	ListMirrors(ctx context.Context, filter store.ListFilter) ([]*store.Mirror, error)
	GetMirror(ctx context.Context, id string) (*store.Mirror, error)
	AcquireLease(ctx context.Context, mirrorID, holder string, ttl time.Duration) (granted, stolen bool, err error)
	ReleaseLease(ctx context.Context, mirrorID, holder string) error
}

// Engine is the slice of internal/engine the scheduler depends on.
type Engine interface {
	Sync(ctx context.Context, mirrorID string, trigger store.Trigger) (*store.SyncAttempt, error)
}
