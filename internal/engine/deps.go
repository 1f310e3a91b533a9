package engine

import (
	"context"
	"time"

	"github.com/gitea-mirror/syncd/internal/gitdriver"
	"github.com/gitea-mirror/syncd/internal/giteaclient"
	"github.com/gitea-mirror/syncd/internal/store"
)

// GitDriver is the slice of internal/gitdriver the engine depends on.
// Narrowing it to an interface here lets pipeline tests substitute a fake
// without standing up a real git binary for every scenario.
type GitDriver interface {
	Clone(ctx context.Context, url, dir string, timeout time.Duration) (*gitdriver.Result, error)
	Fetch(ctx context.Context, dir, authHeader string, timeout time.Duration) (*gitdriver.Result, error)
	PushMirror(ctx context.Context, dir, pushURL, authHeader string, timeout time.Duration) (*gitdriver.Result, error)
	SanityCheck(ctx context.Context, dir string) error
	OriginURL(ctx context.Context, dir string) (string, error)
}

// GiteaClient is the slice of internal/giteaclient the engine depends on.
type GiteaClient interface {
	RepoExists(ctx context.Context, owner, name string) (bool, error)
	CreateUserRepo(ctx context.Context, name string, opts giteaclient.CreateRepoOpts) (*giteaclient.Repository, error)
	CreateOrgRepo(ctx context.Context, org, name string, opts giteaclient.CreateRepoOpts) (*giteaclient.Repository, error)
}

// MetadataStore is the slice of internal/store the engine depends on.
type MetadataStore interface {
	GetMirror(ctx context.Context, id string) (*store.Mirror, error)
	BeginAttempt(ctx context.Context, mirrorID string, trigger store.Trigger) (string, error)
	FinalizeAttempt(ctx context.Context, attemptID string, f store.FinalizeFields) error
}

// ClonePath is the slice of internal/clonestore the engine depends on.
type ClonePath interface {
	Path(mirrorID string) string
	Touch(mirrorID string) error
	Remove(mirrorID string) error
}
