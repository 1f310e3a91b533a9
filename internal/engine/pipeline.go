package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitea-mirror/syncd/internal/classifier"
	"github.com/gitea-mirror/syncd/internal/giteaclient"
	"github.com/gitea-mirror/syncd/internal/store"
)

// stageOrder ranks stages so advance can track the furthest one reached
// across retries within the same job, rather than just the latest.
var stageOrder = map[store.Stage]int{
	store.StageInit:             0,
	store.StageEnsureRemote:     1,
	store.StageFetch:            2,
	store.StageEnsureDownstream: 3,
	store.StagePush:             4,
	store.StageDone:             5,
}

// jobRun carries the state of one execute() attempt, including retries
// within the same job. stage is advanced monotonically across retries so
// FinalizeAttempt always records the furthest point ever reached.
type jobRun struct {
	engine *Engine
	mirror *store.Mirror
	stage  store.Stage
}

func (r *jobRun) advance(s store.Stage) {
	if stageOrder[s] > stageOrder[r.stage] {
		r.stage = s
	}
}

// execute runs ensure_remote → fetch → ensure_downstream → push once. It
// returns bytes transferred and refs updated so far even on failure, since
// fetch may have succeeded before push failed.
func (r *jobRun) execute(ctx context.Context) (bytesTransferred, refsUpdated int64, retErr error) {
	e := r.engine
	m := r.mirror
	dir := e.clones.Path(m.ID)

	r.advance(store.StageEnsureRemote)
	if err := r.ensureRemote(ctx, dir); err != nil {
		return 0, 0, classifier.Classify(string(store.StageEnsureRemote), err)
	}

	r.advance(store.StageFetch)
	fetchAuth := ""
	if e.cfg.UpstreamToken != "" {
		fetchAuth = basicAuthHeader("x-access-token", e.cfg.UpstreamToken)
	}
	fetchRes, err := e.git.Fetch(ctx, dir, fetchAuth, e.cfg.SyncTimeout)
	if err != nil {
		return 0, 0, classifier.Classify(string(store.StageFetch), err)
	}
	bytesTransferred += int64(len(fetchRes.Stderr))
	refsUpdated += int64(len(fetchRes.RefUpdates))
	if e.metrics != nil {
		e.metrics.BytesTransferred.WithLabelValues("fetch").Add(float64(len(fetchRes.Stderr)))
		e.metrics.RefsUpdated.WithLabelValues("fetch").Add(float64(len(fetchRes.RefUpdates)))
	}
	if err := e.clones.Touch(m.ID); err != nil {
		e.log.Warn("engine: touch clone dir failed", "mirror_id", m.ID, "err", err)
	}

	r.advance(store.StageEnsureDownstream)
	if err := r.ensureDownstream(ctx); err != nil {
		return bytesTransferred, refsUpdated, classifier.Classify(string(store.StageEnsureDownstream), err)
	}

	r.advance(store.StagePush)
	pushURL, err := e.pushURL(m)
	if err != nil {
		return bytesTransferred, refsUpdated, classifier.Classify(string(store.StagePush), err)
	}
	pushAuth := basicAuthHeader(e.cfg.DownstreamUser, e.cfg.DownstreamToken)
	pushRes, err := e.git.PushMirror(ctx, dir, pushURL, pushAuth, e.cfg.SyncTimeout)
	if err != nil {
		return bytesTransferred, refsUpdated, classifier.Classify(string(store.StagePush), err)
	}
	bytesTransferred += int64(len(pushRes.Stderr))
	refsUpdated += int64(len(pushRes.RefUpdates))
	if e.metrics != nil {
		e.metrics.BytesTransferred.WithLabelValues("push").Add(float64(len(pushRes.Stderr)))
		e.metrics.RefsUpdated.WithLabelValues("push").Add(float64(len(pushRes.RefUpdates)))
	}

	return bytesTransferred, refsUpdated, nil
}

// ensureRemote makes sure the local bare clone exists, is structurally
// sound, and points at the mirror's current upstream_url — recreating it
// from scratch otherwise.
func (r *jobRun) ensureRemote(ctx context.Context, dir string) error {
	e := r.engine
	m := r.mirror

	needsClone := false
	if err := e.git.SanityCheck(ctx, dir); err != nil {
		needsClone = true
	} else if origin, err := e.git.OriginURL(ctx, dir); err != nil || origin != m.UpstreamURL {
		needsClone = true
	}

	if !needsClone {
		return nil
	}

	if err := e.clones.Remove(m.ID); err != nil {
		return fmt.Errorf("reset clone dir: %w", err)
	}
	if _, err := e.git.Clone(ctx, m.UpstreamURL, dir, e.cfg.SyncTimeout); err != nil {
		return err
	}
	return nil
}

// ensureDownstream verifies the target repo exists, creating it under the
// organization endpoint when downstream_owner is set and under the user
// endpoint otherwise. This routing is load-bearing: Gitea rejects
// push-to-create for organization namespaces, so the engine must never fall
// back to the user endpoint for an owned mirror.
func (r *jobRun) ensureDownstream(ctx context.Context) error {
	e := r.engine
	m := r.mirror
	owner := e.downstreamOwnerNamespace(m)

	exists, err := e.gitea.RepoExists(ctx, owner, m.DownstreamName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	var createErr error
	if m.DownstreamOwner != "" {
		_, createErr = e.gitea.CreateOrgRepo(ctx, m.DownstreamOwner, m.DownstreamName, giteaclient.CreateRepoOpts{})
	} else {
		_, createErr = e.gitea.CreateUserRepo(ctx, m.DownstreamName, giteaclient.CreateRepoOpts{})
	}
	if createErr != nil && !errors.Is(createErr, giteaclient.ErrConflict) {
		return createErr
	}
	return nil
}
