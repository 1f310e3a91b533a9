// Package engine drives one mirror from "known upstream URL" to "pushed to
// Gitea". Every pipeline failure is encoded in the finalized SyncAttempt's
// outcome and error_class; an error is returned to the caller only when the
// store cannot load the mirror or write the attempt row.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/gitea-mirror/syncd/internal/classifier"
	"github.com/gitea-mirror/syncd/internal/metrics"
	"github.com/gitea-mirror/syncd/internal/scrub"
	"github.com/gitea-mirror/syncd/internal/store"
)

// Config holds the options the engine needs that are not a dependency in
// their own right.
type Config struct {
	DownstreamBaseURL string // e.g. https://gitea.example.com, used to build push URLs
	DownstreamUser    string
	DownstreamToken   string
	UpstreamToken     string // optional; only needed for private upstreams
	SyncTimeout       time.Duration
	RetryMax          int
}

// Engine executes sync pipelines. A single Engine value is shared by every
// worker; it carries no per-job mutable state.
type Engine struct {
	cfg     Config
	store   MetadataStore
	git     GitDriver
	gitea   GiteaClient
	clones  ClonePath
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds an Engine from its collaborators.
func New(cfg Config, st MetadataStore, git GitDriver, gitea GiteaClient, clones ClonePath, m *metrics.Metrics, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: st, git: git, gitea: gitea, clones: clones, metrics: m, log: log}
}

// Sync executes one mirror sync end-to-end, producing exactly one
// SyncAttempt row once BeginAttempt succeeds. The caller must already hold
// the mirror's lease. A non-nil error means the mirror could not be loaded
// or the attempt row could not be begun or finalized.
func (e *Engine) Sync(ctx context.Context, mirrorID string, trigger store.Trigger) (*store.SyncAttempt, error) {
	start := time.Now()
	mirror, err := e.store.GetMirror(ctx, mirrorID)
	if err != nil {
		return nil, fmt.Errorf("engine: load mirror: %w", err)
	}

	attemptID, err := e.store.BeginAttempt(ctx, mirrorID, trigger)
	if err != nil {
		return nil, fmt.Errorf("engine: begin attempt: %w", err)
	}

	secrets := []string{e.cfg.DownstreamToken, e.cfg.UpstreamToken}
	if u, perr := url.Parse(mirror.UpstreamURL); perr == nil && u.User != nil {
		secrets = append(secrets, u.User.String())
		if pw, ok := u.User.Password(); ok {
			secrets = append(secrets, pw)
		}
	}
	redactor := scrub.New(secrets...)

	run := &jobRun{
		engine: e,
		mirror: mirror,
		stage:  store.StageInit,
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	var bytesTransferred, refsUpdated int64
	var lastClass classifier.Class

	retryErr := retry.Do(
		func() error {
			n, r, err := run.execute(timeoutCtx)
			bytesTransferred += n
			refsUpdated += r
			if err != nil {
				if ce, ok := err.(*classifier.Error); ok {
					lastClass = ce.Class
					if e.metrics != nil {
						if classifier.Retryable(ce.Class) {
							e.metrics.RetriesTotal.WithLabelValues(string(ce.Class)).Inc()
						}
						if isDownstreamClass(ce.Class) {
							e.metrics.DownstreamErrors.WithLabelValues(string(ce.Class)).Inc()
						}
					}
				}
			}
			return err
		},
		retry.Attempts(uint(maxInt(1, e.cfg.RetryMax))),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			ce, ok := err.(*classifier.Error)
			if !ok {
				return false
			}
			return classifier.Retryable(ce.Class)
		}),
	)

	outcome := store.OutcomeSuccess
	errClass := ""
	errDetail := ""

	switch {
	case retryErr == nil:
		run.stage = store.StageDone
	case timeoutCtx.Err() == context.DeadlineExceeded:
		outcome = store.OutcomeTimeout
		errClass = string(classifier.Timeout)
		errDetail = redactor.Redact(retryErr.Error())
	case ctx.Err() == context.Canceled:
		// The caller's context (not just the per-job timeoutCtx derived from
		// it) was cancelled: a shutdown signal or an operator-issued cancel,
		// not a stage timeout.
		outcome = store.OutcomeCancelled
		errDetail = redactor.Redact(retryErr.Error())
	default:
		outcome = store.OutcomeFailed
		if lastClass != "" {
			errClass = string(lastClass)
		} else {
			errClass = string(classifier.Unknown)
		}
		errDetail = redactor.Redact(retryErr.Error())
	}

	if err := e.store.FinalizeAttempt(ctx, attemptID, store.FinalizeFields{
		Outcome:          outcome,
		StageReached:     run.stage,
		ErrorClass:       errClass,
		ErrorDetail:      errDetail,
		BytesTransferred: bytesTransferred,
		RefsUpdated:      refsUpdated,
	}); err != nil {
		return nil, fmt.Errorf("engine: finalize attempt: %w", err)
	}

	if e.metrics != nil {
		e.metrics.AttemptsTotal.WithLabelValues(mirrorID, string(outcome)).Inc()
		e.metrics.AttemptDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	}

	return &store.SyncAttempt{
		ID:               attemptID,
		MirrorID:         mirrorID,
		Trigger:          trigger,
		Outcome:          outcome,
		StageReached:     run.stage,
		ErrorClass:       errClass,
		ErrorDetail:      errDetail,
		BytesTransferred: bytesTransferred,
		RefsUpdated:      refsUpdated,
	}, nil
}

func isDownstreamClass(c classifier.Class) bool {
	switch c {
	case classifier.DownstreamAuth, classifier.DownstreamForbidden, classifier.DownstreamConflict:
		return true
	default:
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// downstreamOwnerNamespace returns the namespace a mirror's repo lives
// under: the mirror's organization if set, otherwise the service user.
func (e *Engine) downstreamOwnerNamespace(m *store.Mirror) string {
	if m.DownstreamOwner != "" {
		return m.DownstreamOwner
	}
	return e.cfg.DownstreamUser
}

func basicAuthHeader(user, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+token))
}

func (e *Engine) pushURL(m *store.Mirror) (string, error) {
	base, err := url.Parse(e.cfg.DownstreamBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse downstream base url: %w", err)
	}
	owner := e.downstreamOwnerNamespace(m)
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + owner + "/" + m.DownstreamName + ".git"
	return base.String(), nil
}
