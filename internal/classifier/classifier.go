// Package classifier maps raw git and Gitea failures onto a small, stable
// taxonomy that drives retry policy and the one-line summaries surfaced on a
// Mirror.
package classifier

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/gitea-mirror/syncd/internal/giteaclient"
	"github.com/hashicorp/go-set/v3"
)

// Class is a tagged failure category.
type Class string

const (
	UpstreamAuth        Class = "UpstreamAuth"
	UpstreamNotFound    Class = "UpstreamNotFound"
	DownstreamAuth      Class = "DownstreamAuth"
	DownstreamForbidden Class = "DownstreamForbidden"
	DownstreamConflict  Class = "DownstreamConflict"
	NetworkTransient    Class = "NetworkTransient"
	Timeout             Class = "Timeout"
	RateLimited         Class = "RateLimited"
	DiskFull            Class = "DiskFull"
	LocalIO             Class = "LocalIO"
	Corrupt             Class = "Corrupt"
	Unknown             Class = "Unknown"
)

// retryable is the static set of classes the engine's outer wrapper retries.
var retryable = set.From([]Class{
	NetworkTransient,
	Timeout,
	RateLimited,
})

// Retryable reports whether a class should be retried inside the same job.
func Retryable(c Class) bool {
	return retryable.Contains(c)
}

// Error pairs a classified Class with the error that produced it. It
// implements Unwrap so errors.Is/As keep working across the stage-wrap →
// classify → retry chain.
type Error struct {
	Class Class
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify inspects err (typically wrapped with a stage name already) and
// returns the taxonomy class it belongs to. It never returns an error of its
// own; an unrecognized failure is Unknown.
func Classify(stage string, err error) *Error {
	if err == nil {
		return nil
	}

	class := classifyGiteaError(err)
	if class == "" {
		class = classifyOSError(err)
	}
	if class == "" {
		class = classifyNetError(err)
	}
	if class == "" {
		class = classifyContextError(err)
	}
	if class == "" {
		class = classifyGitOutput(err)
	}
	if class == "" {
		class = Unknown
	}

	return &Error{Class: class, Stage: stage, Err: err}
}

func classifyGiteaError(err error) Class {
	switch {
	case errors.Is(err, giteaclient.ErrUnauthorized):
		return DownstreamAuth
	case errors.Is(err, giteaclient.ErrForbidden):
		return DownstreamForbidden
	case errors.Is(err, giteaclient.ErrNotFound):
		// Gitea-side 404s only ever come from a downstream call (e.g.
		// create-under-org against an org that doesn't exist); they are never
		// produced by the upstream git path, so they belong with the other
		// operator-fixable downstream/org-config failures, not UpstreamNotFound.
		return DownstreamForbidden
	case errors.Is(err, giteaclient.ErrConflict):
		return DownstreamConflict
	case errors.Is(err, giteaclient.ErrRateLimited):
		return RateLimited
	case errors.Is(err, giteaclient.ErrTransport):
		return NetworkTransient
	}
	return ""
}

func classifyOSError(err error) Class {
	switch {
	case errors.Is(err, os.ErrPermission):
		return LocalIO
	case errors.Is(err, os.ErrNotExist):
		return Corrupt
	}
	return ""
}

func classifyNetError(err error) Class {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetworkTransient
	}
	return ""
}

func classifyContextError(err error) Class {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Timeout
	}
	return ""
}
