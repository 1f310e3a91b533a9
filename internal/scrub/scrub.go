// Package scrub redacts secrets from text before it crosses the engine/store
// boundary into a log line, an error detail blob, or a mirror's error
// summary.
package scrub

import (
	"net/url"
	"strings"
)

const mask = "***"

// Redactor replaces a fixed set of secrets with a mask. It is built once per
// sync attempt from the secrets live at that moment (downstream token, any
// userinfo embedded in a remote URL), the same way a CI runner builds a
// strings.Replacer from a job's secrets before streaming logs.
type Redactor struct {
	replacer *strings.Replacer
}

// New builds a Redactor from the given secrets. Empty strings are ignored so
// callers can pass optional values (e.g. an upstream token that isn't set)
// without special-casing them.
func New(secrets ...string) *Redactor {
	var oldnew []string
	for _, s := range secrets {
		if s == "" {
			continue
		}
		oldnew = append(oldnew, s, mask)
	}
	return &Redactor{replacer: strings.NewReplacer(oldnew...)}
}

// Redact returns s with every registered secret replaced by a mask.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// StripUserinfo returns rawURL with any embedded userinfo (user:pass@ or
// token@) removed, leaving the rest of the URL intact. Malformed URLs are
// returned unchanged.
func StripUserinfo(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = nil
	return u.String()
}
