package classifier

import "strings"

// gitPatterns maps substrings seen in git's stderr to a Class. Checked in
// order; the first match wins. These are intentionally coarse — the git CLI
// has no stable machine-readable error format.
var gitPatterns = []struct {
	substr string
	class  Class
}{
	{"authentication failed", UpstreamAuth},
	{"invalid username or password", UpstreamAuth},
	{"could not read username", UpstreamAuth},
	{"403", DownstreamForbidden},
	{"401", DownstreamAuth},
	{"repository not found", UpstreamNotFound},
	{"not found", UpstreamNotFound},
	{"could not resolve host", NetworkTransient},
	{"connection refused", NetworkTransient},
	{"connection reset", NetworkTransient},
	{"network is unreachable", NetworkTransient},
	{"no space left on device", DiskFull},
	{"disk quota exceeded", DiskFull},
	{"fatal: bad object", Corrupt},
	{"fatal: loose object", Corrupt},
	{"error: object file", Corrupt},
	{"not a git repository", Corrupt},
}

// classifyGitOutput pattern-matches the lowercased error string against
// known git CLI phrasing. Used as a last resort before Unknown.
func classifyGitOutput(err error) Class {
	msg := strings.ToLower(err.Error())
	for _, p := range gitPatterns {
		if strings.Contains(msg, p.substr) {
			return p.class
		}
	}
	return ""
}
