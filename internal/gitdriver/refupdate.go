package gitdriver

import "strings"

// parseRefUpdates scans fetch/push stderr for porcelain summary lines:
//
//	  <old-oid>..<new-oid>  <ref> -> <ref>   (update)
//	* [new branch]      <ref> -> <ref>
//	- [deleted]         (none) -> <ref>
//
// Git's summary format is not a stable machine-readable contract; this is a
// best-effort counter feeding SyncAttempt.refs_updated, not a correctness
// dependency.
func parseRefUpdates(stderr []byte) []RefUpdate {
	var updates []RefUpdate
	for _, line := range strings.Split(string(stderr), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "[new branch]"), strings.Contains(line, "[new tag]"), strings.Contains(line, "[new ref]"):
			if ref, ok := refAfterArrow(line); ok {
				updates = append(updates, RefUpdate{Ref: ref, Type: "create"})
			}
		case strings.Contains(line, "[deleted]"):
			if ref, ok := refAfterArrow(line); ok {
				updates = append(updates, RefUpdate{Ref: ref, Type: "delete"})
			}
		case strings.Contains(line, "..") && strings.Contains(line, "->"):
			if ref, ok := refAfterArrow(line); ok {
				for _, field := range strings.Fields(line) {
					old, new, ok := strings.Cut(field, "..")
					if ok && old != "" {
						updates = append(updates, RefUpdate{Ref: ref, OldOID: old, NewOID: strings.TrimPrefix(new, "."), Type: "update"})
						break
					}
				}
			}
		}
	}
	return updates
}

func refAfterArrow(line string) (string, bool) {
	_, after, ok := strings.Cut(line, "->")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(after), true
}
