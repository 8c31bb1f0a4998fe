package core

import "strings"

// NormalizeFolder maps a model's raw folder answer onto the candidate
// list the adapter was given. Models routinely wrap the name in quotes
// or change its case; an answer that matches a candidate ignoring case
// snaps to the candidate's exact spelling, because the adapter must
// never invent a folder name the client did not offer. Anything that
// matches nothing is returned cleaned as-is, for the orchestrator to
// reject.
func NormalizeFolder(raw string, candidates []string) string {
	folder := strings.Trim(strings.TrimSpace(raw), `"'`)
	if folder == InboxFallback {
		return folder
	}
	for _, c := range candidates {
		if folder == c {
			return c
		}
	}
	for _, c := range candidates {
		if strings.EqualFold(folder, c) {
			return c
		}
	}
	return folder
}
