package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for a sanitized input.
// It covers exactly the semantically significant parts of a request:
// normalized sender and subject, the truncated sanitized body, the
// candidate folder set, and the provider/model/template triple that
// would produce the decision. Request ids, message ids and timestamps
// never participate, so identical content always maps to the same key
// across processes.
func Fingerprint(in *SanitizedInput, folders []string, provider, model, templateVersion string) string {
	sorted := make([]string, len(folders))
	copy(sorted, folders)
	sort.Strings(sorted)

	h := sha256.New()
	for _, part := range []string{
		normalize(in.Sender),
		normalize(in.Subject),
		in.Body,
		strings.Join(sorted, "\x1f"),
		provider,
		model,
		templateVersion,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1e}) // record separator, keeps fields unambiguous
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
