package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFolder(t *testing.T) {
	candidates := []string{"Receipts", "Newsletters", "Work"}

	assert.Equal(t, "Receipts", NormalizeFolder("Receipts", candidates))
	assert.Equal(t, "Receipts", NormalizeFolder("receipts", candidates), "case snaps to the candidate spelling")
	assert.Equal(t, "Receipts", NormalizeFolder(` "Receipts" `, candidates), "quotes and whitespace are stripped")
	assert.Equal(t, InboxFallback, NormalizeFolder(InboxFallback, candidates))
	assert.Equal(t, "Spam", NormalizeFolder("Spam", candidates), "an invented name passes through for rejection")
}

func TestNormalizeFolderPrefersExactCaseMatch(t *testing.T) {
	candidates := []string{"INBOX", "Inbox"}

	assert.Equal(t, "Inbox", NormalizeFolder("Inbox", candidates))
	assert.Equal(t, "INBOX", NormalizeFolder("inbox", candidates), "first case-insensitive candidate wins")
}
