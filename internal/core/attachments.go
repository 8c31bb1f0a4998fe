package core

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Attachment hints summarize MIME categories only. Filenames never reach
// the hint string: they routinely contain names, invoice numbers and
// other PII.

var suspiciousExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".msi": true, ".vbs": true, ".js": true, ".jse": true,
	".wsf": true, ".ps1": true, ".docm": true, ".xlsm": true, ".pptm": true,
	".iso": true, ".img": true,
}

var suspiciousMimeTypes = map[string]bool{
	"application/x-msdownload":    true,
	"application/x-msdos-program": true,
	"application/x-executable":    true,
	"application/x-dosexec":       true,
	"application/hta":             true,
	"text/javascript":             true,
}

// AttachmentHints reduces attachment metadata to a category summary,
// e.g. "2 documents, 1 image" with a trailing suspicious marker when a
// high-risk extension or MIME type appears. Content is never inspected.
func AttachmentHints(attachments []Attachment) string {
	if len(attachments) == 0 {
		return ""
	}

	counts := make(map[string]int)
	suspicious := false
	for _, a := range attachments {
		counts[mimeCategory(a.MimeType)]++
		ext := strings.ToLower(filepath.Ext(a.Filename))
		if suspiciousExtensions[ext] || suspiciousMimeTypes[strings.ToLower(a.MimeType)] {
			suspicious = true
		}
	}

	parts := make([]string, 0, len(counts))
	for _, cat := range []string{"document", "image", "archive", "audio", "video", "other"} {
		if n := counts[cat]; n > 0 {
			label := cat
			if n != 1 {
				label += "s"
			}
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	hint := strings.Join(parts, ", ")
	if suspicious {
		hint += " (suspicious type present)"
	}
	return hint
}

func mimeCategory(mimeType string) string {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.Contains(mt, "zip") || strings.Contains(mt, "compressed") ||
		strings.Contains(mt, "tar") || strings.Contains(mt, "7z"):
		return "archive"
	case strings.HasPrefix(mt, "text/") || strings.Contains(mt, "pdf") ||
		strings.Contains(mt, "word") || strings.Contains(mt, "sheet") ||
		strings.Contains(mt, "presentation") || strings.Contains(mt, "document"):
		return "document"
	default:
		return "other"
	}
}
