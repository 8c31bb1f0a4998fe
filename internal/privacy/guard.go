package privacy

import (
	"errors"
	"regexp"
	"strings"
)

// MaxInputBytes is the hard input ceiling before truncation even runs.
const MaxInputBytes = 1 << 20

// MaxBodyRunes is the data-minimization limit: at most this many
// characters of body ever leave the host.
const MaxBodyRunes = 2000

// MaxSubjectRunes bounds the subject after sanitization.
const MaxSubjectRunes = 500

// MaxSenderRunes bounds the sender after sanitization.
const MaxSenderRunes = 320

// Ellipsis is appended exactly once when truncation occurred.
const Ellipsis = "…"

// Redaction tokens. These must never themselves match a PII pattern.
const (
	EmailToken = "<EMAIL_REDACTED>"
	PhoneToken = "<PHONE_REDACTED>"
	IPToken    = "<IP_REDACTED>"
	CCToken    = "<CC_REDACTED>"
)

// ErrSanitizationOverflow is the only failure mode of the guard: input
// larger than MaxInputBytes before truncation.
var ErrSanitizationOverflow = errors.New("sanitization_overflow")

var (
	// Conservative RFC 5322 subset: enough to catch real addresses
	// without swallowing surrounding prose.
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// E.164 plus the common national 3-3-4 shapes.
	phoneE164Re     = regexp.MustCompile(`\+[1-9]\d{7,14}\b`)
	phoneNationalRe = regexp.MustCompile(`\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)

	ipv4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// Full-form IPv6 plus compressed forms with at least three groups;
	// deliberately does not match clock times like 12:30.
	ipv6FullRe       = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`)
	ipv6CompressedRe = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){2,6}:(?:[0-9A-Fa-f]{1,4}:)*[0-9A-Fa-f]{1,4}\b`)

	// Credit-card-shaped digit groups; a Luhn check gates the actual
	// replacement to cut false positives on order numbers.
	ccCandidateRe = regexp.MustCompile(`\b\d(?:[\d \-]{11,21})\d\b`)

	horizontalWSRe = regexp.MustCompile(`[ \t]{2,}`)
	blankLinesRe   = regexp.MustCompile(`\n{3,}`)

	// Prompt-injection neutralization. Matched spans are replaced, not
	// rejected, so a hostile body still classifies.
	injectionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(?:previous|all|above)\s+(?:instructions?|prompts?)`),
		regexp.MustCompile(`(?i)disregard\s+(?:previous|all|above)`),
		regexp.MustCompile(`(?i)new\s+instructions?:`),
		regexp.MustCompile(`(?i)\b(?:system|assistant)\s*:\s*`),
		regexp.MustCompile(`<\|im_(?:start|end)\|>`),
		regexp.MustCompile(`\[/?INST\]`),
	}
)

const injectionToken = "[FILTERED]"

// Guard is the pure string sanitizer run on every request before any
// content leaves the host. All methods are safe for concurrent use.
type Guard struct{}

// NewGuard returns a Guard. It holds no state; the type exists so the
// orchestrator takes an injectable component like every other stage.
func NewGuard() *Guard {
	return &Guard{}
}

// Scrub applies the full redaction pipeline to one string and truncates
// it to maxRunes. The pipeline is idempotent: Scrub(Scrub(s)) == Scrub(s).
func (g *Guard) Scrub(text string, maxRunes int) (string, error) {
	if len(text) > MaxInputBytes {
		return "", ErrSanitizationOverflow
	}
	if text == "" {
		return "", nil
	}

	for _, re := range injectionRes {
		text = re.ReplaceAllString(text, injectionToken)
	}

	text = emailRe.ReplaceAllString(text, EmailToken)
	text = phoneE164Re.ReplaceAllString(text, PhoneToken)
	text = phoneNationalRe.ReplaceAllString(text, PhoneToken)
	text = ipv6FullRe.ReplaceAllString(text, IPToken)
	text = ipv6CompressedRe.ReplaceAllString(text, IPToken)
	text = ipv4Re.ReplaceAllString(text, IPToken)
	text = redactCards(text)

	text = stripControl(text)
	text = horizontalWSRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	return truncateRunes(text, maxRunes), nil
}

// ScrubSender sanitizes the sender address. The address itself is kept:
// it is the strongest classification signal, is already user-visible in
// the client, and feeds the cache fingerprint. Everything else in the
// field (display names with phone numbers, injected content) is scrubbed.
func (g *Guard) ScrubSender(sender string) (string, error) {
	if len(sender) > MaxInputBytes {
		return "", ErrSanitizationOverflow
	}
	for _, re := range injectionRes {
		sender = re.ReplaceAllString(sender, injectionToken)
	}
	sender = phoneE164Re.ReplaceAllString(sender, PhoneToken)
	sender = phoneNationalRe.ReplaceAllString(sender, PhoneToken)
	sender = redactCards(sender)
	sender = stripControl(sender)
	sender = horizontalWSRe.ReplaceAllString(sender, " ")
	return truncateRunes(strings.TrimSpace(sender), MaxSenderRunes), nil
}

// Sanitized is the guard's output for one message.
type Sanitized struct {
	Subject string
	Sender  string
	Body    string
}

// Sanitize runs the guard over subject, sender and body. In headers-only
// mode the body is emptied before any pattern runs.
func (g *Guard) Sanitize(subject, sender, body string, headersOnly bool) (*Sanitized, error) {
	if headersOnly {
		body = ""
	}

	cleanSubject, err := g.Scrub(subject, MaxSubjectRunes)
	if err != nil {
		return nil, err
	}
	cleanSender, err := g.ScrubSender(sender)
	if err != nil {
		return nil, err
	}
	cleanBody, err := g.Scrub(body, MaxBodyRunes)
	if err != nil {
		return nil, err
	}

	return &Sanitized{
		Subject: cleanSubject,
		Sender:  cleanSender,
		Body:    cleanBody,
	}, nil
}

// ContainsPII reports whether text still matches any redaction pattern.
// Used by tests and the audit path; never called on the hot path.
func (g *Guard) ContainsPII(text string) bool {
	if emailRe.MatchString(text) || phoneE164Re.MatchString(text) ||
		phoneNationalRe.MatchString(text) || ipv4Re.MatchString(text) ||
		ipv6FullRe.MatchString(text) || ipv6CompressedRe.MatchString(text) {
		return true
	}
	for _, cand := range ccCandidateRe.FindAllString(text, -1) {
		if digits := digitsOnly(cand); luhnValid(digits) {
			return true
		}
	}
	return false
}

func redactCards(text string) string {
	return ccCandidateRe.ReplaceAllStringFunc(text, func(cand string) string {
		digits := digitsOnly(cand)
		if luhnValid(digits) {
			return CCToken
		}
		return cand
	})
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid checks the Luhn checksum over a digit string of plausible
// card length.
func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// stripControl drops control characters except newline and tab.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}

// truncateRunes cuts text to maxRunes characters (not bytes) and appends
// a single ellipsis when anything was cut.
func truncateRunes(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + Ellipsis
}
