package security

import (
	"net/url"
	"regexp"
	"strings"
)

// Retry loops repeat failures, and failure text tends to quote whatever the
// operation was given: DSNs, bearer tokens, API keys. Everything recorded per
// attempt (last-error fields, span events, reconnect logs) passes through
// these redaction helpers first (CWE-209).

// maxRedactedErrorLength bounds redacted error messages so a pathological
// driver error cannot blow up attempt records or log entries.
const maxRedactedErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

// RedactedValue is the placeholder substituted for detected secrets.
const RedactedValue = "[REDACTED]"

type sensitiveDataPattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitiveDataPatterns = []sensitiveDataPattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + RedactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)(authorization\s*:\s*basic\s+)[a-z0-9+/=]+`),
		replacement: `$1` + RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token|refresh[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
		replacement: RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(aws[_-]?secret[_-]?access[_-]?key|gcp[_-]?credentials|private[_-]?key|client[_-]?secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + RedactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: RedactedValue,
	},
}

var longNumericTokenPattern = regexp.MustCompile(`\b\d{12,19}\b`)

// RedactString replaces recognized secrets in msg with RedactedValue. The
// input length is preserved apart from the replacements; callers that store
// the result should prefer RedactError, which also bounds length.
func RedactString(msg string) string {
	redacted := msg

	for _, matcher := range sensitiveDataPatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return redactLuhnNumberSequences(redacted)
}

// RedactError produces a storage-safe rendering of err: secrets replaced and
// length bounded. A nil error yields the empty string.
func RedactError(err error) string {
	if err == nil {
		return ""
	}

	redacted := RedactString(strings.TrimSpace(err.Error()))

	return truncate(redacted, maxRedactedErrorLength, errorTruncatedSuffix)
}

// RedactURI strips the password from a connection URI, keeping scheme, user,
// host, and path intact so the target stays identifiable in logs. Inputs that
// do not parse as URLs (key=value DSNs, free-form text) fall back to pattern
// redaction.
func RedactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return RedactString(raw)
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "")
			// url.UserPassword renders an empty password as "user:@host";
			// substitute the placeholder explicitly instead.
			return strings.Replace(u.String(), ":@", ":"+RedactedValue+"@", 1)
		}
	}

	return RedactString(u.String())
}

// redactLuhnNumberSequences replaces 12-19 digit runs that pass the Luhn
// check. Plain identifiers of that length fail the check and are kept.
func redactLuhnNumberSequences(msg string) string {
	return longNumericTokenPattern.ReplaceAllStringFunc(msg, func(candidate string) string {
		if !passesLuhn(candidate) {
			return candidate
		}

		return RedactedValue
	})
}

func passesLuhn(number string) bool {
	if len(number) < 12 || len(number) > 19 {
		return false
	}

	sum := 0
	shouldDouble := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if shouldDouble {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		shouldDouble = !shouldDouble
	}

	return sum%10 == 0
}

func truncate(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
