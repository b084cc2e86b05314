package rabbitmq

import (
	"net/url"
	"regexp"
	"strings"
)

// sanitizedError carries a credential-free message while keeping the
// original error on the unwrap chain, so errors.Is and errors.As keep
// working on driver sentinels.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

// sanitizeBrokerErr strips broker credentials from err's message. The
// configured URL is replaced with its redacted form, its password is
// scrubbed standalone in case the driver echoed it decoded, and any other
// URL-shaped token in the message loses its userinfo password.
func sanitizeBrokerErr(err error, brokerURL string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if brokerURL != "" {
		if ref, parseErr := url.Parse(brokerURL); parseErr == nil {
			redacted := ref.Redacted()
			msg = strings.ReplaceAll(msg, brokerURL, redacted)
			msg = strings.ReplaceAll(msg, ref.String(), redacted)

			if ref.User != nil {
				if pass, ok := ref.User.Password(); ok && pass != "" {
					msg = strings.ReplaceAll(msg, pass, "xxxxx")
				}
			}
		}
	}

	// Driver errors can embed URLs that differ from the configured one, and
	// the configured URL itself may not parse at all.
	return scrubURLTokens(msg)
}

var urlishToken = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://\S+`)

// scrubURLTokens rewrites every URL-shaped token in msg so a
// "user:password@host" userinfo keeps the user and loses the password.
// Tokens net/url rejects fall through to a lexical scan, so malformed
// broker strings inside driver errors are still scrubbed.
func scrubURLTokens(msg string) string {
	return urlishToken.ReplaceAllStringFunc(msg, func(token string) string {
		parsed, err := url.Parse(token)
		if err != nil {
			return scrubRawToken(token)
		}

		if parsed.User == nil {
			return token
		}

		if _, ok := parsed.User.Password(); !ok {
			return token
		}

		return parsed.Redacted()
	})
}

// hostAfterAt recognizes a host:port immediately following a candidate '@'.
var hostAfterAt = regexp.MustCompile(`^[^/@\s:]+:\d+`)

// scrubRawToken redacts "user:password@" userinfo from a URL-shaped token
// the URL parser rejects, such as passwords containing raw '@' or '/'
// characters. The userinfo/host boundary is the last '@' that is followed
// by a host:port pair, which leaves at-signs inside path segments alone.
func scrubRawToken(token string) string {
	schemeIdx := strings.Index(token, "://")
	if schemeIdx < 0 {
		return token
	}

	rest := token[schemeIdx+3:]
	atIdx := -1

	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] != '@' {
			continue
		}

		if hostAfterAt.MatchString(rest[i+1:]) {
			atIdx = i
			break
		}
	}

	if atIdx < 0 {
		return token
	}

	userinfo := rest[:atIdx]

	colonIdx := strings.Index(userinfo, ":")
	if colonIdx < 0 {
		return token
	}

	return token[:schemeIdx+3] + userinfo[:colonIdx] + ":xxxxx" + rest[atIdx:]
}
