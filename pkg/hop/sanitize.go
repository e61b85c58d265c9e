package hop

import (
	"regexp"
	"strings"
)

// Sanitizer scrubs secret material from log lines and error strings before
// they leave the hop service. Patterns are compiled once at startup; on
// any doubt the value is replaced rather than passed through.
type Sanitizer struct {
	patterns []*compiledPattern
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns cover the secret shapes that appear in SSH tooling
// output: explicit key/value secrets, PEM blocks and URL-embedded
// credentials.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "kv_secret",
		pattern:     `(?i)(password|passphrase|token|secret|api[_-]?key)(["']?\s*[:=]\s*["']?)[^\s"',;]+`,
		replacement: `$1$2[REDACTED]`,
	},
	{
		name:        "pem_block",
		pattern:     `-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z0-9 ]*PRIVATE KEY-----`,
		replacement: `[REDACTED PRIVATE KEY]`,
	},
	{
		name:        "url_credentials",
		pattern:     `(?i)(ssh|sftp|https?)://([^:/@\s]+):([^@\s]+)@`,
		replacement: `$1://$2:[REDACTED]@`,
	},
	{
		name:        "bearer",
		pattern:     `(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
		replacement: `Bearer [REDACTED]`,
	},
}

// NewSanitizer compiles the builtin patterns. Compilation cannot fail for
// the builtin set; the constructor keeps the error-free signature the
// callers want.
func NewSanitizer() *Sanitizer {
	s := &Sanitizer{}
	for _, p := range builtinPatterns {
		s.patterns = append(s.patterns, &compiledPattern{
			name:        p.name,
			regex:       regexp.MustCompile(p.pattern),
			replacement: p.replacement,
		})
	}
	return s
}

// Scrub applies every pattern to the input.
func (s *Sanitizer) Scrub(text string) string {
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// MaskUser shortens a username to its first and last two characters:
// "alexander" becomes "al***er". Very short names are fully masked.
func MaskUser(username string) string {
	if len(username) <= 4 {
		return strings.Repeat("*", len(username))
	}
	return username[:2] + "***" + username[len(username)-2:]
}

// FriendlyError maps raw SSH/network errors to the short messages shown
// to users. The sanitised technical text still goes to the logs.
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "auth"), strings.Contains(msg, "permission denied"):
		return "Authentication failed. Check the username, password or key."
	case strings.Contains(msg, "connection refused"):
		return "Connection refused. Is the SSH server running on that port?"
	case strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"):
		return "Host unreachable. Check the hostname and your network."
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return "Connection timed out. The host did not respond in time."
	case strings.Contains(msg, "handshake"):
		return "SSH handshake failed. The server may not speak SSH on that port."
	default:
		return "Connection failed. See the server logs for details."
	}
}
