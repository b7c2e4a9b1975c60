package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every secret value.
const Redacted = "[REDACTED]"

// secretKeyParts mark a field name as secret-bearing when contained in it,
// case-insensitively. They cover the gateway token, the device signature and
// the identity private key as well as generic credentials.
var secretKeyParts = []string{
	"token", "secret", "password", "authorization", "bearer",
	"private_key", "privatekey", "signature", "api_key", "apikey",
}

// IsSecretKey reports whether a log attribute, JSON field or environment
// variable name carries a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactField returns value unchanged unless key names a secret. An unset
// secret stays empty so reports can tell "missing" from "hidden".
func RedactField(key, value string) string {
	if value == "" || !IsSecretKey(key) {
		return value
	}
	return Redacted
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

// rules run in order. Each keeps the field name and separator and swaps
// only the value.
var rules = []rule{
	// PEM private keys, e.g. a pasted identity file
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), Redacted},
	// JSON fields: connect frame auth and device blocks, openclaw.json
	{regexp.MustCompile(`(?i)("(?:token|devicetoken|signature|privatekey|private_key|password|secret|api_?key)"\s*:\s*")[^"]+`), "${1}" + Redacted},
	// Authorization headers
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`), "${1}" + Redacted},
	// Credentials in gateway URLs
	{regexp.MustCompile(`(?i)([?&](?:token|password)=)[^&\s"]+`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(wss?://[^/@\s:]+:)[^/@\s]+@`), "${1}" + Redacted + "@"},
	// key=value and key: value pairs in error text
	{regexp.MustCompile(`(?i)((?:token|signature|secret|password|private_?key|api_?key)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`), "${1}" + Redacted},
}

// Redact masks gateway credentials in log, audit and error strings.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}
