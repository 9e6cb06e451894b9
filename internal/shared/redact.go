package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule pairs a pattern with the submatch group that survives
// redaction (0 keeps nothing). Agent transcripts flow through the
// session indexer into the memory store, so beyond key=value secrets
// the table covers the raw token shapes agents paste into sessions:
// model-provider keys, VCS tokens, cloud access keys, private keys.
type redactRule struct {
	re   *regexp.Regexp
	keep int
}

var redactRules = []redactRule{
	// key = value pairs with secret-bearing key names.
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)(\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), keep: 2},
	// Authorization headers.
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: 1},
	// Model-provider keys (sk-… shapes) pasted into transcripts.
	{re: regexp.MustCompile(`\bsk-[A-Za-z0-9\-]{20,}\b`)},
	// GitHub tokens, classic and fine-grained.
	{re: regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`)},
	{re: regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`)},
	// AWS access key ids.
	{re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	// Private key material: kill the marker so the block can't be
	// reassembled from indexed chunks.
	{re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	// UUIDs bound to token-ish names.
	{re: regexp.MustCompile(`(?i)(token|secret)(\s*[:=]\s*"?)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), keep: 2},
}

// Redact replaces secret-bearing patterns in the input with [REDACTED],
// preserving each rule's keep-group (the key name, the "Bearer " prefix)
// so logs stay diagnosable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, rule := range redactRules {
		rule := rule
		result = rule.re.ReplaceAllStringFunc(result, func(match string) string {
			if rule.keep == 0 {
				return redactedPlaceholder
			}
			sub := rule.re.FindStringSubmatch(match)
			if len(sub) <= rule.keep {
				return redactedPlaceholder
			}
			prefix := strings.Join(sub[1:rule.keep+1], "")
			return prefix + redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
