package secret

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// secretKeyPattern flags environment keys whose values must never reach
// logs, regardless of how the variable was declared.
var secretKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|[a-z0-9_]*token[a-z0-9_]*|private_key|credential|aws_access_key_id|aws_secret_access_key)`)

// MaskEnv returns a copy of the entries safe for logging: values of
// secret-declared keys and secret-looking keys are replaced.
func MaskEnv(entries []string, secretKeys map[string]struct{}) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			out = append(out, entry)
			continue
		}
		key := entry[:idx]
		if _, declared := secretKeys[key]; declared || secretKeyPattern.MatchString(key) {
			out = append(out, key+"="+redactedValue)
			continue
		}
		out = append(out, entry)
	}
	return out
}
