package masking

import (
	"bufio"
	"strings"
)

// sensitiveEnvKeyParts are case-insensitive substrings that mark an
// environment variable name as carrying a credential, regardless of the
// value's shape or length (the gap the builtin regex patterns leave: those
// require a specific value shape, e.g. 20+ base64-ish characters, and miss
// short or oddly-formatted secrets).
var sensitiveEnvKeyParts = []string{
	"password", "passwd", "pwd",
	"secret", "token", "credential", "apikey", "api_key",
	"private_key", "access_key",
}

// ContainerEnvMasker masks KEY=VALUE-shaped lines in synthesized-app build
// and run logs whose KEY looks like it holds a credential (sandbox-host env
// values Docker/container runtimes commonly echo into build output or a
// crashing process's stderr dump), irrespective of the value's shape.
// Registered under the "container_env" name referenced by
// config.BuiltinConfig.CodeMaskers.
type ContainerEnvMasker struct{}

// Name implements Masker.
func (m *ContainerEnvMasker) Name() string { return "container_env" }

// AppliesTo implements Masker with a cheap substring check.
func (m *ContainerEnvMasker) AppliesTo(data string) bool {
	return strings.Contains(data, "=")
}

// Mask implements Masker. Only lines shaped like KEY=VALUE (no surrounding
// whitespace inside KEY, VALUE may be empty) are considered; everything
// else passes through untouched.
func (m *ContainerEnvMasker) Mask(data string) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first := true
	for scanner.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false
		out.WriteString(maskLine(scanner.Text()))
	}
	return out.String()
}

func maskLine(line string) string {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return line
	}
	key := line[:idx]
	if strings.ContainsAny(key, " \t") {
		return line
	}
	if !isSensitiveEnvKey(key) {
		return line
	}
	return key + "=[MASKED_ENV_VALUE]"
}

func isSensitiveEnvKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveEnvKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
