// Package envfile reads and writes the per-project environment file.
// Format: one KEY=VALUE per line, full-line # comments, values containing
// whitespace or quotes double-quoted with backslash escaping.
package envfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hostkit/hostkit/pkg/types"
)

// FileMode is the required mode of a project env file.
const FileMode = 0o600

// Parse decodes env-file content into a key→value map. Unknown lines and
// malformed keys are rejected.
func Parse(content string) (map[string]string, error) {
	out := make(map[string]string)
	for i, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, types.E(types.ErrInvalidKey, "env file line %d: missing '='", i+1)
		}
		key = strings.TrimSpace(key)
		if !types.ValidEnvKey(key) {
			return nil, types.E(types.ErrInvalidKey, "env file line %d: invalid key %q", i+1, key)
		}
		out[key] = unquote(strings.TrimSpace(value))
	}
	return out, nil
}

// Serialize renders the map in deterministic key order using the quoting
// rules from Quote.
func Serialize(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(env[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// Quote wraps a value in double quotes when it contains whitespace or
// quote characters, escaping embedded double quotes and backslashes.
func Quote(v string) string {
	if !strings.ContainsAny(v, " \t\"'") {
		return v
	}
	escaped := strings.ReplaceAll(v, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		inner := v[1 : len(v)-1]
		inner = strings.ReplaceAll(inner, `\"`, `"`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

// Load reads and parses the env file at path. A missing file yields an
// empty map.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return Parse(string(data))
}

// Save writes the env map to path with the required 0600 mode.
func Save(path string, env map[string]string) error {
	return os.WriteFile(path, []byte(Serialize(env)), FileMode)
}

// Set updates one key in the env file on disk.
func Set(path, key, value string) error {
	if !types.ValidEnvKey(key) {
		return types.E(types.ErrInvalidKey, "invalid env key %q", key)
	}
	env, err := Load(path)
	if err != nil {
		return err
	}
	env[key] = value
	return Save(path, env)
}

// Get reads one key from the env file on disk. The second return reports
// presence.
func Get(path, key string) (string, bool, error) {
	env, err := Load(path)
	if err != nil {
		return "", false, err
	}
	v, ok := env[key]
	return v, ok, nil
}

// Unset removes one key from the env file on disk.
func Unset(path, key string) error {
	env, err := Load(path)
	if err != nil {
		return err
	}
	delete(env, key)
	return Save(path, env)
}

// Snapshot serializes the current env-file contents as a JSON map, the
// form stored on a release row for full rollback.
func Snapshot(path string) (string, error) {
	env, err := Load(path)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RestoreSnapshot replaces the env file from a JSON snapshot produced by
// Snapshot.
func RestoreSnapshot(path, snapshot string) error {
	var env map[string]string
	if err := json.Unmarshal([]byte(snapshot), &env); err != nil {
		return types.Wrap(types.ErrInvalidSnapshot, err, "malformed env snapshot")
	}
	return Save(path, env)
}
