// Package envfile reads and edits dotenv files in place.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/subosito/gotenv"
)

// Read parses a dotenv file. A missing file yields an empty map.
func Read(path string) (map[string]string, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	env, err := gotenv.StrictParse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}

// Lookup returns the value of key in the dotenv file at path.
func Lookup(path, key string) (string, bool) {
	m, err := Read(path)
	if err != nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// Set replaces the first line assigning key or appends "key=value".
// Every other line is left untouched. The file is created if absent.
func Set(path, key, value string) error {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	out := Upsert(string(b), key, value)
	return os.WriteFile(path, []byte(out), 0o600)
}

// Upsert applies Set semantics to dotenv content held in memory.
func Upsert(content, key, value string) string {
	line := key + "=" + value
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if lineKey(l) != key {
			continue
		}
		repl := line
		if strings.HasPrefix(strings.TrimSpace(l), "export ") {
			repl = "export " + line
		}
		if strings.HasSuffix(l, "\r") {
			repl += "\r"
		}
		lines[i] = repl
		return strings.Join(lines, "\n")
	}
	if content == "" {
		return line + "\n"
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + line + "\n"
}

// lineKey returns the key a single dotenv line assigns, as gotenv reads it,
// or "" for comments, blanks and unparseable lines.
func lineKey(l string) string {
	if !strings.ContainsAny(l, "=:") {
		return ""
	}
	env := gotenv.Parse(strings.NewReader(l))
	if len(env) != 1 {
		return ""
	}
	for k := range env {
		return k
	}
	return ""
}

// SetInExisting applies Set to each path that already exists and returns the
// paths that were updated.
func SetInExisting(paths []string, key, value string) ([]string, error) {
	var updated []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := Set(p, key, value); err != nil {
			return updated, err
		}
		updated = append(updated, p)
	}
	return updated, nil
}

// Render formats ordered key/value pairs as dotenv content.
func Render(pairs [][2]string) string {
	var b strings.Builder
	for _, kv := range pairs {
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(kv[1])
		b.WriteByte('\n')
	}
	return b.String()
}

// Write renders pairs into path, replacing any previous content.
func Write(path string, pairs [][2]string) error {
	return os.WriteFile(path, []byte(Render(pairs)), 0o600)
}
