package modules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestFile is the per-project manifest of installed module repositories.
const ManifestFile = "package.custom.json"

// Entry is one manifest value.
type Entry struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// Manifest maps repo name to its source.
type Manifest map[string]Entry

// ShortRepoName returns the last path segment of url without a trailing ".git".
func ShortRepoName(url string) string {
	u := strings.TrimRight(strings.TrimSpace(url), "/")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	return strings.TrimSuffix(u, ".git")
}

// ReadManifest loads dir/package.custom.json. A missing file is an empty manifest.
func ReadManifest(dir string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile)) // #nosec G304
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := Manifest{}
	if len(bytes.TrimSpace(b)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, ManifestFile), err)
	}
	return m, nil
}

// WriteManifest writes m with four-space indentation.
func WriteManifest(dir string, m Manifest) error {
	if m == nil {
		m = Manifest{}
	}
	b, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o600)
}

// Names returns the manifest keys sorted.
func (m Manifest) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildManifest returns the manifest for project given the selected module ids.
func (c *Catalog) BuildManifest(p Project, ids []string) Manifest {
	m := Manifest{}
	for _, id := range c.order(ids) {
		for _, r := range c.Repos(id, p) {
			m[r.RepoName] = Entry{Repo: ShortRepoName(r.URL), Branch: r.Branch}
		}
	}
	return m
}
