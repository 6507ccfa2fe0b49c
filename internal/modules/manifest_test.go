package modules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortRepoName(t *testing.T) {
	tests := map[string]string{
		"https://github.com/EvilInnocence-Studios/atp-store-api.git": "atp-store-api",
		"https://github.com/org/repo":                                "repo",
		"https://github.com/org/repo/":                               "repo",
		"git@github.com:org/atp-core-ui.git":                         "atp-core-ui",
		"plain.git":                                                  "plain",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShortRepoName(in), in)
	}
}

func TestManifestRoundTripFormat(t *testing.T) {
	dir := t.TempDir()
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Empty(t, m)

	m["store"] = Entry{Repo: "atp-store-api", Branch: "main"}
	require.NoError(t, WriteManifest(dir, m))

	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"store\": {\n        \"repo\": \"atp-store-api\",\n        \"branch\": \"main\"\n    }\n}", string(b))

	got, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadManifest_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{nope"), 0o600))
	_, err := ReadManifest(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("  \n"), 0o600))
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestBuildManifest(t *testing.T) {
	c := DefaultCatalog()
	m := c.BuildManifest(ProjectAdmin, c.RequiredIDs())
	assert.Equal(t, []string{"admin", "common", "common-shared", "core", "core-shared", "theming", "uac", "uac-shared"}, m.Names())
	assert.Equal(t, Entry{Repo: "atp-core-ui", Branch: "main"}, m["core"])

	api := c.BuildManifest(ProjectAPI, c.RequiredIDs())
	assert.Equal(t, Entry{Repo: "atp-core-api", Branch: "main"}, api["core"])
	assert.NotContains(t, api, "theming")
}
