package modules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.Command
	fail  map[string]bool // by Dir base name
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.fail[filepath.Base(c.Dir)] {
		return runner.Result{Stderr: "boom", ExitCode: 1}, &runner.ExternalCommandError{Command: c.String(), Dir: c.Dir, ExitCode: 1, Stderr: "boom"}
	}
	return runner.Result{Stdout: "done\n"}, nil
}

type memStore struct{ saved [][]string }

func (m *memStore) SaveModules(_ context.Context, mods []string) error {
	m.saved = append(m.saved, append([]string(nil), mods...))
	return nil
}

type sink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *sink) Emit(e event.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func newLayout(t *testing.T, c *Catalog, installed []string) Layout {
	t.Helper()
	l := Layout{Root: t.TempDir()}
	for _, p := range Projects {
		dir := l.ProjectDir(p)
		require.NoError(t, os.MkdirAll(dir, 0o750))
		man := c.BuildManifest(p, installed)
		require.NoError(t, WriteManifest(dir, man))
		for name := range man {
			require.NoError(t, os.MkdirAll(l.RepoDir(p, name), 0o750))
		}
	}
	return l
}

func manifestKeys(t *testing.T, l Layout, p Project) []string {
	t.Helper()
	m, err := ReadManifest(l.ProjectDir(p))
	require.NoError(t, err)
	return m.Names()
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestDiff(t *testing.T) {
	p := Diff([]string{"a", "b", "b", "c"}, []string{"c", "d", "d"})
	assert.Equal(t, []string{"a", "b"}, p.Added)
	assert.Equal(t, []string{"d"}, p.Removed)
	assert.True(t, Diff([]string{"x"}, []string{"x"}).Empty())
}

func TestSync_AddStore(t *testing.T) {
	c := DefaultCatalog()
	current := []string{"core", "common", "uac", "admin", "public"}
	desired := append(append([]string(nil), current...), "store")
	l := newLayout(t, c, current)
	fr := &fakeRunner{}
	st := &memStore{}
	sk := &sink{}
	e := &Engine{Catalog: c, Runner: fr, Store: st, Sink: sk}

	res, err := e.Sync(context.Background(), l, desired, current)
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, res.Plan.Added)
	assert.Empty(t, res.Plan.Removed)
	assert.Equal(t, 6, res.ManifestAdds)

	for _, p := range Projects {
		m, err := ReadManifest(l.ProjectDir(p))
		require.NoError(t, err)
		assert.Equal(t, "main", m["store"].Branch, p)
		assert.Equal(t, "main", m["store-shared"].Branch, p)
		assert.Equal(t, sorted(c.RepoNames(desired, p)), manifestKeys(t, l, p), p)
	}
	m, _ := ReadManifest(l.ProjectDir(ProjectAdmin))
	assert.Equal(t, "atp-store-ui", m["store"].Repo)

	require.Len(t, fr.calls, 3)
	for i, p := range Projects {
		assert.Equal(t, "yarn", fr.calls[i].Name)
		assert.Equal(t, []string{"install-custom"}, fr.calls[i].Args)
		assert.Equal(t, l.ProjectDir(p), fr.calls[i].Dir)
	}
	assert.Equal(t, [][]string{desired}, st.saved)

	var cfgEvent, doneEvent *event.ModuleSync
	for _, ev := range sk.events {
		if ev.Module == nil {
			continue
		}
		if ev.Module.Success != nil {
			doneEvent = ev.Module
		} else {
			cfgEvent = ev.Module
		}
	}
	require.NotNil(t, cfgEvent)
	require.NotNil(t, doneEvent)
	assert.Equal(t, desired, cfgEvent.Modules)
	assert.True(t, *doneEvent.Success)
}

func TestSync_RemoveDeletesSourcesAndEntries(t *testing.T) {
	c := DefaultCatalog()
	current := c.Normalize([]string{"store", "brokered-products"})
	desired := c.Toggle(current, "store")
	l := newLayout(t, c, current)
	e := &Engine{Catalog: c, Runner: &fakeRunner{}}

	res, err := e.Sync(context.Background(), l, desired, current)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"store", "brokered-products"}, res.Plan.Removed)

	for _, p := range Projects {
		assert.Equal(t, sorted(c.RepoNames(desired, p)), manifestKeys(t, l, p))
		_, err := os.Stat(l.RepoDir(p, "store"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(l.RepoDir(p, "core"))
		assert.NoError(t, err)
	}
}

func TestSync_Idempotent(t *testing.T) {
	c := DefaultCatalog()
	current := c.RequiredIDs()
	desired := c.Normalize([]string{"webcomic"})
	l := newLayout(t, c, current)
	e := &Engine{Catalog: c, Runner: &fakeRunner{}}

	_, err := e.Sync(context.Background(), l, desired, current)
	require.NoError(t, err)
	before := map[Project][]byte{}
	for _, p := range Projects {
		before[p], _ = os.ReadFile(filepath.Join(l.ProjectDir(p), ManifestFile))
	}

	res, err := e.Sync(context.Background(), l, desired, desired)
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
	for _, p := range Projects {
		after, _ := os.ReadFile(filepath.Join(l.ProjectDir(p), ManifestFile))
		assert.Equal(t, before[p], after)
	}
}

func TestSync_InstallFailureIsWarning(t *testing.T) {
	c := DefaultCatalog()
	current := c.RequiredIDs()
	l := newLayout(t, c, current)
	fr := &fakeRunner{fail: map[string]bool{"admin": true}}
	sk := &sink{}
	st := &memStore{}
	e := &Engine{Catalog: c, Runner: fr, Sink: sk, Store: st}

	res, err := e.Sync(context.Background(), l, c.Normalize([]string{"subscription"}), current)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, res.InstallFailures)
	assert.Len(t, fr.calls, 3)
	assert.Len(t, st.saved, 1)

	warned := false
	for _, ev := range sk.events {
		if ev.Log != nil && ev.Log.Type == event.LogWarning {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSync_UnknownModuleSkipped(t *testing.T) {
	c := DefaultCatalog()
	current := c.RequiredIDs()
	l := newLayout(t, c, current)
	e := &Engine{Catalog: c, Runner: &fakeRunner{}}
	_, err := e.Sync(context.Background(), l, append(append([]string(nil), current...), "ghost"), current)
	require.NoError(t, err)
	for _, p := range Projects {
		assert.Equal(t, sorted(c.RepoNames(current, p)), manifestKeys(t, l, p))
	}
}

func TestSync_StoreFailure(t *testing.T) {
	c := DefaultCatalog()
	current := c.RequiredIDs()
	l := newLayout(t, c, current)
	sk := &sink{}
	e := &Engine{
		Catalog: c,
		Runner:  &fakeRunner{},
		Sink:    sk,
		Store: ConfigStoreFunc(func(context.Context, []string) error {
			return errors.New("disk full")
		}),
	}
	_, err := e.Sync(context.Background(), l, c.Normalize([]string{"store"}), current)
	require.Error(t, err)
	last := sk.events[len(sk.events)-1]
	require.NotNil(t, last.Module)
	assert.False(t, *last.Module.Success)
}

func TestSync_MissingProjectDirFails(t *testing.T) {
	c := DefaultCatalog()
	e := &Engine{Catalog: c, Runner: &fakeRunner{}}
	_, err := e.Sync(context.Background(), Layout{Root: filepath.Join(t.TempDir(), "none")}, c.Normalize([]string{"store"}), c.RequiredIDs())
	assert.Error(t, err)
}

func TestSync_RemoveKeepsSharedRepo(t *testing.T) {
	shared := RepoRef{URL: "https://example.com/atp-media-shared.git", RepoName: "media-shared"}
	c, err := NewCatalog([]Module{
		{ID: "core", Name: "Core", Required: true, Repos: map[Project][]RepoRef{
			ProjectAPI: {{URL: "https://example.com/atp-core.git", RepoName: "core"}},
		}},
		{ID: "gallery", Name: "Gallery", Repos: map[Project][]RepoRef{
			ProjectAPI: {{URL: "https://example.com/atp-gallery.git", RepoName: "gallery"}, shared},
		}},
		{ID: "video", Name: "Video", Repos: map[Project][]RepoRef{
			ProjectAPI: {{URL: "https://example.com/atp-video.git", RepoName: "video"}, shared},
		}},
	})
	require.NoError(t, err)
	current := []string{"core", "gallery", "video"}
	desired := []string{"core", "video"}
	l := newLayout(t, c, current)
	e := &Engine{Catalog: c, Runner: &fakeRunner{}}

	res, err := e.Sync(context.Background(), l, desired, current)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ManifestRemoves)
	assert.Equal(t, []string{"core", "media-shared", "video"}, manifestKeys(t, l, ProjectAPI))
	_, err = os.Stat(l.RepoDir(ProjectAPI, "media-shared"))
	assert.NoError(t, err)
	_, err = os.Stat(l.RepoDir(ProjectAPI, "gallery"))
	assert.True(t, os.IsNotExist(err))
}
