package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/runner"
)

// ConfigStore persists the installed module list.
type ConfigStore interface {
	SaveModules(ctx context.Context, modules []string) error
}

// ConfigStoreFunc adapts a function to ConfigStore.
type ConfigStoreFunc func(ctx context.Context, modules []string) error

func (f ConfigStoreFunc) SaveModules(ctx context.Context, modules []string) error {
	return f(ctx, modules)
}

// Layout locates the three project checkouts.
type Layout struct {
	Root      string // <destination>/<projectName>
	SourceDir string // module checkout directory inside a project, default "src"
}

func (l Layout) ProjectDir(p Project) string {
	return filepath.Join(l.Root, string(p))
}

// RepoDir is where repoName is checked out inside project p.
func (l Layout) RepoDir(p Project, repoName string) string {
	src := l.SourceDir
	if src == "" {
		src = "src"
	}
	return filepath.Join(l.ProjectDir(p), src, repoName)
}

// Plan is the set difference between desired and current module lists.
type Plan struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func (p Plan) Empty() bool { return len(p.Added) == 0 && len(p.Removed) == 0 }

// Diff computes added = desired - current and removed = current - desired,
// preserving input order and ignoring duplicates.
func Diff(desired, current []string) Plan {
	want := toSet(desired)
	have := toSet(current)
	var p Plan
	seen := map[string]bool{}
	for _, id := range desired {
		if !have[id] && !seen[id] {
			p.Added = append(p.Added, id)
			seen[id] = true
		}
	}
	for _, id := range current {
		if !want[id] && !seen[id] {
			p.Removed = append(p.Removed, id)
			seen[id] = true
		}
	}
	return p
}

// Result summarises one sync run.
type Result struct {
	Plan            Plan     `json:"plan"`
	ManifestAdds    int      `json:"manifest_adds"`
	ManifestRemoves int      `json:"manifest_removes"`
	InstallFailures []string `json:"install_failures,omitempty"`
}

// Engine applies module selection changes to the three project manifests.
// Runs are not transactional: a failure part way leaves earlier steps applied.
// Concurrent runs against the same layout must be serialised by the caller.
type Engine struct {
	Catalog *Catalog
	Runner  runner.Runner
	Store   ConfigStore
	Sink    event.Sink
	Log     *slog.Logger
	// Install is the per-project dependency install step.
	Install runner.Command
}

// DefaultInstall fetches module repositories listed in the project manifest.
var DefaultInstall = runner.Command{Name: "yarn", Args: []string{"install-custom"}}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) emit(ev event.Event) {
	if e.Sink != nil {
		e.Sink.Emit(ev)
	}
}

// Sync reconciles the manifests of layout from current to desired, runs the
// install step in every project and persists desired through the store.
func (e *Engine) Sync(ctx context.Context, layout Layout, desired, current []string) (Result, error) {
	ui := event.Logger{Sink: e.Sink, Source: "modules"}
	res, err := e.sync(ctx, layout, desired, current, ui)
	metrics.IncModuleSync(err == nil)
	metrics.AddModuleChanges("added", res.ManifestAdds)
	metrics.AddModuleChanges("removed", res.ManifestRemoves)
	if err != nil {
		e.logger().Error("module sync failed", "error", err, "added", res.Plan.Added, "removed", res.Plan.Removed)
		ui.Error(fmt.Sprintf("Module sync failed: %v", err))
		e.emit(event.NewModuleResult(false))
		return res, err
	}
	ui.Success("Module sync complete")
	e.emit(event.NewModuleResult(true))
	return res, nil
}

func (e *Engine) sync(ctx context.Context, layout Layout, desired, current []string, ui event.Logger) (Result, error) {
	if e.Catalog == nil {
		return Result{}, errors.New("module catalog is required")
	}
	res := Result{Plan: Diff(desired, current)}
	if res.Plan.Empty() {
		ui.Info("No module changes to apply")
	} else {
		ui.Info(fmt.Sprintf("Adding modules: %s; removing modules: %s", joinOrNone(res.Plan.Added), joinOrNone(res.Plan.Removed)))
	}

	for _, id := range res.Plan.Removed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := e.remove(layout, id, desired, ui)
		res.ManifestRemoves += n
		if err != nil {
			return res, err
		}
	}
	for _, id := range res.Plan.Added {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := e.add(layout, id, ui)
		res.ManifestAdds += n
		if err != nil {
			return res, err
		}
	}

	install := e.Install
	if install.Name == "" {
		install = DefaultInstall
	}
	for _, p := range Projects {
		dir := layout.ProjectDir(p)
		cmd := install
		cmd.Dir = dir
		ui.Info(fmt.Sprintf("Running %s in %s", cmd.String(), p))
		out, err := e.Runner.Run(ctx, cmd)
		for _, line := range out.Lines() {
			ui.Info(line)
		}
		if err != nil {
			res.InstallFailures = append(res.InstallFailures, string(p))
			e.logger().Warn("module install step failed", "project", p, "error", err)
			ui.Warn(fmt.Sprintf("Failed to install modules for %s: %v", p, err))
		}
	}

	if e.Store != nil {
		if err := e.Store.SaveModules(ctx, desired); err != nil {
			return res, fmt.Errorf("save module selection: %w", err)
		}
	}
	e.emit(event.NewModuleConfig(desired))
	return res, nil
}

// remove drops the repos of id from every project, keeping repos that a
// module in desired still contributes.
func (e *Engine) remove(layout Layout, id string, desired []string, ui event.Logger) (int, error) {
	m, err := e.Catalog.Get(id)
	if err != nil {
		ui.Warn(fmt.Sprintf("Skipping %v", err))
		return 0, nil
	}
	n := 0
	for _, p := range Projects {
		refs := m.Repos[p]
		if len(refs) == 0 {
			continue
		}
		kept := toSet(e.Catalog.RepoNames(desired, p))
		dir := layout.ProjectDir(p)
		man, err := ReadManifest(dir)
		if err != nil {
			return n, err
		}
		for _, r := range refs {
			if kept[r.RepoName] {
				continue
			}
			if err := os.RemoveAll(layout.RepoDir(p, r.RepoName)); err != nil {
				return n, fmt.Errorf("remove %s from %s: %w", r.RepoName, p, err)
			}
			if _, ok := man[r.RepoName]; ok {
				delete(man, r.RepoName)
				n++
			}
		}
		if err := WriteManifest(dir, man); err != nil {
			return n, err
		}
		ui.Info(fmt.Sprintf("Removed %s from %s", m.Name, p))
	}
	return n, nil
}

func (e *Engine) add(layout Layout, id string, ui event.Logger) (int, error) {
	m, err := e.Catalog.Get(id)
	if err != nil {
		ui.Warn(fmt.Sprintf("Skipping %v", err))
		return 0, nil
	}
	n := 0
	for _, p := range Projects {
		refs := m.Repos[p]
		if len(refs) == 0 {
			continue
		}
		dir := layout.ProjectDir(p)
		man, err := ReadManifest(dir)
		if err != nil {
			return n, err
		}
		for _, r := range refs {
			if _, ok := man[r.RepoName]; !ok {
				n++
			}
			man[r.RepoName] = Entry{Repo: ShortRepoName(r.URL), Branch: r.Branch}
		}
		if err := WriteManifest(dir, man); err != nil {
			return n, err
		}
		ui.Info(fmt.Sprintf("Added %s to %s", m.Name, p))
	}
	return n, nil
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
