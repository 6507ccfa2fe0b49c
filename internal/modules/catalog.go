package modules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Project is one of the three sub-projects a module contributes repositories to.
type Project string

const (
	ProjectAPI    Project = "api"
	ProjectAdmin  Project = "admin"
	ProjectPublic Project = "public"
)

// Projects lists every project in processing order.
var Projects = []Project{ProjectAPI, ProjectAdmin, ProjectPublic}

var ErrUnknownModule = errors.New("unknown module")

// RepoRef is one source repository contributed by a module.
type RepoRef struct {
	URL      string `yaml:"url" json:"url"`
	Branch   string `yaml:"branch" json:"branch"`
	RepoName string `yaml:"repoName" json:"repoName"`
}

// Module is a catalog entry.
type Module struct {
	ID              string                `yaml:"id" json:"id"`
	Name            string                `yaml:"name" json:"name"`
	Description     string                `yaml:"description,omitempty" json:"description,omitempty"`
	Required        bool                  `yaml:"required,omitempty" json:"required,omitempty"`
	RequiredModules []string              `yaml:"requiredModules,omitempty" json:"requiredModules,omitempty"`
	Repos           map[Project][]RepoRef `yaml:"repos" json:"repos"`
}

// Catalog is an immutable, validated list of modules.
type Catalog struct {
	modules []Module
	index   map[string]int
}

// NewCatalog validates mods: ids are unique and non-empty, repo refs are
// complete, and every required module id exists in the catalog.
func NewCatalog(mods []Module) (*Catalog, error) {
	c := &Catalog{modules: make([]Module, 0, len(mods)), index: make(map[string]int, len(mods))}
	for _, m := range mods {
		if strings.TrimSpace(m.ID) == "" {
			return nil, errors.New("module id is required")
		}
		if _, dup := c.index[m.ID]; dup {
			return nil, fmt.Errorf("duplicate module id %q", m.ID)
		}
		for p, refs := range m.Repos {
			if !validProject(p) {
				return nil, fmt.Errorf("module %s: unknown project %q", m.ID, p)
			}
			for i, r := range refs {
				if r.URL == "" || r.RepoName == "" {
					return nil, fmt.Errorf("module %s: %s repo %d needs url and repoName", m.ID, p, i)
				}
				if r.Branch == "" {
					m.Repos[p][i].Branch = "main"
				}
			}
		}
		c.index[m.ID] = len(c.modules)
		c.modules = append(c.modules, m)
	}
	for _, m := range c.modules {
		for _, dep := range m.RequiredModules {
			if dep == m.ID {
				return nil, fmt.Errorf("module %s requires itself", m.ID)
			}
			if _, ok := c.index[dep]; !ok {
				return nil, fmt.Errorf("module %s requires %w %q", m.ID, ErrUnknownModule, dep)
			}
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML list of modules.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var doc struct {
		Modules []Module `yaml:"modules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(doc.Modules)
}

func validProject(p Project) bool {
	for _, q := range Projects {
		if p == q {
			return true
		}
	}
	return false
}

// Get returns the module with id.
func (c *Catalog) Get(id string) (Module, error) {
	i, ok := c.index[id]
	if !ok {
		return Module{}, fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	return c.modules[i], nil
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// All returns the modules in catalog order.
func (c *Catalog) All() []Module {
	return append([]Module(nil), c.modules...)
}

// RequiredIDs returns ids of modules that can never be deselected.
func (c *Catalog) RequiredIDs() []string {
	var out []string
	for _, m := range c.modules {
		if m.Required {
			out = append(out, m.ID)
		}
	}
	return out
}

// Repos returns the repositories a module contributes to project.
func (c *Catalog) Repos(id string, p Project) []RepoRef {
	m, err := c.Get(id)
	if err != nil {
		return nil
	}
	return m.Repos[p]
}

// RepoNames returns the sorted-by-catalog set of repo names contributed to
// project by the given module ids. Unknown ids are ignored.
func (c *Catalog) RepoNames(ids []string, p Project) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range c.order(ids) {
		for _, r := range c.Repos(id, p) {
			if !seen[r.RepoName] {
				seen[r.RepoName] = true
				out = append(out, r.RepoName)
			}
		}
	}
	return out
}

// order returns the known ids from ids in catalog order without duplicates.
func (c *Catalog) order(ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for _, m := range c.modules {
		if want[m.ID] {
			out = append(out, m.ID)
		}
	}
	return out
}
