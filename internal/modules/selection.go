package modules

// Toggle flips id in the selection and returns the new selection in catalog order.
// Required modules cannot be toggled. Deselecting removes every selected module
// that depends on id, directly or transitively; selecting adds id's dependencies.
func (c *Catalog) Toggle(selected []string, id string) []string {
	m, err := c.Get(id)
	if err != nil || m.Required {
		return c.order(selected)
	}
	set := toSet(selected)
	if set[id] {
		delete(set, id)
		for _, dep := range c.Dependents(id) {
			delete(set, dep)
		}
		return c.order(keys(set))
	}
	set[id] = true
	for _, dep := range c.closure([]string{id}) {
		set[dep] = true
	}
	return c.order(keys(set))
}

// Normalize returns selected plus every required module and every transitive
// dependency, dropping unknown ids, in catalog order.
func (c *Catalog) Normalize(selected []string) []string {
	ids := append(append([]string(nil), c.RequiredIDs()...), selected...)
	return c.order(c.closure(ids))
}

// Unknown returns the ids not present in the catalog.
func (c *Catalog) Unknown(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !c.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Dependents returns ids of modules that transitively require id.
func (c *Catalog) Dependents(id string) []string {
	out := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, m := range c.modules {
			if out[m.ID] {
				continue
			}
			for _, dep := range m.RequiredModules {
				if dep == id || out[dep] {
					out[m.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return c.order(keys(out))
}

// closure expands ids with their transitive required modules.
func (c *Catalog) closure(ids []string) []string {
	set := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if set[id] || !c.Has(id) {
			return
		}
		set[id] = true
		m, _ := c.Get(id)
		for _, dep := range m.RequiredModules {
			visit(dep)
		}
	}
	for _, id := range ids {
		visit(id)
	}
	return keys(set)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			out = append(out, k)
		}
	}
	return out
}
