package modules

const repoBase = "https://github.com/EvilInnocence-Studios/"

// ProjectRepoURL is the clone URL of a sub-project skeleton (atp-api, atp-admin, atp-public).
func ProjectRepoURL(p Project) string {
	return repoBase + "atp-" + string(p) + ".git"
}

func repo(slug, name string) RepoRef {
	return RepoRef{URL: repoBase + "atp-" + slug + ".git", Branch: "main", RepoName: name}
}

// feature builds the common api/ui/shared layout: api gets <slug>-api, admin and
// public get <slug>-ui, and every project gets <slug>-shared unless noShared.
func feature(slug, name string, noShared bool) map[Project][]RepoRef {
	out := map[Project][]RepoRef{
		ProjectAPI:    {repo(slug+"-api", name)},
		ProjectAdmin:  {repo(slug+"-ui", name)},
		ProjectPublic: {repo(slug+"-ui", name)},
	}
	if !noShared {
		for _, p := range Projects {
			out[p] = append(out[p], repo(slug+"-shared", name+"-shared"))
		}
	}
	return out
}

func defaultModules() []Module {
	plugin := func(slug string, noShared bool) map[Project][]RepoRef {
		return feature(slug+"-plugin", slug+"-plugin", noShared)
	}
	return []Module{
		{ID: "core", Name: "Core Framework", Description: "The foundational framework for the ATP system.", Required: true, Repos: feature("core", "core", false)},
		{ID: "common", Name: "Common Utilities", Description: "Shared utilities and helper libraries.", Required: true, Repos: feature("common", "common", false)},
		{ID: "uac", Name: "Authentication (UAC)", Description: "User Authentication and Control system.", Required: true, Repos: feature("uac", "uac", false)},
		{ID: "theming", Name: "Theming Engine", Description: "Theming engine for customizable UI styles.", Required: true, Repos: map[Project][]RepoRef{
			ProjectAdmin:  {repo("theming-ui", "theming")},
			ProjectPublic: {repo("theming-ui", "theming")},
		}},
		{ID: "admin", Name: "Admin Interface", Description: "The administrative dashboard application.", Required: true, Repos: map[Project][]RepoRef{
			ProjectAdmin: {repo("admin-core", "admin")},
		}},
		{ID: "public", Name: "Public Interface", Description: "The public-facing website application.", Required: true, Repos: map[Project][]RepoRef{
			ProjectPublic: {repo("public-core", "public")},
		}},
		{ID: "store", Name: "E-Commerce Store", Description: "Full-featured e-commerce store with cart", Repos: feature("store", "store", false)},
		{ID: "brokered-products", Name: "Brokered Products Plugin", Description: "Support for selling brokered items.", RequiredModules: []string{"store"}, Repos: plugin("brokered-products", false)},
		{ID: "donation-products", Name: "Donation Products Plugin", Description: "Support for donation-based products.", RequiredModules: []string{"store"}, Repos: plugin("donation-products", false)},
		{ID: "subscription", Name: "Subscriptions", Description: "Subscription management system.", Repos: feature("subscription", "subscription", false)},
		{ID: "subscription-products", Name: "Subscription Products Plugin", Description: "Support for subscription-based products.", RequiredModules: []string{"store", "subscription"}, Repos: plugin("subscription-products", true)},
		{ID: "webcomic", Name: "Web Comic", Description: "Web comic management and reader.", Repos: feature("comic", "comic", false)},
	}
}

// DefaultCatalog returns the built-in ATP module catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultModules())
	if err != nil {
		panic(err)
	}
	return c
}
