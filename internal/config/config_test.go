package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atpinstall/internal/modules"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func TestLoad_TOMLWithDefaults(t *testing.T) {
	p := writeFile(t, "atp.toml", `
projectName = "shop"
destination = "/srv/sites"
apiDomain = "api.shop.example"
adminDomain = "localhost:3001"

[advanced]
SALT = "pepper"
COCKROACH_API_KEY = "k"

[dbLocal]
name = "shop_local"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.ProjectName)
	assert.Equal(t, "localhost", cfg.DBLocal.Host)
	assert.Equal(t, 5432, cfg.DBLocal.Port)
	assert.Equal(t, "shop_local", cfg.DBLocal.Name)
	assert.Equal(t, 26257, cfg.DBProd.Port)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "info", cfg.Logs.Level)
	assert.Equal(t, []string{"core", "common", "uac", "theming", "admin", "public"}, cfg.Modules)

	assert.Equal(t, "pepper", cfg.Adv("SALT"))
	assert.Equal(t, "k", cfg.Adv("cockroach_api_key"))
	assert.Empty(t, cfg.Adv("MISSING"))

	assert.Equal(t, filepath.Join("/srv/sites", "shop"), cfg.ProjectRoot())
	assert.Equal(t, filepath.Join("/srv/sites", "shop", "admin"), cfg.ProjectPath(modules.ProjectAdmin))
	assert.Equal(t, "api.shop.example", cfg.Domain(modules.ProjectAPI))
	assert.Equal(t, "localhost:3001", cfg.Domain(modules.ProjectAdmin))
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	p := writeFile(t, "atp.yaml", `
projectName: shop
destination: /srv
awsProfile: file-profile
modules: [core, blog]
dbLocal:
  port: 5433
`)
	t.Setenv("ATP_AWS_PROFILE", "env-profile")
	t.Setenv("ATP_DBLOCAL_PORT", "6543")
	t.Setenv("ATP_SERVER_ADDR", "0.0.0.0:9000")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "env-profile", cfg.AWSProfile)
	assert.Equal(t, 6543, cfg.DBLocal.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"core", "blog"}, cfg.Modules)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		fields []string
	}{
		{"valid", func(*AppConfig) {}, nil},
		{"missing project", func(c *AppConfig) { c.ProjectName = "" }, []string{"projectName"}},
		{"project with slash", func(c *AppConfig) { c.ProjectName = "a/b" }, []string{"projectName"}},
		{"bad port", func(c *AppConfig) { c.DBLocal.Port = 70000 }, []string{"dbLocal.port"}},
		{"bad domain", func(c *AppConfig) { c.PublicDomain = "not a domain" }, []string{"publicDomain"}},
		{"bad account", func(c *AppConfig) { c.AWSAccountID = "12ab" }, []string{"awsAccountId"}},
		{"base path", func(c *AppConfig) { c.Server.BasePath = "api" }, []string{"server.basePath"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AppConfig{
				ProjectName: "shop",
				Destination: "/srv",
				DBLocal:     DatabaseConfig{Host: "localhost", Port: 5432},
				Server:      ServerConfig{Addr: ":7420", BasePath: "/api"},
			}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.fields == nil {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.fields, ve.Fields())
			assert.Contains(t, err.Error(), tt.fields[0])
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{"json", "toml", "yaml"} {
		t.Run(ext, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "nested", "atp."+ext)
			in := &AppConfig{
				ProjectName: "shop",
				Destination: "/srv",
				Modules:     []string{"core", "store"},
				Advanced:    map[string]string{"S3BUCKET": "deploys"},
				DBLocal:     DatabaseConfig{Host: "localhost", Port: 5432, Name: "shop"},
				AWSProfile:  "work",
				Server:      ServerConfig{Addr: ":7420", BasePath: "/api"},
			}
			require.NoError(t, Save(p, in))

			out, err := Load(p)
			require.NoError(t, err)
			assert.Equal(t, "shop", out.ProjectName)
			assert.Equal(t, []string{"core", "store"}, out.Modules)
			assert.Equal(t, "deploys", out.Adv("S3BUCKET"))
			assert.Equal(t, "work", out.AWSProfile)
			assert.Equal(t, "shop", out.DBLocal.Name)
		})
	}
}

func TestSave_RequiresPath(t *testing.T) {
	require.Error(t, Save("", &AppConfig{}))
}

func TestFileStore(t *testing.T) {
	p := filepath.Join(t.TempDir(), "atp.json")
	cfg := &AppConfig{
		ProjectName: "shop",
		Destination: "/srv",
		Modules:     []string{"core"},
		Server:      ServerConfig{Addr: ":7420", BasePath: "/api"},
	}
	s := NewFileStore(p, cfg)

	require.NoError(t, s.SaveModules(context.Background(), []string{"core", "blog"}))
	got := s.Get()
	assert.Equal(t, []string{"core", "blog"}, got.Modules)
	assert.Equal(t, []string{"core"}, cfg.Modules)

	got.Modules[0] = "mutated"
	assert.Equal(t, "core", s.Get().Modules[0])

	onDisk, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "blog"}, onDisk.Modules)
}

func TestFileStore_MemoryOnly(t *testing.T) {
	s := NewFileStore("", &AppConfig{ProjectName: "x"})
	require.NoError(t, s.Update(func(c *AppConfig) { c.AWSRegion = "eu-west-1" }))
	assert.Equal(t, "eu-west-1", s.Get().AWSRegion)
}
