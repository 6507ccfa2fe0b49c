package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/atpinstall/internal/cloud"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/envfile"
	"github.com/loykin/atpinstall/internal/history/sqlite"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/process"
	"github.com/loykin/atpinstall/internal/runner"
)

type fakeRunner struct {
	mu   sync.Mutex
	cmds []runner.Command
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, c)
	if c.Name == "yarn" && len(c.Args) > 0 && c.Args[0] == "cloudfront" {
		return runner.Result{Stdout: "creating...\nDISTRIBUTION_ID=E2ABC\n"}, nil
	}
	return runner.Result{}, nil
}

func (f *fakeRunner) strings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.cmds))
	for _, c := range f.cmds {
		out = append(out, c.String())
	}
	return out
}

func newTestApp(t *testing.T) (*App, *fakeRunner) {
	t.Helper()
	cfg := &config.AppConfig{
		ProjectName: "acme",
		Destination: t.TempDir(),
		APIDomain:   "api.acme.io",
		AdminDomain: "admin.acme.io",
		Modules:     modules.DefaultCatalog().RequiredIDs(),
		Advanced: map[string]string{
			"s3bucket":           "acme-deploy",
			"AWS_BUCKET_ADMIN":   "acme-admin",
			"LAMBDA_ROLE":        "acme-role",
			"CERTIFICATE_NAME":   "*.acme.io",
			"ORIGIN_DOMAIN_NAME": "origin.acme.io",
		},
		AWSProfile: "dev",
		AWSRegion:  "eu-west-1",
		Server:     config.ServerConfig{Addr: "127.0.0.1:0"},
	}
	fr := &fakeRunner{}
	a, err := New(Options{Config: cfg, Runner: fr})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, fr
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestInventory(t *testing.T) {
	a, _ := newTestApp(t)
	cfg := a.Config()
	admin := cfg.ProjectPath(modules.ProjectAdmin)
	require.NoError(t, os.MkdirAll(admin, 0o750))
	require.NoError(t, envfile.Write(filepath.Join(admin, ".env"), [][2]string{{"CLOUDFRONT_DISTRIBUTION_ID", "E1"}}))

	inv := a.Inventory()
	assert.Equal(t, "acme-deploy", inv.DeploymentBucket)
	assert.Equal(t, "acme-admin", inv.AdminBucket)
	assert.Empty(t, inv.PublicBucket)
	assert.Equal(t, "acme-role", inv.LambdaRole)
	assert.Equal(t, "E1", inv.AdminDistribution)
	assert.Empty(t, inv.APIDistribution)
	assert.Equal(t, cloud.Options{Profile: "dev", Region: "eu-west-1"}, a.CloudOptions())
}

func TestEnsureDistribution(t *testing.T) {
	a, fr := newTestApp(t)
	cfg := a.Config()
	admin := cfg.ProjectPath(modules.ProjectAdmin)
	require.NoError(t, os.MkdirAll(admin, 0o750))
	require.NoError(t, envfile.Write(filepath.Join(admin, ".env"), [][2]string{{"CLOUDFRONT_DISTRIBUTION_ID", ""}}))

	id, err := a.Ensure(context.Background(), EnsureDistribution, "admin")
	require.NoError(t, err)
	assert.Equal(t, "E2ABC", id)
	v, _ := envfile.Lookup(filepath.Join(admin, ".env"), "CLOUDFRONT_DISTRIBUTION_ID")
	assert.Equal(t, "E2ABC", v)

	require.Len(t, fr.cmds, 1)
	assert.Contains(t, fr.cmds[0].Env, "ALTERNATE_DOMAIN_NAMES=admin.acme.io")
	assert.Contains(t, fr.cmds[0].Env, "ORIGIN_DOMAIN_NAME=origin.acme.io")
}

func TestEnsureValidation(t *testing.T) {
	a, fr := newTestApp(t)
	_, err := a.Ensure(context.Background(), "vpc", "")
	assert.ErrorIs(t, err, ErrUnknownEnsure)
	_, err = a.Ensure(context.Background(), EnsureDistribution, "mobile")
	assert.ErrorIs(t, err, process.ErrUnknownTarget)
	assert.Empty(t, fr.cmds)
}

func TestEnsureBucketDefaultsToDeploymentBucket(t *testing.T) {
	a, fr := newTestApp(t)
	name, err := a.Ensure(context.Background(), EnsureBucket, "")
	require.NoError(t, err)
	assert.Equal(t, "acme-deploy", name)
	require.NotEmpty(t, fr.cmds)
	assert.Contains(t, fr.strings()[0], "s3api head-bucket --bucket acme-deploy --profile dev --region eu-west-1")
}

func TestDevSpecValidatesTarget(t *testing.T) {
	a, _ := newTestApp(t)
	spec, err := a.DevSpec("api")
	require.NoError(t, err)
	cfg := a.Config()
	assert.Equal(t, cfg.ProjectPath(modules.ProjectAPI), spec.Dir)
	_, err = a.DevSpec("../etc")
	assert.ErrorIs(t, err, process.ErrUnknownTarget)
	assert.NoError(t, a.StopDev("api"))
}

func TestSyncModulesRejectsUnknown(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := a.SyncModules(context.Background(), []string{"nope"})
	assert.ErrorIs(t, err, modules.ErrUnknownModule)
}

func TestSyncModulesPersistsSelection(t *testing.T) {
	a, fr := newTestApp(t)
	cat := a.Catalog
	var optional string
	for _, m := range cat.All() {
		if !m.Required {
			optional = m.ID
			break
		}
	}
	require.NotEmpty(t, optional)
	for _, p := range modules.Projects {
		cfg := a.Config()
		require.NoError(t, os.MkdirAll(cfg.ProjectPath(p), 0o750))
	}
	res, err := a.SyncModules(context.Background(), append(a.Config().Modules, optional))
	require.NoError(t, err)
	assert.Contains(t, res.Plan.Added, optional)
	assert.Contains(t, a.Config().Modules, optional)
	assert.Len(t, fr.strings(), len(modules.Projects))
}

func TestJobsRecordHistory(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	cfg := &config.AppConfig{ProjectName: "acme", Destination: t.TempDir()}
	a, err := New(Options{Config: cfg, Runner: &fakeRunner{}, History: sink})
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	id, err := a.Submit(job.KindDeploy, "mobile", func(ctx context.Context) error {
		return a.Deploy(ctx, "mobile")
	})
	require.NoError(t, err)
	j, err := a.Jobs.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.PhaseFailed, j.Phase)

	recs, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.False(t, recs[0].Success)
}
