package database

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *CockroachClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewCockroachClient("secret")
	c.BaseURL = srv.URL
	c.HTTP = srv.Client()
	return c
}

func TestCockroach_ListClustersSendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/clusters", r.URL.Path)
		_, _ = w.Write([]byte(`{"clusters":[{"id":"abcd1234","name":"atp","state":"CREATED","cloud_provider":"AWS","regions":[{"name":"us-east-1"}]}]}`))
	})
	got, err := c.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "atp", got[0].Name)
	assert.Equal(t, "us-east-1", got[0].Regions[0].Name)
}

func TestCockroach_CreateCluster(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			Name     string
			Provider string
			Spec     struct {
				Serverless struct {
					Regions []string
				}
			}
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "shop", body.Name)
		assert.Equal(t, "AWS", body.Provider)
		assert.Equal(t, []string{"us-east-1"}, body.Spec.Serverless.Regions)
		_, _ = w.Write([]byte(`{"id":"9f3e","name":"shop","state":"CREATING"}`))
	})
	cl, err := c.CreateCluster(context.Background(), "shop")
	require.NoError(t, err)
	assert.True(t, cl.Provisioning())
}

func TestCockroach_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"bad key"}`))
	})
	_, err := c.ListDatabases(context.Background(), "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "bad key", apiErr.Message)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err = c.ListUsers(context.Background(), "x")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestCockroach_ConnectionInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/clusters/abcdef", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"abcdef","name":"shop","cloud_provider":"GCP","regions":["europe-west1"]}`))
	})
	info, err := c.ConnectionInfo(context.Background(), "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "shop-abcd.gcp.europe-west1.cockroachlabs.cloud", info.Host)
	assert.Equal(t, 26257, info.Port)
}

func TestClusterHostDefaults(t *testing.T) {
	assert.Equal(t, "x-ab.aws.us-east-1.cockroachlabs.cloud", ClusterHost(Cluster{ID: "ab", Name: "x"}))
}

func TestCockroach_DatabasesAndUsers(t *testing.T) {
	var created []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/databases"):
			_, _ = w.Write([]byte(`{"databases":[{"name":"defaultdb"},{"name":"shop"}]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/databases"):
			var b named
			require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			created = append(created, b.Name)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sql-users"):
			_, _ = w.Write([]byte(`{"users":[{"name":"root"}]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sql-users"):
			var b map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
			assert.Equal(t, "app", b["name"])
			assert.Len(t, b["password"], 16)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	dbs, err := c.ListDatabases(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"defaultdb", "shop"}, dbs)

	made, err := c.EnsureDatabase(ctx, "c1", "shop")
	require.NoError(t, err)
	assert.False(t, made)
	made, err = c.EnsureDatabase(ctx, "c1", "shop_prod")
	require.NoError(t, err)
	assert.True(t, made)
	assert.Equal(t, []string{"shop_prod"}, created)

	users, err := c.ListUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, users)

	pw, err := c.CreateUser(ctx, "c1", "app", "")
	require.NoError(t, err)
	assert.Len(t, pw, 16)
}

func TestCockroach_WaitForCluster(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		state := "CREATING"
		if polls.Add(1) >= 3 {
			state = "CREATED"
		}
		_, _ = w.Write([]byte(`{"id":"c1","state":"` + state + `"}`))
	})
	cl, err := c.WaitForCluster(context.Background(), "c1", time.Millisecond, 5)
	require.NoError(t, err)
	assert.Equal(t, "CREATED", cl.State)
	assert.EqualValues(t, 3, polls.Load())
}

func TestCockroach_WaitForClusterTimeout(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"id":"c1","state":"CLUSTER_STATE_CREATING"}`))
	})
	_, err := c.WaitForCluster(context.Background(), "c1", time.Millisecond, 3)
	require.ErrorIs(t, err, ErrClusterTimeout)
	assert.EqualValues(t, 3, polls.Load())
}

func TestCockroach_WaitForClusterStopsOnAPIError(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.WaitForCluster(context.Background(), "c1", time.Millisecond, 5)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.EqualValues(t, 1, polls.Load())
}

func TestGeneratePassword(t *testing.T) {
	a, err := GeneratePassword(16)
	require.NoError(t, err)
	b, err := GeneratePassword(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	for _, ch := range a {
		assert.True(t, strings.ContainsRune(passwordCharset, ch))
	}
}
