package database

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/atpinstall/internal/config"
)

// CockroachAPIURL is the CockroachDB Cloud API base.
const CockroachAPIURL = "https://cockroachlabs.cloud/api/v1"

// ErrClusterTimeout is returned when a cluster is still provisioning after
// the allowed number of polls.
var ErrClusterTimeout = errors.New("cluster did not become ready in time")

// APIError is a non-2xx response from the cloud API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cockroach api: %d %s", e.Status, e.Message)
}

// Region accepts both the object and the bare string encodings.
type Region struct {
	Name string `json:"name"`
}

func (r *Region) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.Name = s
		return nil
	}
	type plain Region
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Region(p)
	return nil
}

type Cluster struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	State            string   `json:"state"`
	CloudProvider    string   `json:"cloud_provider"`
	Regions          []Region `json:"regions"`
	CockroachVersion string   `json:"cockroach_version"`
	Plan             string   `json:"plan"`
}

// Provisioning reports whether the cluster is still being created.
func (c Cluster) Provisioning() bool {
	s := strings.ToUpper(c.State)
	return strings.Contains(s, "CREATING") || strings.Contains(s, "PROVISIONING")
}

// CockroachClient talks to the CockroachDB Cloud API with a bearer key.
type CockroachClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewCockroachClient(apiKey string) *CockroachClient {
	return &CockroachClient{
		BaseURL: CockroachAPIURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *CockroachClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *CockroachClient) ListClusters(ctx context.Context) ([]Cluster, error) {
	var res struct {
		Clusters []Cluster `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, "/clusters", nil, &res); err != nil {
		return nil, err
	}
	return res.Clusters, nil
}

// CreateCluster creates a serverless AWS cluster in us-east-1.
func (c *CockroachClient) CreateCluster(ctx context.Context, name string) (Cluster, error) {
	body := map[string]any{
		"name":     name,
		"provider": "AWS",
		"spec": map[string]any{
			"serverless": map[string]any{"regions": []string{"us-east-1"}},
		},
	}
	var out Cluster
	err := c.do(ctx, http.MethodPost, "/clusters", body, &out)
	return out, err
}

func (c *CockroachClient) Cluster(ctx context.Context, id string) (Cluster, error) {
	var out Cluster
	err := c.do(ctx, http.MethodGet, "/clusters/"+id, nil, &out)
	return out, err
}

func (c *CockroachClient) ClusterStatus(ctx context.Context, id string) (string, error) {
	cl, err := c.Cluster(ctx, id)
	return cl.State, err
}

// ConnectionInfo derives the SQL host of a cluster. The API never returns
// passwords, so only host and port are set.
func (c *CockroachClient) ConnectionInfo(ctx context.Context, id string) (config.DatabaseConfig, error) {
	cl, err := c.Cluster(ctx, id)
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	return config.DatabaseConfig{Host: ClusterHost(cl), Port: 26257}, nil
}

// ClusterHost is <name>-<id[:4]>.<cloud>.<region>.cockroachlabs.cloud.
func ClusterHost(cl Cluster) string {
	region := "us-east-1"
	if len(cl.Regions) > 0 && cl.Regions[0].Name != "" {
		region = cl.Regions[0].Name
	}
	cloud := strings.ToLower(cl.CloudProvider)
	if cloud == "" {
		cloud = "aws"
	}
	short := cl.ID
	if len(short) > 4 {
		short = short[:4]
	}
	return fmt.Sprintf("%s-%s.%s.%s.cockroachlabs.cloud", cl.Name, short, cloud, region)
}

type named struct {
	Name string `json:"name"`
}

func names(in []named) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, n.Name)
	}
	return out
}

func (c *CockroachClient) ListDatabases(ctx context.Context, clusterID string) ([]string, error) {
	var res struct {
		Databases []named `json:"databases"`
	}
	if err := c.do(ctx, http.MethodGet, "/clusters/"+clusterID+"/databases", nil, &res); err != nil {
		return nil, err
	}
	return names(res.Databases), nil
}

func (c *CockroachClient) CreateDatabase(ctx context.Context, clusterID, name string) error {
	return c.do(ctx, http.MethodPost, "/clusters/"+clusterID+"/databases", named{Name: name}, nil)
}

// EnsureDatabase creates name on the cluster unless it is already listed.
func (c *CockroachClient) EnsureDatabase(ctx context.Context, clusterID, name string) (created bool, err error) {
	existing, err := c.ListDatabases(ctx, clusterID)
	if err != nil {
		return false, err
	}
	for _, n := range existing {
		if n == name {
			return false, nil
		}
	}
	if err := c.CreateDatabase(ctx, clusterID, name); err != nil {
		return false, err
	}
	return true, nil
}

func (c *CockroachClient) ListUsers(ctx context.Context, clusterID string) ([]string, error) {
	var res struct {
		Users []named `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/clusters/"+clusterID+"/sql-users", nil, &res); err != nil {
		return nil, err
	}
	return names(res.Users), nil
}

// CreateUser creates a SQL user and returns its password, generating one
// when password is empty.
func (c *CockroachClient) CreateUser(ctx context.Context, clusterID, name, password string) (string, error) {
	if password == "" {
		var err error
		if password, err = GeneratePassword(16); err != nil {
			return "", err
		}
	}
	body := map[string]string{"name": name, "password": password}
	if err := c.do(ctx, http.MethodPost, "/clusters/"+clusterID+"/sql-users", body, nil); err != nil {
		return "", err
	}
	return password, nil
}

var errStillProvisioning = errors.New("cluster still provisioning")

// WaitForCluster polls the cluster every interval until it leaves the
// provisioning state, at most maxAttempts times.
func (c *CockroachClient) WaitForCluster(ctx context.Context, id string, interval time.Duration, maxAttempts int) (Cluster, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last Cluster
	op := func() error {
		cl, err := c.Cluster(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = cl
		if cl.Provisioning() {
			return errStillProvisioning
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	if errors.Is(err, errStillProvisioning) {
		return last, fmt.Errorf("%w: %s is %s", ErrClusterTimeout, id, last.State)
	}
	return last, err
}

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+"

// GeneratePassword returns n characters drawn from a crypto random source.
func GeneratePassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordCharset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = passwordCharset[idx.Int64()]
	}
	return string(b), nil
}
