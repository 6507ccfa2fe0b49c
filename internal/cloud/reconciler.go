package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loykin/atpinstall/internal/env"
	"github.com/loykin/atpinstall/internal/envfile"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/runner"
)

const (
	lambdaBasicExecutionPolicy = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
	inlinePolicyName           = "ATPFrameworkPermissions"
	distributionKey            = "CLOUDFRONT_DISTRIBUTION_ID"
)

var distributionMarker = regexp.MustCompile(`DISTRIBUTION_ID=(.*)`)

// DistributionEnvFiles are updated with a captured distribution id when present.
var DistributionEnvFiles = []string{".env", ".env.prod"}

// Reconciler ensures cloud resources exist and reports their state. Every
// ensure call is a single attempt; failures propagate to the caller.
type Reconciler struct {
	CLI      CLI
	Runner   runner.Runner
	Log      *slog.Logger
	listener event.Listener
}

func NewReconciler(r runner.Runner, log *slog.Logger, sink event.Sink) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	rc := &Reconciler{CLI: CLI{Runner: r}, Runner: r, Log: log}
	rc.listener.Attach(sink)
	return rc
}

// AttachListener replaces the event listener; nil drops subsequent events.
func (r *Reconciler) AttachListener(s event.Sink) { r.listener.Attach(s) }

func (r *Reconciler) ui(source string) event.Logger {
	return event.Logger{Sink: &r.listener, Source: source}
}

func record(kind string, created bool, err error) {
	switch {
	case err != nil:
		metrics.IncEnsure(kind, "error")
	case created:
		metrics.IncEnsure(kind, "created")
	default:
		metrics.IncEnsure(kind, "exists")
	}
}

// EnsureBucket creates a publicly readable bucket unless it already exists.
// It reports whether the bucket was created.
func (r *Reconciler) EnsureBucket(ctx context.Context, bucket string, opts Options) (created bool, err error) {
	defer func() { record("bucket", created, err) }()
	if strings.TrimSpace(bucket) == "" {
		return false, errors.New("bucket name is required")
	}
	if err := r.CLI.Call(ctx, opts, nil, "s3api", "head-bucket", "--bucket", bucket); err == nil {
		r.Log.Debug("bucket exists", "bucket", bucket)
		return false, nil
	}

	r.ui("aws").Info(fmt.Sprintf("Creating bucket %s...", bucket))
	args := []string{"s3api", "create-bucket", "--bucket", bucket}
	if opts.Region != "" && opts.Region != "us-east-1" {
		args = append(args, "--create-bucket-configuration", "LocationConstraint="+opts.Region)
	}
	if err := r.CLI.Call(ctx, opts, nil, args...); err != nil {
		if !alreadyExists(err) {
			return false, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		r.Log.Info("bucket created concurrently", "bucket", bucket)
	}

	if err := r.CLI.Call(ctx, opts, nil, "s3api", "put-public-access-block", "--bucket", bucket,
		"--public-access-block-configuration",
		"BlockPublicAcls=false,IgnorePublicAcls=false,BlockPublicPolicy=false,RestrictPublicBuckets=false"); err != nil {
		return true, fmt.Errorf("relax public access on %s: %w", bucket, err)
	}
	policy := mustJSON(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Sid":       "PublicRead",
			"Effect":    "Allow",
			"Principal": "*",
			"Action":    []string{"s3:GetObject"},
			"Resource":  []string{"arn:aws:s3:::" + bucket + "/*"},
		}},
	})
	if err := r.CLI.Call(ctx, opts, nil, "s3api", "put-bucket-policy", "--bucket", bucket, "--policy", policy); err != nil {
		return true, fmt.Errorf("attach public read policy to %s: %w", bucket, err)
	}
	r.ui("aws").Success(fmt.Sprintf("Bucket %s is ready", bucket))
	return true, nil
}

// EnsureRole creates the function execution role if needed and (re)applies
// its managed and inline policies.
func (r *Reconciler) EnsureRole(ctx context.Context, role string, opts Options) (created bool, err error) {
	defer func() { record("role", created, err) }()
	if strings.TrimSpace(role) == "" {
		return false, errors.New("role name is required")
	}
	if err := r.CLI.Call(ctx, opts, nil, "iam", "get-role", "--role-name", role); err != nil {
		r.ui("aws").Info(fmt.Sprintf("Creating role %s...", role))
		trust := mustJSON(map[string]any{
			"Version": "2012-10-17",
			"Statement": []map[string]any{{
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": []string{"lambda.amazonaws.com", "edgelambda.amazonaws.com"}},
				"Action":    "sts:AssumeRole",
			}},
		})
		if err := r.CLI.Call(ctx, opts, nil, "iam", "create-role", "--role-name", role, "--assume-role-policy-document", trust); err != nil {
			if !alreadyExists(err) {
				return false, fmt.Errorf("create role %s: %w", role, err)
			}
		} else {
			created = true
		}
	}

	if err := r.CLI.Call(ctx, opts, nil, "iam", "attach-role-policy", "--role-name", role, "--policy-arn", lambdaBasicExecutionPolicy); err != nil {
		return created, fmt.Errorf("attach execution policy to %s: %w", role, err)
	}
	inline := mustJSON(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{
			{
				"Effect":   "Allow",
				"Action":   []string{"cloudfront:CreateInvalidation", "cloudfront:GetDistribution", "cloudfront:GetDistributionConfig", "cloudfront:UpdateDistribution"},
				"Resource": "*",
			},
			{"Effect": "Allow", "Action": "s3:*", "Resource": "*"},
			{
				"Effect":   "Allow",
				"Action":   []string{"iam:CreateServiceLinkedRole", "lambda:GetFunction", "lambda:EnableReplication*", "cloudfront:UpdateDistribution"},
				"Resource": "*",
			},
		},
	})
	if err := r.CLI.Call(ctx, opts, nil, "iam", "put-role-policy", "--role-name", role,
		"--policy-name", inlinePolicyName, "--policy-document", inline); err != nil {
		return created, fmt.Errorf("put inline policy on %s: %w", role, err)
	}
	r.ui("aws").Success(fmt.Sprintf("Role %s is ready", role))
	return created, nil
}

type certificateSummary struct {
	CertificateArn string `json:"CertificateArn"`
	DomainName     string `json:"DomainName"`
}

func (r *Reconciler) findCertificate(ctx context.Context, domain string, opts Options) (string, error) {
	var res struct {
		CertificateSummaryList []certificateSummary `json:"CertificateSummaryList"`
	}
	if err := r.CLI.Call(ctx, opts.inRegion(CertificateRegion), &res, "acm", "list-certificates"); err != nil {
		return "", err
	}
	for _, c := range res.CertificateSummaryList {
		if c.DomainName == domain {
			return c.CertificateArn, nil
		}
	}
	return "", nil
}

// EnsureCertificate returns the ARN of the certificate for domain, requesting
// a DNS-validated one when none exists. Certificates always live in us-east-1.
func (r *Reconciler) EnsureCertificate(ctx context.Context, domain string, opts Options) (arn string, err error) {
	created := false
	defer func() { record("certificate", created, err) }()
	if strings.TrimSpace(domain) == "" {
		return "", errors.New("certificate domain is required")
	}
	arn, err = r.findCertificate(ctx, domain, opts)
	if err != nil {
		return "", fmt.Errorf("list certificates: %w", err)
	}
	if arn != "" {
		return arn, nil
	}
	r.ui("aws").Info(fmt.Sprintf("Requesting certificate for %s...", domain))
	var res struct {
		CertificateArn string `json:"CertificateArn"`
	}
	if err := r.CLI.Call(ctx, opts.inRegion(CertificateRegion), &res, "acm", "request-certificate",
		"--domain-name", domain, "--validation-method", "DNS"); err != nil {
		return "", fmt.Errorf("request certificate for %s: %w", domain, err)
	}
	created = true
	r.ui("aws").Success(fmt.Sprintf("Requested certificate %s", res.CertificateArn))
	return res.CertificateArn, nil
}

// DistributionEnv is passed to a project's cloudfront script.
type DistributionEnv struct {
	OriginDomainName     string
	AlternateDomainNames string
	CertificateName      string
	Profile              string
	Region               string
}

func (d DistributionEnv) pairs() []string {
	return env.Pairs(map[string]string{
		"ORIGIN_DOMAIN_NAME":     d.OriginDomainName,
		"ALTERNATE_DOMAIN_NAMES": d.AlternateDomainNames,
		"CERTIFICATE_NAME":       d.CertificateName,
		"AWS_PROFILE":            d.Profile,
		"AWS_REGION":             d.Region,
	})
}

// ParseDistributionID extracts the id printed as DISTRIBUTION_ID=<id>.
func ParseDistributionID(stdout string) (string, bool) {
	m := distributionMarker.FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	id := strings.TrimSpace(m[1])
	return id, id != ""
}

// EnsureDistribution runs "yarn cloudfront" in projectDir and records the
// printed distribution id in the project's existing env files. An empty id
// with a nil error means the script printed no id.
func (r *Reconciler) EnsureDistribution(ctx context.Context, projectDir string, de DistributionEnv) (id string, err error) {
	defer func() { record("distribution", id != "", err) }()
	ui := r.ui("aws")
	ui.Info(fmt.Sprintf("Running cloudfront script in %s...", projectDir))
	res, err := r.Runner.Run(ctx, runner.Command{
		Name: "yarn",
		Args: []string{"cloudfront"},
		Dir:  projectDir,
		Env:  de.pairs(),
	})
	for _, line := range res.Lines() {
		ui.Info(line)
	}
	if err != nil {
		return "", fmt.Errorf("cloudfront script: %w", err)
	}
	id, ok := ParseDistributionID(res.Stdout)
	if !ok {
		r.Log.Warn("cloudfront script printed no distribution id", "dir", projectDir)
		ui.Warn("Cloudfront script did not report a distribution id")
		return "", nil
	}
	ui.Info(fmt.Sprintf("Captured Distribution ID: %s", id))

	paths := make([]string, 0, len(DistributionEnvFiles))
	for _, f := range DistributionEnvFiles {
		paths = append(paths, filepath.Join(projectDir, f))
	}
	updated, err := envfile.SetInExisting(paths, distributionKey, id)
	for _, p := range updated {
		ui.Info(fmt.Sprintf("Updated %s with Distribution ID %s", filepath.Base(p), id))
	}
	if err != nil {
		return id, fmt.Errorf("record distribution id: %w", err)
	}
	return id, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
