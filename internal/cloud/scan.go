package cloud

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/runner"
)

// Scan checks every resource concurrently. Listeners first receive one
// snapshot with every check Loading, then one update per finished check in
// completion order. The returned slice follows the order of resources.
func (r *Reconciler) Scan(ctx context.Context, opts Options, resources []Resource) []Check {
	checks := make([]Check, len(resources))
	for i, res := range resources {
		id := res.ID
		if id == "" {
			id = NotConfigured
		}
		checks[i] = Check{Type: res.Type, Name: res.Name, ID: id, Status: StatusLoading}
	}
	r.listener.Emit(event.NewAwsInit(checks))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, res := range resources {
		g.Go(func() error {
			c := r.check(gctx, opts, res)
			metrics.IncScanCheck(c.Type, c.Status)
			mu.Lock()
			checks[i] = c
			mu.Unlock()
			r.listener.Emit(event.NewAwsUpdate(c))
			return nil
		})
	}
	_ = g.Wait()
	r.Log.Info("cloud status scan finished", "resources", len(resources))
	return checks
}

func (r *Reconciler) check(ctx context.Context, opts Options, res Resource) Check {
	c := Check{Type: res.Type, Name: res.Name, ID: res.ID}
	if res.ID == "" {
		c.ID = NotConfigured
		c.Status = StatusMissing
		return c
	}
	var err error
	switch res.Type {
	case TypeBucket:
		err = r.CLI.Call(ctx, opts, nil, "s3api", "head-bucket", "--bucket", res.ID)
	case TypeRole:
		var out struct {
			Role struct {
				Arn        string `json:"Arn"`
				CreateDate string `json:"CreateDate"`
			} `json:"Role"`
		}
		if err = r.CLI.Call(ctx, opts, &out, "iam", "get-role", "--role-name", res.ID); err == nil {
			c.Details = out.Role.Arn
			c.Metadata = map[string]any{"Arn": out.Role.Arn, "CreateDate": out.Role.CreateDate}
		}
	case TypeFunction:
		var out struct {
			Configuration struct {
				FunctionArn  string `json:"FunctionArn"`
				Runtime      string `json:"Runtime"`
				LastModified string `json:"LastModified"`
			} `json:"Configuration"`
		}
		if err = r.CLI.Call(ctx, opts, &out, "lambda", "get-function", "--function-name", res.ID); err == nil {
			c.Details = out.Configuration.Runtime
			c.Metadata = map[string]any{
				"FunctionArn":  out.Configuration.FunctionArn,
				"Runtime":      out.Configuration.Runtime,
				"LastModified": out.Configuration.LastModified,
			}
		}
	case TypeCertificate:
		return r.checkCertificate(ctx, opts, c)
	case TypeCDN:
		return r.checkDistribution(ctx, opts, c)
	}
	return resolve(c, err)
}

// resolve maps a lookup error to Missing or Error.
func resolve(c Check, err error) Check {
	switch {
	case err == nil:
		c.Status = StatusExists
	case notFound(err):
		c.Status = StatusMissing
	default:
		c.Status = StatusError
		c.Details = runner.StderrOf(err)
	}
	return c
}

func (r *Reconciler) checkCertificate(ctx context.Context, opts Options, c Check) Check {
	arn, err := r.findCertificate(ctx, c.ID, opts)
	if err != nil {
		return resolve(c, err)
	}
	if arn == "" {
		c.Status = StatusMissing
		return c
	}
	var out struct {
		Certificate struct {
			CertificateArn          string           `json:"CertificateArn"`
			Status                  string           `json:"Status"`
			Issuer                  string           `json:"Issuer"`
			Subject                 string           `json:"Subject"`
			NotBefore               any              `json:"NotBefore"`
			NotAfter                any              `json:"NotAfter"`
			DomainValidationOptions []map[string]any `json:"DomainValidationOptions"`
		} `json:"Certificate"`
	}
	c.Status = StatusExists
	c.Metadata = map[string]any{"CertificateArn": arn}
	if err := r.CLI.Call(ctx, opts.inRegion(CertificateRegion), &out, "acm", "describe-certificate", "--certificate-arn", arn); err != nil {
		r.Log.Warn("certificate details unavailable", "arn", arn, "error", err)
		return c
	}
	cert := out.Certificate
	c.Details = cert.Status
	c.Metadata["Status"] = cert.Status
	c.Metadata["Issuer"] = cert.Issuer
	c.Metadata["Subject"] = cert.Subject
	c.Metadata["NotBefore"] = cert.NotBefore
	c.Metadata["NotAfter"] = cert.NotAfter
	c.Metadata["DomainValidationOptions"] = cert.DomainValidationOptions
	return c
}

func (r *Reconciler) checkDistribution(ctx context.Context, opts Options, c Check) Check {
	var out struct {
		Distribution struct {
			DomainName         string `json:"DomainName"`
			Status             string `json:"Status"`
			DistributionConfig struct {
				Aliases struct {
					Items []string `json:"Items"`
				} `json:"Aliases"`
				ViewerCertificate struct {
					CloudFrontDefaultCertificate bool   `json:"CloudFrontDefaultCertificate"`
					ACMCertificateArn            string `json:"ACMCertificateArn"`
				} `json:"ViewerCertificate"`
			} `json:"DistributionConfig"`
		} `json:"Distribution"`
	}
	err := r.CLI.Call(ctx, opts, &out, "cloudfront", "get-distribution", "--id", c.ID)
	c = resolve(c, err)
	if err != nil {
		return c
	}
	d := out.Distribution
	aliases := d.DistributionConfig.Aliases.Items
	if aliases == nil {
		aliases = []string{}
	}
	c.Details = d.Status
	c.Metadata = map[string]any{
		"DomainName":        d.DomainName,
		"Aliases":           aliases,
		"Status":            d.Status,
		"ACMCertificateArn": d.DistributionConfig.ViewerCertificate.ACMCertificateArn,
	}
	if d.DistributionConfig.ViewerCertificate.CloudFrontDefaultCertificate {
		c.Status = StatusNeedsCustomCert
	}
	return c
}
