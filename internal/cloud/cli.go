package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loykin/atpinstall/internal/runner"
)

// CertificateRegion is where CloudFront certificates must live.
const CertificateRegion = "us-east-1"

// Options selects the credentials profile and region for CLI calls.
type Options struct {
	Profile string `json:"profile"`
	Region  string `json:"region"`
}

func (o Options) inRegion(region string) Options {
	o.Region = region
	return o
}

// CLI invokes the aws command line tool and decodes its JSON output.
type CLI struct {
	Runner runner.Runner
	Binary string // defaults to "aws"
}

func (c CLI) command(opts Options, args []string, output string) runner.Command {
	full := append([]string(nil), args...)
	if opts.Profile != "" {
		full = append(full, "--profile", opts.Profile)
	}
	if opts.Region != "" {
		full = append(full, "--region", opts.Region)
	}
	full = append(full, "--output", output)
	bin := c.Binary
	if bin == "" {
		bin = "aws"
	}
	return runner.Command{Name: bin, Args: full}
}

// Call runs "aws <args>" and decodes stdout into out when out is non-nil.
// Empty output decodes as nothing.
func (c CLI) Call(ctx context.Context, opts Options, out any, args ...string) error {
	res, err := c.Runner.Run(ctx, c.command(opts, args, "json"))
	if err != nil {
		return err
	}
	if out == nil || strings.TrimSpace(res.Stdout) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("decode aws %s output: %w", strings.Join(args[:min(2, len(args))], " "), err)
	}
	return nil
}

// Text runs "aws <args>" with text output and returns trimmed stdout.
func (c CLI) Text(ctx context.Context, opts Options, args ...string) (string, error) {
	res, err := c.Runner.Run(ctx, c.command(opts, args, "text"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// notFound reports whether a CLI failure means the resource does not exist.
func notFound(err error) bool {
	msg := runner.StderrOf(err)
	for _, marker := range []string{
		"NotFound", "NoSuchEntity", "NoSuchBucket", "NoSuchDistribution",
		"ResourceNotFoundException", "(404)", "Not Found",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// alreadyExists reports whether a create call lost a race with another creator.
func alreadyExists(err error) bool {
	msg := runner.StderrOf(err)
	for _, marker := range []string{"BucketAlreadyOwnedByYou", "EntityAlreadyExists", "AlreadyExists"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
