package cloud

import "github.com/loykin/atpinstall/internal/event"

// Resource types as shown to users.
const (
	TypeBucket      = "S3"
	TypeRole        = "IAM Role"
	TypeFunction    = "Lambda"
	TypeCertificate = "Certificate"
	TypeCDN         = "CloudFront"
)

// Check statuses.
const (
	StatusLoading         = "Loading"
	StatusExists          = "Exists"
	StatusMissing         = "Missing"
	StatusError           = "Error"
	StatusNeedsCustomCert = "Needs Custom Certificate"
	NotConfigured         = "Not Configured"
)

// Tracked resource names.
const (
	NameDeploymentBucket   = "Deployment Bucket"
	NameAdminBucket        = "Admin Site Bucket"
	NamePublicBucket       = "Public Site Bucket"
	NameLambdaRole         = "Lambda Role"
	NameAPIFunction        = "API Lambda"
	NameCertificate        = "SSL Certificate"
	NameAPIDistribution    = "API Distribution"
	NameAdminDistribution  = "Admin Distribution"
	NamePublicDistribution = "Public Distribution"
)

// Check is the observed state of one tracked resource.
type Check = event.AwsCheck

// Resource is a tracked resource with its configured identifier.
type Resource struct {
	Name string
	Type string
	ID   string
}

// Dependencies lists, per resource name, the resources that must exist before
// it can be fixed. They are hints for callers and are not enforced here.
var Dependencies = map[string][]string{
	NameAPIFunction:        {NameLambdaRole, NameDeploymentBucket},
	NameAPIDistribution:    {NameAPIFunction, NameLambdaRole, NameCertificate},
	NameAdminDistribution:  {NameAdminBucket, NameCertificate},
	NamePublicDistribution: {NamePublicBucket, NameCertificate},
}

// MissingDependencies returns the dependencies of name that are not Exists in checks.
func MissingDependencies(name string, checks []Check) []string {
	var out []string
	for _, dep := range Dependencies[name] {
		found := false
		for _, c := range checks {
			if c.Name == dep && c.Status == StatusExists {
				found = true
				break
			}
		}
		if !found {
			out = append(out, dep)
		}
	}
	return out
}

// Inventory holds the configured identifiers of every tracked resource.
type Inventory struct {
	DeploymentBucket   string
	AdminBucket        string
	PublicBucket       string
	LambdaRole         string
	FunctionName       string
	CertificateDomain  string
	APIDistribution    string
	AdminDistribution  string
	PublicDistribution string
}

// Resources lists the tracked resources in display order.
func (inv Inventory) Resources() []Resource {
	return []Resource{
		{NameDeploymentBucket, TypeBucket, inv.DeploymentBucket},
		{NameAdminBucket, TypeBucket, inv.AdminBucket},
		{NamePublicBucket, TypeBucket, inv.PublicBucket},
		{NameLambdaRole, TypeRole, inv.LambdaRole},
		{NameAPIFunction, TypeFunction, inv.FunctionName},
		{NameCertificate, TypeCertificate, inv.CertificateDomain},
		{NameAPIDistribution, TypeCDN, inv.APIDistribution},
		{NameAdminDistribution, TypeCDN, inv.AdminDistribution},
		{NamePublicDistribution, TypeCDN, inv.PublicDistribution},
	}
}
