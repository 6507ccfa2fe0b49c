package installer

import (
	"fmt"
	"strconv"

	"github.com/loykin/atpinstall/internal/config"
)

// APIEnv is the api project's local .env.
func APIEnv(c *config.AppConfig) [][2]string {
	return [][2]string{
		{"DB_HOST", c.DBLocal.Host},
		{"DB_PORT", port(c.DBLocal.Port)},
		{"DB_USER", c.DBLocal.User},
		{"DB_PASSWORD", c.DBLocal.Pass},
		{"DB_DATABASE", c.DBLocal.Name},
		{"AWS_PROFILE", c.AWSProfile},
		{"ADMIN_DOMAIN", c.AdminDomain},
		{"PUBLIC_DOMAIN", c.PublicDomain},
		{"API_DOMAIN", c.APIDomain},
		{"HOST_PUBLIC", "http://" + c.PublicDomain},
		{"HOST_ADMIN", "http://" + c.AdminDomain},
		{"HOST_API", "http://" + c.APIDomain},
		{"ENV", "local"},
		{"DB_CLIENT", "pg"},
		{"DB_SSL", "off"},
		{"SALT", c.Adv("SALT")},
		{"SECRET", c.Adv("SECRET")},
		{"LAMBDA_FUNCTION_NAME", c.Adv("LAMBDA_FUNCTION_NAME")},
		{"LAMBDA_ROLE", c.Adv("LAMBDA_ROLE")},
		{"ACCOUNT", c.Adv("ACCOUNT")},
		{"S3BUCKET", c.Adv("S3BUCKET")},
		{"S3KEY", c.Adv("S3KEY")},
		{"CERTIFICATE_NAME", c.Adv("CERTIFICATE_NAME")},
	}
}

// APIProdEnv is the api project's .env.prod.
func APIProdEnv(c *config.AppConfig) [][2]string {
	return [][2]string{
		{"DB_HOST", c.DBProd.Host},
		{"DB_PORT", port(c.DBProd.Port)},
		{"DB_USER", c.DBProd.User},
		{"DB_PASSWORD", c.DBProd.Pass},
		{"DB_DATABASE", c.DBProd.Name},
		{"DB_CLIENT", "pg"},
		{"DB_SSL", "true"},
		{"ENV", "prod"},
	}
}

func AdminEnv(c *config.AppConfig) [][2]string {
	return [][2]string{
		{"AWS_BUCKET", c.Adv("AWS_BUCKET_ADMIN")},
		{"CLOUDFRONT_DISTRIBUTION_ID", ""},
	}
}

func PublicEnv(c *config.AppConfig) [][2]string {
	return [][2]string{
		{"AWS_BUCKET", c.Adv("AWS_BUCKET_PUBLIC")},
		{"API_URL", "https://" + c.APIDomain},
		{"CLOUDFRONT_DISTRIBUTION_ID", ""},
	}
}

func port(p int) string {
	if p == 0 {
		return ""
	}
	return strconv.Itoa(p)
}

// ConfigLocalTS is src/config.local.ts for the browser projects. It targets
// the local api on localhost and the deployed api elsewhere.
func ConfigLocalTS(apiDomain string) string {
	return fmt.Sprintf(`export const localConfig = {
    api: {
        baseUrl: (window.location.hostname === 'localhost' || window.location.hostname === '127.0.0.1')
            ? 'http://localhost:3002/'
            : 'https://%s/'
    }
}
`, apiDomain)
}
