package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/loykin/atpinstall/internal/logger"
	"github.com/loykin/atpinstall/internal/modules"
)

// EnvPrefix prefixes environment overrides, e.g. ATP_AWS_PROFILE.
const EnvPrefix = "ATP"

// DatabaseConfig is a PostgreSQL-compatible connection target.
type DatabaseConfig struct {
	Host string `mapstructure:"host" json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port int    `mapstructure:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User string `mapstructure:"user" json:"user"`
	Pass string `mapstructure:"pass" json:"pass"`
	Name string `mapstructure:"name" json:"name" validate:"omitempty,excludesall=/\\"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" json:"addr" validate:"required"`
	BasePath string `mapstructure:"basePath" json:"basePath" validate:"omitempty,startswith=/"`
}

type HistoryConfig struct {
	// DSN selects the history sink; empty disables history.
	DSN string `mapstructure:"dsn" json:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

type CatalogConfig struct {
	// Path is an optional YAML module catalog replacing the built-in one.
	Path string `mapstructure:"path" json:"path"`
}

// AppConfig is the installer configuration.
type AppConfig struct {
	ProjectName       string            `mapstructure:"projectName" json:"projectName" validate:"required,excludesall=/\\"`
	Destination       string            `mapstructure:"destination" json:"destination" validate:"required"`
	AdminDomain       string            `mapstructure:"adminDomain" json:"adminDomain" validate:"omitempty,hostname_port|hostname_rfc1123"`
	PublicDomain      string            `mapstructure:"publicDomain" json:"publicDomain" validate:"omitempty,hostname_port|hostname_rfc1123"`
	APIDomain         string            `mapstructure:"apiDomain" json:"apiDomain" validate:"omitempty,hostname_port|hostname_rfc1123"`
	Modules           []string          `mapstructure:"modules" json:"modules"`
	Advanced          map[string]string `mapstructure:"advanced" json:"advanced"`
	DBLocal           DatabaseConfig    `mapstructure:"dbLocal" json:"dbLocal"`
	DBProd            DatabaseConfig    `mapstructure:"dbProd" json:"dbProd"`
	SelectedClusterID string            `mapstructure:"selectedClusterId" json:"selectedClusterId"`
	AWSProfile        string            `mapstructure:"awsProfile" json:"awsProfile"`
	AWSRegion         string            `mapstructure:"awsRegion" json:"awsRegion"`
	AWSAccountID      string            `mapstructure:"awsAccountId" json:"awsAccountId" validate:"omitempty,numeric,len=12"`

	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Logs    logger.Config `mapstructure:"logs" json:"logs"`
	History HistoryConfig `mapstructure:"history" json:"history"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	Catalog CatalogConfig `mapstructure:"catalog" json:"catalog"`
}

// Adv returns an advanced setting. Keys match case-insensitively because
// viper folds map keys to lower case.
func (c *AppConfig) Adv(key string) string {
	if v, ok := c.Advanced[key]; ok {
		return v
	}
	for k, v := range c.Advanced {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ProjectRoot is <destination>/<projectName>.
func (c *AppConfig) ProjectRoot() string {
	return filepath.Join(c.Destination, c.ProjectName)
}

// ProjectPath is the checkout of one project under ProjectRoot.
func (c *AppConfig) ProjectPath(p modules.Project) string {
	return filepath.Join(c.ProjectRoot(), string(p))
}

// Domain returns the public domain configured for project p.
func (c *AppConfig) Domain(p modules.Project) string {
	switch p {
	case modules.ProjectAPI:
		return c.APIDomain
	case modules.ProjectAdmin:
		return c.AdminDomain
	case modules.ProjectPublic:
		return c.PublicDomain
	}
	return ""
}

// Clone returns a deep copy.
func (c AppConfig) Clone() AppConfig {
	c.Modules = append([]string(nil), c.Modules...)
	if c.Advanced != nil {
		adv := make(map[string]string, len(c.Advanced))
		for k, v := range c.Advanced {
			adv[k] = v
		}
		c.Advanced = adv
	}
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("projectName", "")
	v.SetDefault("destination", "")
	v.SetDefault("adminDomain", "")
	v.SetDefault("publicDomain", "")
	v.SetDefault("apiDomain", "")
	v.SetDefault("modules", modules.DefaultCatalog().RequiredIDs())
	v.SetDefault("selectedClusterId", "")
	v.SetDefault("awsProfile", "default")
	v.SetDefault("awsRegion", "us-east-1")
	v.SetDefault("awsAccountId", "")

	v.SetDefault("dbLocal.host", "localhost")
	v.SetDefault("dbLocal.port", 5432)
	v.SetDefault("dbLocal.user", "postgres")
	v.SetDefault("dbLocal.pass", "")
	v.SetDefault("dbLocal.name", "")
	v.SetDefault("dbProd.host", "")
	v.SetDefault("dbProd.port", 26257)
	v.SetDefault("dbProd.user", "")
	v.SetDefault("dbProd.pass", "")
	v.SetDefault("dbProd.name", "")

	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.basePath", "/api")
	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.json", false)
	v.SetDefault("logs.time", false)
	v.SetDefault("logs.file.dir", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("catalog.path", "")
}

// envAliases bind the flat camelCase keys to underscore-separated names.
var envAliases = map[string]string{
	"projectName":       "PROJECT_NAME",
	"adminDomain":       "ADMIN_DOMAIN",
	"publicDomain":      "PUBLIC_DOMAIN",
	"apiDomain":         "API_DOMAIN",
	"selectedClusterId": "SELECTED_CLUSTER_ID",
	"awsProfile":        "AWS_PROFILE",
	"awsRegion":         "AWS_REGION",
	"awsAccountId":      "AWS_ACCOUNT_ID",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range envAliases {
		_ = v.BindEnv(key, EnvPrefix+"_"+name, EnvPrefix+"_"+strings.ToUpper(key))
	}
	return v
}

// Load reads path (TOML, JSON or YAML by extension) over the defaults,
// applies ATP_* environment overrides and validates the result. An empty
// path loads defaults and environment only.
func Load(path string) (*AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the defaults with ATP_* environment overrides applied,
// without validation.
func Default() (*AppConfig, error) { return read("") }

func read(path string) (*AppConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *AppConfig) error {
	if path == "" {
		return errors.New("config path is required")
	}
	v := viper.New()
	if err := v.MergeConfigMap(toMap(cfg)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// toMap flattens cfg into nested maps keyed by mapstructure tags.
func toMap(cfg any) map[string]any {
	out := map[string]any{}
	rv := reflect.Indirect(reflect.ValueOf(cfg))
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		f := rv.Field(i)
		switch f.Kind() {
		case reflect.Struct:
			out[key] = toMap(f.Interface())
		case reflect.Slice:
			if f.IsNil() {
				out[key] = []string{}
			} else {
				out[key] = f.Interface()
			}
		case reflect.Map:
			m := map[string]any{}
			iter := f.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = iter.Value().Interface()
			}
			out[key] = m
		default:
			out[key] = f.Interface()
		}
	}
	return out
}

// FileStore holds the live configuration and persists every update.
// It implements modules.ConfigStore.
type FileStore struct {
	path string
	mu   sync.RWMutex
	cfg  AppConfig
}

// NewFileStore wraps cfg. An empty path keeps updates in memory only.
func NewFileStore(path string, cfg *AppConfig) *FileStore {
	return &FileStore{path: path, cfg: cfg.Clone()}
}

func (s *FileStore) Path() string { return s.path }

// Get returns a copy of the current configuration.
func (s *FileStore) Get() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to the configuration and persists it.
func (s *FileStore) Update(fn func(*AppConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Clone()
	fn(&next)
	if s.path != "" {
		if err := Save(s.path, &next); err != nil {
			return err
		}
	}
	s.cfg = next
	return nil
}

func (s *FileStore) SaveModules(_ context.Context, mods []string) error {
	return s.Update(func(c *AppConfig) { c.Modules = append([]string(nil), mods...) })
}

var _ modules.ConfigStore = (*FileStore)(nil)
