// Package config loads the process-wide configuration for the kosuke
// control plane. Values come from an optional YAML file overlaid with
// KOSUKE_* environment variables; the result is immutable after Load and
// validated once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the kosuke control plane.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Preview   PreviewConfig   `yaml:"preview"`
	Router    RouterConfig    `yaml:"router"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Git       GitConfig       `yaml:"git"`
	GitHub    GitHubConfig    `yaml:"github"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`
}

// PreviewConfig drives container lifecycle for session previews.
type PreviewConfig struct {
	BunImage       string `yaml:"bun_image"`
	PythonImage    string `yaml:"python_image"`
	Network        string `yaml:"network"`
	ResourcePrefix string `yaml:"resource_prefix"`
	HealthPath     string `yaml:"health_path"`
	// HostWorkspaceDir is the host-visible path bind-mounted into previews.
	// It may differ from ProjectsBasePath when the control plane itself
	// runs inside a container.
	HostWorkspaceDir string `yaml:"host_workspace_dir"`
	// ResendKey, when set, is injected into preview containers so in-app
	// email sending works during development.
	ResendKey string `yaml:"resend_key"`
	// JanitorInterval enables the orphaned-container sweeper when > 0.
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RouterConfig selects and parameterizes the URL strategy.
type RouterConfig struct {
	// Mode is "port" or "proxy".
	Mode           string `yaml:"mode"`
	PortRangeStart int    `yaml:"port_range_start"`
	PortRangeEnd   int    `yaml:"port_range_end"`
	BaseDomain     string `yaml:"base_domain"`
	// CertResolver names the proxy's TLS resolver referenced from route labels.
	CertResolver string `yaml:"cert_resolver"`
}

// PostgresConfig is the admin connection used to provision session databases.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AdminDSN is the connection string for the admin database.
func (p PostgresConfig) AdminDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, p.DB)
}

// SessionDSN is the connection string for a per-session database.
func (p PostgresConfig) SessionDSN(dbName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, p.Port, dbName)
}

type GitConfig struct {
	// SessionBranchPrefix is prepended to every session ID to form its branch.
	SessionBranchPrefix string `yaml:"session_branch_prefix"`
	// ProjectsBasePath is the root directory holding per-project clones.
	ProjectsBasePath string `yaml:"projects_base_path"`
	CommitPrefix     string `yaml:"commit_prefix"`
}

// GitHubConfig points at the Git hosting provider's API.
type GitHubConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver         string `yaml:"driver"`
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 tokens from the identity provider. When
	// empty, identity falls back to trusted headers (dev mode).
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads the optional YAML file named by KOSUKE_CONFIG (falling back to
// ./config.yml when present), then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("KOSUKE_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yml"); err == nil {
			path = "config.yml"
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			Version: "0.1.0",
		},
		Preview: PreviewConfig{
			BunImage:       "ghcr.io/kosuke-ai/preview-bun:latest",
			PythonImage:    "ghcr.io/kosuke-ai/preview-python:latest",
			Network:        "kosuke-previews",
			ResourcePrefix: "kosuke-preview",
			HealthPath:     "/",
		},
		Router: RouterConfig{
			Mode:           "port",
			PortRangeStart: 30000,
			PortRangeEnd:   39999,
			CertResolver:   "letsencrypt",
		},
		Postgres: PostgresConfig{
			Host: "localhost",
			Port: 5432,
			DB:   "postgres",
			User: "postgres",
		},
		Git: GitConfig{
			SessionBranchPrefix: "kosuke/chat-",
			ProjectsBasePath:    "/var/lib/kosuke/projects",
		},
		GitHub: GitHubConfig{
			APIBaseURL: "https://api.github.com",
		},
		Store: StoreConfig{
			Driver:         "memory",
			MaxConnections: 25,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "kosuke-control-plane",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = envInt("KOSUKE_PORT", cfg.Server.Port)
	cfg.Server.Version = envStr("KOSUKE_VERSION", cfg.Server.Version)

	cfg.Preview.BunImage = envStr("KOSUKE_BUN_PREVIEW_IMAGE", cfg.Preview.BunImage)
	cfg.Preview.PythonImage = envStr("KOSUKE_PYTHON_PREVIEW_IMAGE", cfg.Preview.PythonImage)
	cfg.Preview.Network = envStr("KOSUKE_PREVIEW_NETWORK", cfg.Preview.Network)
	cfg.Preview.ResourcePrefix = envStr("KOSUKE_PREVIEW_RESOURCE_PREFIX", cfg.Preview.ResourcePrefix)
	cfg.Preview.HealthPath = envStr("KOSUKE_PREVIEW_HEALTH_PATH", cfg.Preview.HealthPath)
	cfg.Preview.HostWorkspaceDir = envStr("KOSUKE_HOST_WORKSPACE_DIR", cfg.Preview.HostWorkspaceDir)
	cfg.Preview.ResendKey = envStr("KOSUKE_PREVIEW_RESEND_KEY", cfg.Preview.ResendKey)
	cfg.Preview.JanitorInterval = envDuration("KOSUKE_JANITOR_INTERVAL", cfg.Preview.JanitorInterval)

	cfg.Router.Mode = envStr("KOSUKE_ROUTER_MODE", cfg.Router.Mode)
	cfg.Router.PortRangeStart = envInt("KOSUKE_PORT_RANGE_START", cfg.Router.PortRangeStart)
	cfg.Router.PortRangeEnd = envInt("KOSUKE_PORT_RANGE_END", cfg.Router.PortRangeEnd)
	cfg.Router.BaseDomain = envStr("KOSUKE_PREVIEW_BASE_DOMAIN", cfg.Router.BaseDomain)
	cfg.Router.CertResolver = envStr("KOSUKE_PREVIEW_CERT_RESOLVER", cfg.Router.CertResolver)

	cfg.Postgres.Host = envStr("KOSUKE_POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = envInt("KOSUKE_POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.DB = envStr("KOSUKE_POSTGRES_DB", cfg.Postgres.DB)
	cfg.Postgres.User = envStr("KOSUKE_POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = envStr("KOSUKE_POSTGRES_PASSWORD", cfg.Postgres.Password)

	cfg.Git.SessionBranchPrefix = envStr("KOSUKE_SESSION_BRANCH_PREFIX", cfg.Git.SessionBranchPrefix)
	cfg.Git.ProjectsBasePath = envStr("KOSUKE_PROJECTS_BASE_PATH", cfg.Git.ProjectsBasePath)
	cfg.Git.CommitPrefix = envStr("KOSUKE_COMMIT_PREFIX", cfg.Git.CommitPrefix)

	cfg.GitHub.APIBaseURL = envStr("KOSUKE_GITHUB_API_URL", cfg.GitHub.APIBaseURL)

	cfg.Store.Driver = envStr("KOSUKE_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.URL = envStr("KOSUKE_STORE_URL", cfg.Store.URL)
	cfg.Store.MaxConnections = envInt("KOSUKE_STORE_MAX_CONNECTIONS", cfg.Store.MaxConnections)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	cfg.Auth.JWTSecret = envStr("KOSUKE_JWT_SECRET", cfg.Auth.JWTSecret)
}

// Validate fails fast on missing or inconsistent required settings.
// Validate checks the whole configuration and reports every problem at
// once, so an operator fixes one startup round trip instead of several.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Preview.BunImage == "" || c.Preview.PythonImage == "" {
		errs = append(errs, fmt.Errorf("preview images must be configured"))
	}
	if c.Preview.ResourcePrefix == "" {
		errs = append(errs, fmt.Errorf("preview resource_prefix must be configured"))
	}
	if c.Preview.Network == "" {
		errs = append(errs, fmt.Errorf("preview network must be configured"))
	}
	switch c.Router.Mode {
	case "port":
		// start == end pins every preview to one port, useful in tests.
		if c.Router.PortRangeStart > c.Router.PortRangeEnd {
			errs = append(errs, fmt.Errorf("port range [%d, %d] is empty",
				c.Router.PortRangeStart, c.Router.PortRangeEnd))
		} else if c.Router.PortRangeStart < 1024 || c.Router.PortRangeEnd > 65535 {
			errs = append(errs, fmt.Errorf("port range [%d, %d] outside [1024, 65535]",
				c.Router.PortRangeStart, c.Router.PortRangeEnd))
		}
	case "proxy":
		if c.Router.BaseDomain == "" {
			errs = append(errs, fmt.Errorf("router mode proxy requires preview_base_domain"))
		}
	default:
		errs = append(errs, fmt.Errorf("router mode %q is not one of port, proxy", c.Router.Mode))
	}
	if c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.DB == "" {
		errs = append(errs, fmt.Errorf("postgres host, user and db must be configured"))
	}
	if c.Git.SessionBranchPrefix == "" {
		errs = append(errs, fmt.Errorf("session_branch_prefix must be configured"))
	}
	if c.Git.ProjectsBasePath == "" {
		errs = append(errs, fmt.Errorf("projects_base_path must be configured"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.URL == "" {
			errs = append(errs, fmt.Errorf("store driver postgres requires store url"))
		}
	default:
		errs = append(errs, fmt.Errorf("store driver %q is not one of memory, postgres", c.Store.Driver))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
