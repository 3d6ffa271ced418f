package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grid4/portal-devproxy/server/internal/rewrite"
)

// Environment variables read by Load.
const (
	EnvDevPort      = "DEV_PORT"
	EnvTargetPortal = "TARGET_PORTAL"
)

// DefaultFile is the optional config file looked up in the working directory.
const DefaultFile = "devproxy.yaml"

// Default values for the proxy configuration.
const (
	DefaultHTTPPort        = 3000
	DefaultCDNBase         = "https://cdn.jsdelivr.net/gh/grid4/netsapiens-portal-skin@main/"
	DefaultBuildDir        = "dist"
	DefaultMaxRewriteBytes = 16 << 20
	DefaultUpstreamTimeout = 60 * time.Second
	DefaultReconnectDelay  = 2 * time.Second
	DefaultChangeTTL       = 10 * time.Minute
)

// ErrMissingTarget is returned when neither TARGET_PORTAL nor target_portal
// names an upstream.
var ErrMissingTarget = errors.New("target portal is not set (export " + EnvTargetPortal + ")")

// Override is one local file that replaces a production CDN asset.
type Override struct {
	// File is the path relative to RootDir. Its slash form, prefixed with "/",
	// is the URL path the proxy serves it under.
	File string `yaml:"file"`

	// ContentType overrides the MIME type derived from the extension.
	ContentType string `yaml:"content_type"`
}

// URLPath returns the request path that maps to this override.
func (o Override) URLPath() string {
	return "/" + strings.TrimPrefix(filepath.ToSlash(o.File), "/")
}

// Config is the immutable proxy configuration resolved at startup.
type Config struct {
	// TargetPortal is the upstream origin, e.g. https://portal.example.com.
	TargetPortal string `yaml:"target_portal"`

	// HTTPPort is the proxy listen port (DEV_PORT, default 3000).
	HTTPPort int `yaml:"http_port"`

	// WSPort is the hot-reload WebSocket port. Zero means HTTPPort+1.
	WSPort int `yaml:"ws_port"`

	// RootDir is the directory override files and watch globs are relative to.
	RootDir string `yaml:"root_dir"`

	// CDNBase is the production URL prefix the overrides are published under.
	// One rewrite rule per override is derived from it.
	CDNBase string `yaml:"cdn_base"`

	// Overrides lists the locally served files.
	Overrides []Override `yaml:"overrides"`

	// Watch lists extra glob patterns or directories to watch, relative to
	// RootDir. Override files are always watched.
	Watch []string `yaml:"watch"`

	// RewriteRules are applied in addition to the CDN-derived rules.
	RewriteRules []rewrite.Rule `yaml:"rewrite_rules"`

	// MaxRewriteBytes caps the HTML rewrite buffer; larger bodies stream through.
	MaxRewriteBytes int64 `yaml:"max_rewrite_bytes"`

	// UpstreamTimeout bounds the wait for upstream response headers. Zero
	// disables the bound.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// ReconnectDelay is the fixed delay the client agent waits before redialling.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ChangeTTL is how long a file change stays visible on the status endpoint.
	ChangeTTL time.Duration `yaml:"change_ttl"`

	// LogFormat is json or text.
	LogFormat string `yaml:"log_format"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	target *url.URL
}

// Target returns the parsed upstream origin. Valid only after Load.
func (c *Config) Target() *url.URL {
	return c.target
}

// EffectiveWSPort returns WSPort, or HTTPPort+1 when unset.
func (c *Config) EffectiveWSPort() int {
	if c.WSPort != 0 {
		return c.WSPort
	}
	return c.HTTPPort + 1
}

// LocalURL returns the URL the browser uses to reach urlPath on the proxy.
func (c *Config) LocalURL(urlPath string) string {
	return fmt.Sprintf("http://localhost:%d%s", c.HTTPPort, urlPath)
}

// Rules returns the full rewrite rule set: one rule per override derived from
// CDNBase, followed by the explicit RewriteRules.
func (c *Config) Rules() []rewrite.Rule {
	rules := make([]rewrite.Rule, 0, len(c.Overrides)+len(c.RewriteRules))
	if c.CDNBase != "" {
		base := strings.TrimSuffix(c.CDNBase, "/")
		for _, o := range c.Overrides {
			rules = append(rules, rewrite.Rule{
				From: base + o.URLPath(),
				To:   c.LocalURL(o.URLPath()),
			})
		}
	}
	return append(rules, c.RewriteRules...)
}

// WatchPatterns returns every pattern the watcher should register: each
// override file followed by the extra Watch entries, all relative to RootDir.
func (c *Config) WatchPatterns() []string {
	out := make([]string, 0, len(c.Overrides)+len(c.Watch))
	seen := make(map[string]bool)
	add := func(p string) {
		p = path.Clean(filepath.ToSlash(p))
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, o := range c.Overrides {
		add(o.File)
	}
	for _, w := range c.Watch {
		add(w)
	}
	return out
}

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the optional YAML file at path
// and the environment, in increasing precedence. A missing file is not an
// error; an unreadable or malformed one is.
func Load(path string, env LookupFunc) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse yaml: %w", err)
			}
		}
	}

	if env == nil {
		env = os.LookupEnv
	}
	if v, ok := env(EnvDevPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s=%q is not a port number", EnvDevPort, v)
		}
		cfg.HTTPPort = port
	}
	if v, ok := env(EnvTargetPortal); ok && v != "" {
		cfg.TargetPortal = v
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		HTTPPort: DefaultHTTPPort,
		RootDir:  ".",
		CDNBase:  DefaultCDNBase,
		Overrides: []Override{
			{File: "grid4-netsapiens.css"},
			{File: "grid4-netsapiens.js"},
		},
		Watch:           []string{DefaultBuildDir},
		MaxRewriteBytes: DefaultMaxRewriteBytes,
		UpstreamTimeout: DefaultUpstreamTimeout,
		ReconnectDelay:  DefaultReconnectDelay,
		ChangeTTL:       DefaultChangeTTL,
		LogFormat:       "json",
		LogLevel:        "info",
	}
}

// validate checks structural constraints and resolves the target URL.
func validate(cfg *Config) error {
	if cfg.TargetPortal == "" {
		return ErrMissingTarget
	}
	u, err := url.Parse(cfg.TargetPortal)
	if err != nil {
		return fmt.Errorf("target portal %q: %w", cfg.TargetPortal, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target portal %q must be an absolute http(s) URL", cfg.TargetPortal)
	}
	cfg.target = u

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d is out of range [1, 65535]", cfg.HTTPPort)
	}
	if ws := cfg.EffectiveWSPort(); ws <= 0 || ws > 65535 {
		return fmt.Errorf("ws_port %d is out of range [1, 65535]", ws)
	}
	if cfg.EffectiveWSPort() == cfg.HTTPPort {
		return fmt.Errorf("ws_port must differ from http_port (%d)", cfg.HTTPPort)
	}
	if len(cfg.Overrides) == 0 {
		return fmt.Errorf("at least one override file is required")
	}
	seen := make(map[string]bool)
	for i, o := range cfg.Overrides {
		if o.File == "" {
			return fmt.Errorf("overrides[%d].file must not be empty", i)
		}
		if strings.Contains(filepath.ToSlash(o.File), "..") {
			return fmt.Errorf("overrides[%d].file %q must stay inside root_dir", i, o.File)
		}
		if seen[o.URLPath()] {
			return fmt.Errorf("overrides[%d].file %q is listed twice", i, o.File)
		}
		seen[o.URLPath()] = true
	}
	if err := rewrite.Validate(cfg.Rules()); err != nil {
		return err
	}
	if cfg.MaxRewriteBytes <= 0 {
		return fmt.Errorf("max_rewrite_bytes must be positive")
	}
	if cfg.UpstreamTimeout < 0 {
		return fmt.Errorf("upstream_timeout must not be negative")
	}
	if cfg.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if cfg.ChangeTTL <= 0 {
		return fmt.Errorf("change_ttl must be positive")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q unknown: want json|text", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q unknown: want debug|info|warn|error", cfg.LogLevel)
	}
	return nil
}
