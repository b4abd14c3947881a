package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen            string   `yaml:"listen"`
	ReadTimeoutMs     int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int      `yaml:"write_timeout_ms"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`

	trustedProxies []*net.IPNet
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
	// IPHashKey keys the pseudonymization of client IPs in log output.
	// Empty means an ephemeral key is generated at startup, so hashed IPs
	// stay correlatable within a run but not across restarts.
	IPHashKey string `yaml:"ip_hash_key"`
}

type OriginsCfg struct {
	Allowed []string `yaml:"allowed"`
	// DevelopmentExtra is appended to the allow-list outside production,
	// so local frontends keep working without touching the prod list.
	DevelopmentExtra []string `yaml:"development_extra"`
}

type ClassPolicy struct {
	Max       int `yaml:"max"`
	WindowSec int `yaml:"window_sec"`
}

func (p ClassPolicy) Window() time.Duration { return time.Duration(p.WindowSec) * time.Second }

type RateLimitCfg struct {
	// Algorithm selects the limiter store: "fixed_window" (default) or
	// "token_bucket". Fixed-window counting admits up to 2x max at window
	// boundaries; token_bucket is the strict upgrade path.
	Algorithm     string                 `yaml:"algorithm"`
	RedisDSN      string                 `yaml:"redis_dsn"`
	SweepEverySec int                    `yaml:"sweep_every_sec"`
	Classes       map[string]ClassPolicy `yaml:"classes"`
}

type SessionCfg struct {
	TimeoutMin    int    `yaml:"timeout_min"`
	CookieName    string `yaml:"cookie_name"`
	SweepEverySec int    `yaml:"sweep_every_sec"`
}

func (s SessionCfg) Timeout() time.Duration { return time.Duration(s.TimeoutMin) * time.Minute }

type AnomalyCfg struct {
	WindowSec  int            `yaml:"window_sec"`
	Thresholds map[string]int `yaml:"thresholds"` // event type -> burst threshold
}

type MonitorCfg struct {
	RetentionDays int `yaml:"retention_days"`
	SweepEverySec int `yaml:"sweep_every_sec"`
}

type RecipientsCfg struct {
	Security []string `yaml:"security"`
	Critical []string `yaml:"critical"`
	Auth     []string `yaml:"auth"`
}

type AlertsCfg struct {
	NATSURL       string        `yaml:"nats_url"` // empty = log-only delivery
	SubjectPrefix string        `yaml:"subject_prefix"`
	Recipients    RecipientsCfg `yaml:"recipients"`
}

type IdentityCfg struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Config struct {
	Environment string       `yaml:"environment"` // development | production
	Server      ServerCfg    `yaml:"server"`
	Logging     LoggingCfg   `yaml:"logging"`
	Origins     OriginsCfg   `yaml:"origins"`
	RateLimit   RateLimitCfg `yaml:"rate_limit"`
	Session     SessionCfg   `yaml:"session"`
	Anomaly     AnomalyCfg   `yaml:"anomaly"`
	Monitor     MonitorCfg   `yaml:"monitor"`
	Alerts      AlertsCfg    `yaml:"alerts"`
	Identity    IdentityCfg  `yaml:"identity"`
}

// Endpoint classes every deployment gets a policy for.
const (
	ClassAuth   = "auth"
	ClassAPI    = "api"
	ClassUpload = "upload"
)

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.parseTrustedProxies(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
// Tests and embedded callers construct their own pipeline from this.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = "fixed_window"
	}
	if c.RateLimit.SweepEverySec == 0 {
		c.RateLimit.SweepEverySec = 60
	}
	if c.RateLimit.Classes == nil {
		c.RateLimit.Classes = map[string]ClassPolicy{}
	}
	if _, ok := c.RateLimit.Classes[ClassAuth]; !ok {
		c.RateLimit.Classes[ClassAuth] = ClassPolicy{Max: 5, WindowSec: 60}
	}
	if _, ok := c.RateLimit.Classes[ClassAPI]; !ok {
		c.RateLimit.Classes[ClassAPI] = ClassPolicy{Max: 100, WindowSec: 900}
	}
	if _, ok := c.RateLimit.Classes[ClassUpload]; !ok {
		c.RateLimit.Classes[ClassUpload] = ClassPolicy{Max: 10, WindowSec: 300}
	}
	if c.Session.TimeoutMin == 0 {
		c.Session.TimeoutMin = 30
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "gp_access"
	}
	if c.Session.SweepEverySec == 0 {
		c.Session.SweepEverySec = 300
	}
	if c.Anomaly.WindowSec == 0 {
		c.Anomaly.WindowSec = 300
	}
	if c.Anomaly.Thresholds == nil {
		c.Anomaly.Thresholds = map[string]int{}
	}
	for typ, n := range map[string]int{
		"auth":       5,
		"xss":        3,
		"csrf":       3,
		"injection":  2,
		"rate_limit": 10,
	} {
		if _, ok := c.Anomaly.Thresholds[typ]; !ok {
			c.Anomaly.Thresholds[typ] = n
		}
	}
	if c.Monitor.RetentionDays == 0 {
		c.Monitor.RetentionDays = 30
	}
	if c.Monitor.SweepEverySec == 0 {
		c.Monitor.SweepEverySec = 600
	}
	if c.Alerts.SubjectPrefix == "" {
		c.Alerts.SubjectPrefix = "guardpost.alerts"
	}
	if len(c.Alerts.Recipients.Security) == 0 {
		c.Alerts.Recipients.Security = []string{"security-team"}
	}
	if len(c.Alerts.Recipients.Critical) == 0 {
		c.Alerts.Recipients.Critical = []string{"admin", "cto"}
	}
	if len(c.Alerts.Recipients.Auth) == 0 {
		c.Alerts.Recipients.Auth = []string{"auth-channel"}
	}
	if c.Identity.TimeoutMs == 0 {
		c.Identity.TimeoutMs = 2000
	}
}

func (c *Config) parseTrustedProxies() error {
	c.Server.trustedProxies = c.Server.trustedProxies[:0]
	for _, cidr := range c.Server.TrustedProxyCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid trusted_proxy_cidr %q: %w", cidr, err)
		}
		c.Server.trustedProxies = append(c.Server.trustedProxies, ipNet)
	}
	return nil
}

// TrustedProxies returns the parsed CIDR list for client-IP extraction.
func (c *Config) TrustedProxies() []*net.IPNet { return c.Server.trustedProxies }

func (c *Config) IsProduction() bool { return c.Environment == "production" }

// AllowedOrigins returns the effective origin allow-list for the environment.
func (c *Config) AllowedOrigins() []string {
	if c.IsProduction() {
		return c.Origins.Allowed
	}
	out := make([]string, 0, len(c.Origins.Allowed)+len(c.Origins.DevelopmentExtra))
	out = append(out, c.Origins.Allowed...)
	out = append(out, c.Origins.DevelopmentExtra...)
	return out
}

func (c *Config) IdentityTimeout() time.Duration {
	return time.Duration(c.Identity.TimeoutMs) * time.Millisecond
}

func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("environment must be development|staging|production, got %q", c.Environment)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "info", "debug":
	default:
		return errors.New("logging.level must be 'info' or 'debug'")
	}
	switch c.RateLimit.Algorithm {
	case "fixed_window", "token_bucket":
	default:
		return fmt.Errorf("rate_limit.algorithm must be fixed_window|token_bucket, got %q", c.RateLimit.Algorithm)
	}
	for class, p := range c.RateLimit.Classes {
		if p.Max <= 0 || p.WindowSec <= 0 {
			return fmt.Errorf("rate_limit.classes[%s]: max and window_sec must be positive", class)
		}
	}
	if c.Session.TimeoutMin <= 0 {
		return errors.New("session.timeout_min must be positive")
	}
	if c.Anomaly.WindowSec <= 0 {
		return errors.New("anomaly.window_sec must be positive")
	}
	for typ, n := range c.Anomaly.Thresholds {
		if n <= 0 {
			return fmt.Errorf("anomaly.thresholds[%s] must be positive", typ)
		}
	}
	if c.Monitor.RetentionDays <= 0 {
		return errors.New("monitor.retention_days must be positive")
	}
	if c.IsProduction() {
		if c.Identity.URL == "" {
			return errors.New("identity.url required in production")
		}
		if len(c.Origins.Allowed) == 0 {
			return errors.New("origins.allowed required in production")
		}
	}
	return nil
}
