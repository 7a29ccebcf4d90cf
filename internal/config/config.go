// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML, TOML and JSONC files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	SecretStore SecretStoreConfig `yaml:"secret_store"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Services    []ServiceConfig   `yaml:"services"`
	Routes      []RouteConfig     `yaml:"routes"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves grpc.health.v1 when set.
	GRPCAddr string `yaml:"grpc_addr"`

	DrainPeriod    time.Duration `yaml:"-"`
	DrainPeriodRaw string        `yaml:"drain_period"`
}

// DatabaseConfig holds the state ledger location. An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecretStoreConfig holds the secret store address and bootstrap identity
type SecretStoreConfig struct {
	Address  string `yaml:"address"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`

	ReadyTimeout    time.Duration `yaml:"-"`
	MaxPollInterval time.Duration `yaml:"-"`
	RequestTimeout  time.Duration `yaml:"-"`

	ReadyTimeoutRaw    string `yaml:"ready_timeout"`
	MaxPollIntervalRaw string `yaml:"max_poll_interval"`
	RequestTimeoutRaw  string `yaml:"request_timeout"`
}

// Enabled reports whether a secret store is configured.
func (s SecretStoreConfig) Enabled() bool {
	return s.Address != ""
}

// BootstrapConfig holds orchestrator-wide settings
type BootstrapConfig struct {
	SecretsDir     string        `yaml:"secrets_dir"`
	DefaultRestart RestartConfig `yaml:"default_restart"`

	ReadinessTimeout time.Duration `yaml:"-"`
	StopTimeout      time.Duration `yaml:"-"`

	ReadinessTimeoutRaw string `yaml:"readiness_timeout"`
	StopTimeoutRaw      string `yaml:"stop_timeout"`
}

// RestartConfig is a restart policy: attempt cap plus backoff shape
type RestartConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Backoff     string  `yaml:"backoff"` // fixed | exponential
	Multiplier  float64 `yaml:"multiplier"`
	Jitter      float64 `yaml:"jitter"`

	Initial time.Duration `yaml:"-"`
	Max     time.Duration `yaml:"-"`

	InitialRaw string `yaml:"initial"`
	MaxRaw     string `yaml:"max"`
}

// ServiceConfig describes one fleet member
type ServiceConfig struct {
	Name      string         `yaml:"name"`
	Address   string         `yaml:"address"`
	Kind      string         `yaml:"kind"` // service | task
	DependsOn []string       `yaml:"depends_on"`
	RunOnce   bool           `yaml:"run_once"`
	Restart   *RestartConfig `yaml:"restart"`
	Secrets   []SecretConfig `yaml:"secrets"`
	Readiness ProbeConfig    `yaml:"readiness"`
	Launch    LaunchConfig   `yaml:"launch"`
}

// SecretConfig names one secret to materialize for a service
type SecretConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Role     string   `yaml:"role"`
	Policies []string `yaml:"policies"`
	Key      string   `yaml:"key"`
	File     string   `yaml:"file"`
}

// ProbeConfig describes a readiness probe
type ProbeConfig struct {
	Type         string `yaml:"type"` // none | tcp | http | grpc
	Address      string `yaml:"address"`
	Path         string `yaml:"path"`
	ExpectStatus []int  `yaml:"expect_status"`
	GRPCService  string `yaml:"grpc_service"`

	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// LaunchConfig describes how a service is started
type LaunchConfig struct {
	Type      string            `yaml:"type"` // exec | docker | external
	Command   []string          `yaml:"command"`
	Dir       string            `yaml:"dir"`
	Env       map[string]string `yaml:"env"`
	Container string            `yaml:"container"`
}

// RouteConfig is one entry of the ordered route table
type RouteConfig struct {
	Path      string        `yaml:"path"`
	Exact     bool          `yaml:"exact"`
	Method    string        `yaml:"method"`
	Regex     string        `yaml:"regex"`
	Service   string        `yaml:"service"`
	Mode      string        `yaml:"mode"` // http | websocket | stream
	Rewrite   RewriteConfig `yaml:"rewrite"`
	Timeouts  RouteTimeouts `yaml:"timeouts"`
	Buffering *bool         `yaml:"buffering"`
	Auth      string        `yaml:"auth"` // none | required

	IdleTimeout time.Duration `yaml:"-"`
	CloseGrace  time.Duration `yaml:"-"`

	IdleTimeoutRaw string `yaml:"idle_timeout"`
	CloseGraceRaw  string `yaml:"close_grace"`
}

// RewriteConfig replaces StripPrefix with Prefix before forwarding
type RewriteConfig struct {
	StripPrefix string `yaml:"strip_prefix"`
	Prefix      string `yaml:"prefix"`
}

// RouteTimeouts bounds upstream connect and response-header waits
type RouteTimeouts struct {
	Connect time.Duration `yaml:"-"`
	Read    time.Duration `yaml:"-"`

	ConnectRaw string `yaml:"connect"`
	ReadRaw    string `yaml:"read"`
}

// BufferingEnabled reports whether responses may be buffered; false flushes every chunk.
func (r RouteConfig) BufferingEnabled() bool {
	return r.Buffering == nil || *r.Buffering
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Field == "" {
		return msg
	}
	return e.Field + ": " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "FLEET_GATEWAY_CONFIG"

// ResolvePath returns the config path to load: the flag value, then
// $FLEET_GATEWAY_CONFIG, then $XDG_CONFIG_HOME/fleet-gateway/gateway.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fleet-gateway", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .toml, .json/.jsonc, anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data. ext selects the
// format as in Load.
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	doc, err := normalize(expanded, ext)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// normalize converts TOML and JSONC documents to YAML so a single set of
// struct tags serves every format.
func normalize(s, ext string) ([]byte, error) {
	switch ext {
	case ".toml":
		var doc map[string]any
		if _, err := toml.Decode(s, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	case ".json", ".jsonc":
		// JSON is a subset of YAML once comments and trailing commas are gone.
		return jsonc.ToJSON([]byte(s)), nil
	default:
		return []byte(s), nil
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurationFields(fields ...durationField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

func (r *RestartConfig) parseDurations(prefix string) error {
	return parseDurationFields(
		durationField{prefix + ".initial", r.InitialRaw, &r.Initial},
		durationField{prefix + ".max", r.MaxRaw, &r.Max},
	)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	err := parseDurationFields(
		durationField{"server.drain_period", cfg.Server.DrainPeriodRaw, &cfg.Server.DrainPeriod},
		durationField{"secret_store.ready_timeout", cfg.SecretStore.ReadyTimeoutRaw, &cfg.SecretStore.ReadyTimeout},
		durationField{"secret_store.max_poll_interval", cfg.SecretStore.MaxPollIntervalRaw, &cfg.SecretStore.MaxPollInterval},
		durationField{"secret_store.request_timeout", cfg.SecretStore.RequestTimeoutRaw, &cfg.SecretStore.RequestTimeout},
		durationField{"bootstrap.readiness_timeout", cfg.Bootstrap.ReadinessTimeoutRaw, &cfg.Bootstrap.ReadinessTimeout},
		durationField{"bootstrap.stop_timeout", cfg.Bootstrap.StopTimeoutRaw, &cfg.Bootstrap.StopTimeout},
	)
	if err != nil {
		return err
	}
	if err := cfg.Bootstrap.DefaultRestart.parseDurations("bootstrap.default_restart"); err != nil {
		return err
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := fmt.Sprintf("services[%s]", svc.Name)
		if svc.Restart != nil {
			if err := svc.Restart.parseDurations(prefix + ".restart"); err != nil {
				return err
			}
		}
		err := parseDurationFields(
			durationField{prefix + ".readiness.interval", svc.Readiness.IntervalRaw, &svc.Readiness.Interval},
			durationField{prefix + ".readiness.timeout", svc.Readiness.TimeoutRaw, &svc.Readiness.Timeout},
		)
		if err != nil {
			return err
		}
	}

	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		prefix := fmt.Sprintf("routes[%d]", i)
		err := parseDurationFields(
			durationField{prefix + ".idle_timeout", rt.IdleTimeoutRaw, &rt.IdleTimeout},
			durationField{prefix + ".close_grace", rt.CloseGraceRaw, &rt.CloseGrace},
			durationField{prefix + ".timeouts.connect", rt.Timeouts.ConnectRaw, &rt.Timeouts.Connect},
			durationField{prefix + ".timeouts.read", rt.Timeouts.ReadRaw, &rt.Timeouts.Read},
		)
		if err != nil {
			return err
		}
	}
	return nil
}
