// ABOUTME: Configuration validation: listeners, secret store, services, dependency graph and routes
// ABOUTME: Returns the first failure as a *ConfigError naming the offending field

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/2389/fleet-gateway/internal/auth"
)

var methodPattern = regexp.MustCompile(`^[A-Z]+$`)

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return configErrorf("tailscale.hostname", "required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return configErrorf("server.http_addr", "required (or enable tailscale)")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return configErrorf("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return configErrorf("logging.format", "unknown format %q (want text or json)", c.Logging.Format)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return configErrorf("auth.jwt_secret", "must be at least %d bytes", auth.MinSecretLength)
	}

	if err := c.validateSecretStore(); err != nil {
		return err
	}

	if len(c.Services) == 0 {
		return configErrorf("services", "at least one service is required")
	}
	for i := range c.Services {
		if err := c.Services[i].validate(); err != nil {
			return err
		}
	}
	if _, err := c.Graph(); err != nil {
		return err
	}

	for i := range c.Routes {
		if err := c.validateRoute(i); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateSecretStore() error {
	needed := slices.ContainsFunc(c.Services, func(s ServiceConfig) bool { return len(s.Secrets) > 0 })
	if !needed && !c.SecretStore.Enabled() {
		return nil
	}
	if !c.SecretStore.Enabled() {
		return configErrorf("secret_store.address", "required when a service declares secrets")
	}
	u, err := url.Parse(c.SecretStore.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configErrorf("secret_store.address", "must be an http(s) URL, got %q", c.SecretStore.Address)
	}
	if c.SecretStore.RoleID == "" {
		return configErrorf("secret_store.role_id", "required")
	}
	if c.SecretStore.SecretID == "" {
		return configErrorf("secret_store.secret_id", "required")
	}
	return nil
}

func (s *ServiceConfig) validate() error {
	field := fmt.Sprintf("services[%s]", s.Name)
	if s.Name == "" {
		return configErrorf("services", "every service needs a name")
	}
	if !isPlainName(s.Name) {
		return configErrorf(field+".name", "must be a plain name without path separators, got %q", s.Name)
	}

	switch s.Kind {
	case KindService, KindTask:
	default:
		return configErrorf(field+".kind", "unknown kind %q (want service or task)", s.Kind)
	}
	if s.RunOnce && s.Kind != KindTask {
		return configErrorf(field+".run_once", "only tasks can run once")
	}

	if err := s.Restart.validate(field + ".restart"); err != nil {
		return err
	}

	switch s.Readiness.Type {
	case ProbeNone:
	case ProbeTCP, ProbeHTTP, ProbeGRPC:
		if s.Kind == KindTask {
			return configErrorf(field+".readiness", "tasks are ready when they exit 0; probes are not allowed")
		}
		if s.Address == "" && s.Readiness.Address == "" {
			return configErrorf(field+".address", "required for a %s probe", s.Readiness.Type)
		}
	default:
		return configErrorf(field+".readiness.type", "unknown probe type %q", s.Readiness.Type)
	}
	for _, code := range s.Readiness.ExpectStatus {
		if code < 100 || code > 599 {
			return configErrorf(field+".readiness.expect_status", "invalid HTTP status %d", code)
		}
	}

	switch s.Launch.Type {
	case LaunchExec:
		if len(s.Launch.Command) == 0 {
			return configErrorf(field+".launch.command", "required for exec launch")
		}
	case LaunchDocker:
	case LaunchExternal:
		if s.Kind == KindTask {
			return configErrorf(field+".launch.type", "tasks cannot be external; nothing would report their exit")
		}
	default:
		return configErrorf(field+".launch.type", "unknown launch type %q", s.Launch.Type)
	}

	files := make(map[string]bool, len(s.Secrets))
	for i, sec := range s.Secrets {
		sf := fmt.Sprintf("%s.secrets[%d]", field, i)
		if sec.Name == "" {
			return configErrorf(sf+".name", "required")
		}
		if sec.Path == "" {
			return configErrorf(sf+".path", "required")
		}
		file := sec.File
		if file == "" {
			file = sec.Name
		}
		if !isPlainName(file) {
			return configErrorf(sf+".file", "must be a plain file name, got %q", file)
		}
		if files[file] {
			return configErrorf(sf+".file", "duplicate secret file %q", file)
		}
		files[file] = true
	}
	return nil
}

func (r *RestartConfig) validate(field string) error {
	if r.MaxAttempts < 1 {
		return configErrorf(field+".max_attempts", "must be at least 1, got %d", r.MaxAttempts)
	}
	if err := r.Policy().Validate(); err != nil {
		return &ConfigError{Field: field, Err: err}
	}
	return nil
}

func (c *Config) validateRoute(i int) error {
	r := &c.Routes[i]
	field := fmt.Sprintf("routes[%d]", i)

	if !strings.HasPrefix(r.Path, "/") {
		return configErrorf(field+".path", "must start with /, got %q", r.Path)
	}
	if isReservedPath(r.Path) {
		return configErrorf(field+".path", "%q is served by the gateway itself", r.Path)
	}
	if r.Method != "" && !methodPattern.MatchString(r.Method) {
		return configErrorf(field+".method", "invalid method %q", r.Method)
	}
	if r.Regex != "" {
		if _, err := regexp.Compile(r.Regex); err != nil {
			return &ConfigError{Field: field + ".regex", Err: err}
		}
	}

	idx := slices.IndexFunc(c.Services, func(s ServiceConfig) bool { return s.Name == r.Service })
	if idx < 0 {
		return configErrorf(field+".service", "unknown service %q", r.Service)
	}
	target := c.Services[idx]
	if target.Kind == KindTask {
		return configErrorf(field+".service", "%q is a task and cannot receive traffic", r.Service)
	}
	if target.Address == "" {
		return configErrorf(field+".service", "%q has no address to route to", r.Service)
	}

	switch r.Mode {
	case ModeHTTP, ModeWebSocket, ModeStream:
	default:
		return configErrorf(field+".mode", "unknown mode %q (want http, websocket or stream)", r.Mode)
	}

	switch r.Auth {
	case AuthNone:
	case AuthRequired:
		if c.Auth.JWTSecret == "" {
			return configErrorf(field+".auth", "auth: required needs auth.jwt_secret")
		}
	default:
		return configErrorf(field+".auth", "unknown auth %q (want none or required)", r.Auth)
	}

	if r.Rewrite.StripPrefix != "" && !strings.HasPrefix(r.Rewrite.StripPrefix, "/") {
		return configErrorf(field+".rewrite.strip_prefix", "must start with /")
	}
	return nil
}

// isPlainName reports whether s can be used as a single path element.
func isPlainName(s string) bool {
	return !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

// reservedPaths are the gateway's built-in endpoints. Routes may not sit on
// them or below them.
var reservedPaths = []string{"/health", "/status"}

func isReservedPath(p string) bool {
	p = strings.TrimRight(p, "/")
	for _, r := range reservedPaths {
		if p == r || strings.HasPrefix(p, r+"/") {
			return true
		}
	}
	return false
}

// graphError converts dependency graph failures into ConfigErrors.
func graphError(err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Field: "services", Err: err}
}
