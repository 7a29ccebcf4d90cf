// ABOUTME: Default values applied after parsing and before validation
// ABOUTME: Every zero-valued optional field gets the value the gateway runs with

package config

import "time"

const (
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultDrainPeriod      = 10 * time.Second
	DefaultReadyTimeout     = 2 * time.Minute
	DefaultMaxPollInterval  = 30 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultReadinessTimeout = 60 * time.Second
	DefaultStopTimeout      = 10 * time.Second
	DefaultMaxAttempts      = 5
	DefaultRestartInitial   = 500 * time.Millisecond
	DefaultRestartMax       = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultCloseGrace       = 2 * time.Second
	DefaultStreamIdle       = 15 * time.Minute
	DefaultSecretsDir       = "/run/fleet-gateway/secrets"
)

// Service kinds, probe types, launch types, route modes and auth levels as
// they appear in configuration.
const (
	KindService = "service"
	KindTask    = "task"

	ProbeNone = "none"
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"

	LaunchExec     = "exec"
	LaunchDocker   = "docker"
	LaunchExternal = "external"

	ModeHTTP      = "http"
	ModeWebSocket = "websocket"
	ModeStream    = "stream"

	AuthNone     = "none"
	AuthRequired = "required"

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.DrainPeriod == 0 {
		c.Server.DrainPeriod = DefaultDrainPeriod
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.SecretStore.ReadyTimeout == 0 {
		c.SecretStore.ReadyTimeout = DefaultReadyTimeout
	}
	if c.SecretStore.MaxPollInterval == 0 {
		c.SecretStore.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.SecretStore.RequestTimeout == 0 {
		c.SecretStore.RequestTimeout = DefaultRequestTimeout
	}

	if c.Bootstrap.SecretsDir == "" {
		c.Bootstrap.SecretsDir = DefaultSecretsDir
	}
	if c.Bootstrap.ReadinessTimeout == 0 {
		c.Bootstrap.ReadinessTimeout = DefaultReadinessTimeout
	}
	if c.Bootstrap.StopTimeout == 0 {
		c.Bootstrap.StopTimeout = DefaultStopTimeout
	}
	c.Bootstrap.DefaultRestart.fill(RestartConfig{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     BackoffExponential,
		Multiplier:  2,
		Initial:     DefaultRestartInitial,
		Max:         DefaultRestartMax,
	})

	for i := range c.Services {
		c.Services[i].applyDefaults(c.Bootstrap.DefaultRestart)
	}
	for i := range c.Routes {
		c.Routes[i].applyDefaults()
	}
}

// fill copies every zero field from def.
func (r *RestartConfig) fill(def RestartConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.Backoff == "" {
		r.Backoff = def.Backoff
	}
	if r.Multiplier == 0 {
		r.Multiplier = def.Multiplier
	}
	if r.Jitter == 0 {
		r.Jitter = def.Jitter
	}
	if r.Initial == 0 {
		r.Initial = def.Initial
	}
	if r.Max == 0 {
		r.Max = def.Max
	}
}

func (s *ServiceConfig) applyDefaults(restart RestartConfig) {
	if s.Kind == "" {
		s.Kind = KindService
	}
	if s.Restart == nil {
		r := restart
		s.Restart = &r
	} else {
		s.Restart.fill(restart)
	}

	if s.Readiness.Type == "" {
		switch {
		case s.Kind == KindTask:
			s.Readiness.Type = ProbeNone
		case s.Address != "" || s.Readiness.Address != "":
			s.Readiness.Type = ProbeTCP
		default:
			s.Readiness.Type = ProbeNone
		}
	}

	if s.Launch.Type == "" {
		switch {
		case s.Launch.Container != "":
			s.Launch.Type = LaunchDocker
		case len(s.Launch.Command) > 0:
			s.Launch.Type = LaunchExec
		default:
			s.Launch.Type = LaunchExternal
		}
	}
	if s.Launch.Type == LaunchDocker && s.Launch.Container == "" {
		s.Launch.Container = s.Name
	}
}

func (r *RouteConfig) applyDefaults() {
	if r.Mode == "" {
		r.Mode = ModeHTTP
	}
	if r.Auth == "" {
		r.Auth = AuthNone
	}
	if r.Timeouts.Connect == 0 {
		r.Timeouts.Connect = DefaultConnectTimeout
	}
	if r.CloseGrace == 0 {
		r.CloseGrace = DefaultCloseGrace
	}
	if r.Mode == ModeStream && r.IdleTimeout == 0 {
		r.IdleTimeout = DefaultStreamIdle
	}
}
