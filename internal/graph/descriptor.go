// ABOUTME: Service descriptors: the immutable per-service configuration the orchestrator acts on.
// ABOUTME: Covers kind, restart policy, secret requirements, readiness probe and launch specs.

package graph

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/fleet-gateway/internal/retry"
)

// Kind distinguishes long-running services from one-shot tasks.
type Kind string

const (
	KindService Kind = "service"
	KindTask    Kind = "task"
)

// ProbeType selects how readiness is checked.
type ProbeType string

const (
	ProbeNone ProbeType = "none"
	ProbeTCP  ProbeType = "tcp"
	ProbeHTTP ProbeType = "http"
	ProbeGRPC ProbeType = "grpc"
)

// LaunchType selects the process supervisor used to start a service.
type LaunchType string

const (
	LaunchExec     LaunchType = "exec"
	LaunchDocker   LaunchType = "docker"
	LaunchExternal LaunchType = "external"
)

// RestartPolicy bounds how often the orchestrator retries a failed attempt.
type RestartPolicy struct {
	MaxAttempts int
	Backoff     retry.Policy
}

// SecretRequirement names one secret a service needs on disk before it starts.
type SecretRequirement struct {
	Name     string
	Path     string   // store path, e.g. "secret/data/db"
	Role     string   // role issued for the fetch
	Policies []string // policies attached to Role
	Key      string   // field within the secret; empty means the whole document as JSON
	File     string   // file name under the service's secret directory
}

// FileName returns the on-disk name for the secret, defaulting to its Name.
func (s SecretRequirement) FileName() string {
	if s.File != "" {
		return s.File
	}
	return s.Name
}

// ProbeSpec describes a readiness probe.
type ProbeSpec struct {
	Type         ProbeType
	Address      string // overrides the service address when set
	Path         string // http only
	ExpectStatus []int  // http only; empty means any 2xx
	GRPCService  string // grpc only; empty checks overall server health
	Interval     time.Duration
	Timeout      time.Duration
}

// LaunchSpec describes how a service process is started.
type LaunchSpec struct {
	Type      LaunchType
	Command   []string
	Dir       string
	Env       map[string]string
	Container string // docker only
}

// ServiceDescriptor is the static description of one fleet member.
type ServiceDescriptor struct {
	Name      string
	Address   string
	Kind      Kind
	DependsOn []string
	Restart   RestartPolicy
	Secrets   []SecretRequirement
	Readiness ProbeSpec
	Launch    LaunchSpec
	RunOnce   bool
}

// IsTask reports whether the descriptor is a one-shot task.
func (d ServiceDescriptor) IsTask() bool {
	return d.Kind == KindTask
}

// Fingerprint returns a stable hash of the descriptor. A run-once task whose
// fingerprint changes is treated as a new task and runs again.
func (d ServiceDescriptor) Fingerprint() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
