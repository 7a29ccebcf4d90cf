// ABOUTME: Session, credential, secret value and lease types.
// ABOUTME: Secret material is redacted in every string and log rendering.

package secretstore

import (
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"
)

const redacted = "[REDACTED]"

// StoreState is the secret store's readiness as observed from its status endpoints.
type StoreState string

const (
	StateSealed      StoreState = "sealed"
	StateUnsealing   StoreState = "unsealing"
	StateInitialized StoreState = "initialized"
	StateReady       StoreState = "ready"
)

// BootstrapIdentity is the orchestrator's own AppRole login.
type BootstrapIdentity struct {
	RoleID   string
	SecretID string
}

// LogValue hides the secret ID.
func (b BootstrapIdentity) LogValue() slog.Value {
	return slog.GroupValue(slog.String("role_id", b.RoleID), slog.String("secret_id", redacted))
}

// SessionToken is an authenticated store session.
type SessionToken struct {
	Token     string
	Accessor  string
	Policies  []string
	TTL       time.Duration
	Renewable bool
	IssuedAt  time.Time
}

// ExpiresAt returns when the session lapses; zero for non-expiring tokens.
func (s SessionToken) ExpiresAt() time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.IssuedAt.Add(s.TTL)
}

// String hides the token.
func (s SessionToken) String() string { return redacted }

// LogValue hides the token.
func (s SessionToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("accessor", s.Accessor),
		slog.Duration("ttl", s.TTL),
		slog.Bool("renewable", s.Renewable),
	)
}

// RoleCredential is a token scoped to a role and its policies.
type RoleCredential struct {
	Role      string
	Policies  []string
	Token     string
	ExpiresAt time.Time
}

// String hides the token.
func (c RoleCredential) String() string { return redacted }

// LogValue hides the token.
func (c RoleCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", c.Role),
		slog.Any("policies", c.Policies),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

// Value is secret material fetched from the store.
type Value struct {
	Path      string
	LeaseID   string
	ExpiresAt time.Time
	data      []byte
}

// NewValue wraps raw secret bytes.
func NewValue(path string, data []byte) Value {
	return Value{Path: path, data: data}
}

// Bytes returns the raw secret. Callers must not log it.
func (v Value) Bytes() []byte { return v.data }

// Fingerprint is a BLAKE2b-256 digest of the value, safe to log.
func (v Value) Fingerprint() string {
	sum := blake2b.Sum256(v.data)
	return hex.EncodeToString(sum[:])
}

// String hides the secret.
func (v Value) String() string { return redacted }

// GoString hides the secret from %#v.
func (v Value) GoString() string { return "secretstore.Value{" + redacted + "}" }

// LogValue hides the secret.
func (v Value) LogValue() slog.Value {
	return slog.GroupValue(slog.String("path", v.Path), slog.String("fingerprint", v.Fingerprint()[:12]))
}

// Lease records a secret materialized to disk.
type Lease struct {
	ID          string
	Path        string
	Value       Value
	ExpiresAt   time.Time
	Target      string
	Fingerprint string
}

// LogValue renders the lease without its value.
func (l Lease) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", l.ID),
		slog.String("path", l.Path),
		slog.String("target", l.Target),
		slog.String("fingerprint", l.Fingerprint[:min(12, len(l.Fingerprint))]),
	)
}
