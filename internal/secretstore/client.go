// ABOUTME: HTTP client for a Vault-compatible secret store.
// ABOUTME: Authenticates, issues scoped roles, fetches secrets and polls seal state.

package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/retry"
	"github.com/2389/fleet-gateway/internal/ttlcache"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxPollInterval       = 30 * time.Second
	// credentials are reused until this long before they expire
	credentialRefreshMargin = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Address        string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to the secret store over HTTP. Safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	roles  *ttlcache.Cache[RoleCredential]
	now    func() time.Time

	mu      sync.Mutex
	written map[string]string // target path -> fingerprint, current cycle
}

// New creates a client for the store at opts.Address.
func New(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, errors.New("secret store address is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing secret store address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("secret store address must be http or https, got %q", opts.Address)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:    base,
		http:    httpClient,
		logger:  logger.With("component", "secretstore"),
		roles:   ttlcache.New[RoleCredential](time.Hour, 1024),
		now:     time.Now,
		written: make(map[string]string),
	}, nil
}

// Close releases background resources.
func (c *Client) Close() {
	c.roles.Close()
}

// authResponse is the "auth" block of login and renew responses.
type authResponse struct {
	Auth *struct {
		ClientToken   string   `json:"client_token"`
		Accessor      string   `json:"accessor"`
		Policies      []string `json:"policies"`
		LeaseDuration int      `json:"lease_duration"`
		Renewable     bool     `json:"renewable"`
	} `json:"auth"`
}

func (c *Client) sessionFrom(resp authResponse) (SessionToken, error) {
	if resp.Auth == nil || resp.Auth.ClientToken == "" {
		return SessionToken{}, errors.New("secret store returned no auth token")
	}
	return SessionToken{
		Token:     resp.Auth.ClientToken,
		Accessor:  resp.Auth.Accessor,
		Policies:  resp.Auth.Policies,
		TTL:       time.Duration(resp.Auth.LeaseDuration) * time.Second,
		Renewable: resp.Auth.Renewable,
		IssuedAt:  c.now(),
	}, nil
}

// Authenticate logs in with the orchestrator's bootstrap identity.
func (c *Client) Authenticate(ctx context.Context, id BootstrapIdentity) (SessionToken, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "auth/approle/login", "", map[string]string{
		"role_id":   id.RoleID,
		"secret_id": id.SecretID,
	}, &resp)
	if err != nil {
		return SessionToken{}, asAuthError(err)
	}
	session, err := c.sessionFrom(resp)
	if err != nil {
		return SessionToken{}, err
	}
	c.logger.Info("authenticated to secret store", "session", session)
	return session, nil
}

// asAuthError turns client-side rejections of a login into AuthError.
func asAuthError(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Status: se.status, Message: se.message}
		}
	}
	return err
}

// IssueRole ensures role exists with policies and returns a credential for
// it. Repeated calls for the same role and policy set return the cached
// credential until shortly before it expires.
func (c *Client) IssueRole(ctx context.Context, session SessionToken, role string, policies []string) (RoleCredential, error) {
	if session.Token == "" {
		return RoleCredential{}, ErrNoSession
	}
	sorted := slices.Clone(policies)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	key := role + "|" + strings.Join(sorted, ",")

	return c.roles.GetOrCreate(key, func() (RoleCredential, time.Time, error) {
		cred, err := c.issueRole(ctx, session, role, sorted)
		if err != nil {
			return RoleCredential{}, time.Time{}, err
		}
		reuseUntil := cred.ExpiresAt.Add(-credentialRefreshMargin)
		if cred.ExpiresAt.IsZero() {
			reuseUntil = c.now().Add(time.Hour)
		}
		return cred, reuseUntil, nil
	})
}

func (c *Client) issueRole(ctx context.Context, session SessionToken, role string, policies []string) (RoleCredential, error) {
	rolePath := "auth/approle/role/" + url.PathEscape(role)

	err := c.do(ctx, http.MethodPost, rolePath, session.Token, map[string]any{
		"token_policies": policies,
	}, nil)
	if err != nil {
		return RoleCredential{}, fmt.Errorf("upserting role %s: %w", role, classify(err, rolePath))
	}

	var roleID struct {
		Data struct {
			RoleID string `json:"role_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, rolePath+"/role-id", session.Token, nil, &roleID); err != nil {
		return RoleCredential{}, fmt.Errorf("reading role id for %s: %w", role, classify(err, rolePath))
	}

	var secretID struct {
		Data struct {
			SecretID string `json:"secret_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, rolePath+"/secret-id", session.Token, map[string]any{}, &secretID); err != nil {
		return RoleCredential{}, fmt.Errorf("issuing secret id for %s: %w", role, classify(err, rolePath))
	}

	var resp authResponse
	err = c.do(ctx, http.MethodPost, "auth/approle/login", "", map[string]string{
		"role_id":   roleID.Data.RoleID,
		"secret_id": secretID.Data.SecretID,
	}, &resp)
	if err != nil {
		return RoleCredential{}, fmt.Errorf("logging in as %s: %w", role, asAuthError(err))
	}
	roleSession, err := c.sessionFrom(resp)
	if err != nil {
		return RoleCredential{}, err
	}

	cred := RoleCredential{
		Role:     role,
		Policies: policies,
		Token:    roleSession.Token,
	}
	if roleSession.TTL > 0 {
		cred.ExpiresAt = roleSession.ExpiresAt()
	}
	c.logger.Debug("issued role credential", "credential", cred)
	return cred, nil
}

// FetchSecret reads the secret at path. With key set, only that field is
// returned; otherwise the whole document is returned as JSON.
func (c *Client) FetchSecret(ctx context.Context, path, key string, cred RoleCredential) (Value, error) {
	path = strings.Trim(path, "/")
	var resp struct {
		LeaseID       string         `json:"lease_id"`
		LeaseDuration int            `json:"lease_duration"`
		Data          map[string]any `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, cred.Token, nil, &resp); err != nil {
		return Value{}, classify(err, path)
	}

	doc := resp.Data
	// KV version 2 nests the payload under data.data next to metadata.
	if inner, ok := doc["data"].(map[string]any); ok {
		if _, hasMeta := doc["metadata"]; hasMeta {
			doc = inner
		}
	}
	if doc == nil {
		return Value{}, &NotFoundError{Path: path}
	}

	var data []byte
	if key == "" {
		encoded, err := json.Marshal(doc)
		if err != nil {
			return Value{}, fmt.Errorf("encoding secret %s: %w", path, err)
		}
		data = encoded
	} else {
		field, ok := doc[key]
		if !ok {
			return Value{}, &NotFoundError{Path: path, Key: key}
		}
		switch v := field.(type) {
		case string:
			data = []byte(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return Value{}, fmt.Errorf("encoding secret %s key %s: %w", path, key, err)
			}
			data = encoded
		}
	}

	value := Value{Path: path, LeaseID: resp.LeaseID, data: data}
	if resp.LeaseDuration > 0 {
		value.ExpiresAt = c.now().Add(time.Duration(resp.LeaseDuration) * time.Second)
	}
	return value, nil
}

// SealState reports whether the store can serve requests.
func (c *Client) SealState(ctx context.Context) (StoreState, error) {
	var seal struct {
		Initialized bool `json:"initialized"`
		Sealed      bool `json:"sealed"`
		Progress    int  `json:"progress"`
	}
	if err := c.do(ctx, http.MethodGet, "sys/seal-status", "", nil, &seal); err != nil {
		return "", classify(err, "sys/seal-status")
	}
	switch {
	case !seal.Initialized:
		return StateSealed, nil
	case seal.Sealed && seal.Progress > 0:
		return StateUnsealing, nil
	case seal.Sealed:
		return StateSealed, nil
	}

	// sys/health signals standby and recovery modes through non-200 codes.
	status, err := c.rawStatus(ctx, "sys/health")
	if err != nil {
		return "", &TransientStoreError{Op: "health check", Err: err}
	}
	if status == http.StatusOK {
		return StateReady, nil
	}
	return StateInitialized, nil
}

// WaitReady polls SealState until the store is ready. Poll intervals follow
// policy, capped at 30s. When the deadline passes, the returned
// TransientStoreError carries the last observed state.
func (c *Client) WaitReady(ctx context.Context, policy retry.Policy) error {
	if policy.Max <= 0 || policy.Max > maxPollInterval {
		policy.Max = maxPollInterval
	}
	if policy.Initial > policy.Max {
		policy.Initial = policy.Max
	}

	var last StoreState
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		state, err := c.SealState(ctx)
		if err != nil {
			return err
		}
		last = state
		if state != StateReady {
			return &TransientStoreError{Op: "waiting for store", State: state}
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Debug("secret store not ready", "attempt", attempt, "state", last, "next", next, "error", err)
	})
	if err == nil {
		c.logger.Info("secret store ready")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if last == "" {
		last = StateSealed
	}
	return &TransientStoreError{Op: "waiting for store", State: last, Err: err}
}

// RenewSelf extends the session's TTL.
func (c *Client) RenewSelf(ctx context.Context, session SessionToken) (SessionToken, error) {
	if session.Token == "" {
		return SessionToken{}, ErrNoSession
	}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "auth/token/renew-self", session.Token, map[string]any{}, &resp); err != nil {
		return SessionToken{}, fmt.Errorf("renewing session: %w", asAuthError(err))
	}
	renewed, err := c.sessionFrom(resp)
	if err != nil {
		return SessionToken{}, err
	}
	c.logger.Debug("renewed secret store session", "session", renewed)
	return renewed, nil
}

// statusError is a non-2xx response from the store.
type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("status %d", e.status)
	}
	return fmt.Sprintf("status %d: %s", e.status, e.message)
}

// classify maps a transport or status error to the typed errors callers match on.
func classify(err error, path string) error {
	var se *statusError
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &TransientStoreError{Op: "request " + path, Err: err}
	}
	switch {
	case se.status == http.StatusNotFound:
		return &NotFoundError{Path: path}
	case se.status == http.StatusForbidden:
		return &PermissionError{Path: path, Message: se.message}
	case se.status == http.StatusUnauthorized, se.status == http.StatusBadRequest:
		return &AuthError{Status: se.status, Message: se.message}
	default:
		return &TransientStoreError{Op: "request " + path, Status: se.status, Err: err}
	}
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/" + strings.TrimLeft(path, "/")
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	return req, nil
}

// do performs a request and decodes a JSON response into out (if non-nil).
// Non-2xx responses become *statusError carrying the store's first error message.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(data, &errBody)
		return &statusError{status: resp.StatusCode, message: strings.Join(errBody.Errors, "; ")}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// rawStatus performs a GET and returns only the status code.
func (c *Client) rawStatus(ctx context.Context, path string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
