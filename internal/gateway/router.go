// ABOUTME: Route table that maps request method and path to a fleet service
// ABOUTME: Exact rules win, then the longest segment-aware prefix, then configuration order

package gateway

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/2389/fleet-gateway/internal/config"
)

// Mode selects how a matched request is forwarded.
type Mode string

const (
	ModeHTTP      Mode = config.ModeHTTP
	ModeWebSocket Mode = config.ModeWebSocket
	ModeStream    Mode = config.ModeStream
)

// RouteRule is one compiled entry of the route table.
type RouteRule struct {
	// Index is the rule's position in configuration.
	Index   int
	Path    string
	Exact   bool
	Method  string
	Regex   *regexp.Regexp
	Service string
	Mode    Mode

	StripPrefix string
	Prefix      string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	CloseGrace     time.Duration
	Buffering      bool
	AuthRequired   bool
}

// Match is the result of a successful lookup.
type Match struct {
	Rule     *RouteRule
	Captures map[string]string
	// UpstreamPath is the request path after rewriting.
	UpstreamPath string
}

// RouteTable resolves requests to rules. It is immutable after construction.
type RouteTable struct {
	rules   []*RouteRule
	ordered []*RouteRule
}

// NewRouteTable compiles the configured routes.
func NewRouteTable(routes []config.RouteConfig) (*RouteTable, error) {
	t := &RouteTable{rules: make([]*RouteRule, 0, len(routes))}
	for i, rc := range routes {
		rule := &RouteRule{
			Index:          i,
			Path:           rc.Path,
			Exact:          rc.Exact,
			Method:         rc.Method,
			Service:        rc.Service,
			Mode:           Mode(rc.Mode),
			StripPrefix:    rc.Rewrite.StripPrefix,
			Prefix:         rc.Rewrite.Prefix,
			ConnectTimeout: rc.Timeouts.Connect,
			ReadTimeout:    rc.Timeouts.Read,
			IdleTimeout:    rc.IdleTimeout,
			CloseGrace:     rc.CloseGrace,
			Buffering:      rc.BufferingEnabled(),
			AuthRequired:   rc.Auth == config.AuthRequired,
		}
		if rule.Mode == "" {
			rule.Mode = ModeHTTP
		}
		if rule.ConnectTimeout == 0 {
			rule.ConnectTimeout = config.DefaultConnectTimeout
		}
		if rule.CloseGrace == 0 {
			rule.CloseGrace = config.DefaultCloseGrace
		}
		if rc.Regex != "" {
			re, err := regexp.Compile(rc.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling routes[%d].regex: %w", i, err)
			}
			rule.Regex = re
		}
		t.rules = append(t.rules, rule)
	}

	var exact, prefix []*RouteRule
	for _, r := range t.rules {
		if r.Exact {
			exact = append(exact, r)
		} else {
			prefix = append(prefix, r)
		}
	}
	slices.SortStableFunc(prefix, func(a, b *RouteRule) int {
		return cmp.Compare(len(b.Path), len(a.Path))
	})
	t.ordered = append(exact, prefix...)
	return t, nil
}

// Rules returns the rules in configuration order.
func (t *RouteTable) Rules() []*RouteRule {
	return t.rules
}

// Ordered returns the rules in the order Match tries them.
func (t *RouteTable) Ordered() []*RouteRule {
	return t.ordered
}

// Services returns the distinct services that receive routed traffic.
func (t *RouteTable) Services() []string {
	var out []string
	for _, r := range t.rules {
		if !slices.Contains(out, r.Service) {
			out = append(out, r.Service)
		}
	}
	slices.Sort(out)
	return out
}

// Match finds the rule for a request.
func (t *RouteTable) Match(method, path string) (Match, bool) {
	for _, r := range t.ordered {
		if !r.matchesPath(path) {
			continue
		}
		if r.Method != "" && r.Method != method {
			continue
		}
		var captures map[string]string
		if r.Regex != nil {
			sub := r.Regex.FindStringSubmatch(path)
			if sub == nil {
				continue
			}
			captures = namedCaptures(r.Regex, sub)
		}
		return Match{
			Rule:         r,
			Captures:     captures,
			UpstreamPath: r.rewrite(path, captures),
		}, true
	}
	return Match{}, false
}

func (r *RouteRule) matchesPath(path string) bool {
	if r.Exact {
		return path == r.Path
	}
	return hasSegmentPrefix(path, r.Path)
}

// hasSegmentPrefix reports whether prefix covers path on a segment boundary:
// "/api" covers "/api" and "/api/x" but not "/apix".
func hasSegmentPrefix(path, prefix string) bool {
	if prefix == "/" || path == prefix {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func namedCaptures(re *regexp.Regexp, sub []string) map[string]string {
	out := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = sub[i]
	}
	return out
}

// rewrite strips StripPrefix and prepends Prefix, expanding {name} captures in Prefix.
func (r *RouteRule) rewrite(path string, captures map[string]string) string {
	if r.StripPrefix == "" && r.Prefix == "" {
		return path
	}
	rest := path
	if r.StripPrefix != "" && hasSegmentPrefix(path, r.StripPrefix) {
		rest = strings.TrimPrefix(path, strings.TrimSuffix(r.StripPrefix, "/"))
	}
	if rest == "" {
		rest = "/"
	}
	if r.Prefix == "" {
		return rest
	}
	prefix := expandCaptures(r.Prefix, captures)
	if rest == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + rest
}

func expandCaptures(s string, captures map[string]string) string {
	if len(captures) == 0 || !strings.Contains(s, "{") {
		return s
	}
	for name, value := range captures {
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	return s
}
