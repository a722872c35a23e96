package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rickgao/gatecord/internal/ratelimit"
)

// Request is one outbound REST call.
type Request struct {
	Method string
	Route  string // Template with placeholders, e.g. /channels/{channel.id}/messages
	Path   string // Concrete path; Route is used when empty
	Major  string // Major parameter; derived from Path when empty
	Query  url.Values
	Body   any // JSON-encoded; []byte and json.RawMessage are sent as is
	Header http.Header
	Reason string // X-Audit-Log-Reason
}

// NewRequest builds a request by filling the placeholders of route with
// params in order.
func NewRequest(method, route string, params ...string) (*Request, error) {
	path, err := Compile(route, params...)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: method,
		Route:  route,
		Path:   path,
	}, nil
}

// Compile replaces each {placeholder} in route with the next param,
// path-escaped.
func Compile(route string, params ...string) (string, error) {
	var b strings.Builder
	b.Grow(len(route))

	rest := route
	i := 0
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("route %q: unterminated placeholder", route)
		}
		if i >= len(params) {
			return "", fmt.Errorf("route %q: missing parameter %s", route, rest[open:open+end+1])
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(params[i]))
		i++
		rest = rest[open+end+1:]
	}
	if i != len(params) {
		return "", fmt.Errorf("route %q: %d parameters for %d placeholders", route, len(params), i)
	}
	return b.String(), nil
}

// majorResources are the path prefixes whose id splits a bucket.
var majorResources = []string{"channels", "guilds", "webhooks"}

// majorParameter returns the id following a major resource at the start of
// path, or "".
func majorParameter(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 2 {
		return ""
	}
	for _, res := range majorResources {
		if parts[0] == res {
			return parts[1]
		}
	}
	return ""
}

func (r *Request) path() string {
	if r.Path != "" {
		return r.Path
	}
	return r.Route
}

// RateLimitRoute identifies the request to the rate-limit registry.
func (r *Request) RateLimitRoute() ratelimit.Route {
	major := r.Major
	if major == "" {
		major = majorParameter(r.path())
	}
	route := r.Route
	if route == "" {
		route = r.Path
	}
	return ratelimit.Route{
		Method:   strings.ToUpper(r.Method),
		Template: route,
		Major:    major,
	}
}

// Response is a raw REST response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
