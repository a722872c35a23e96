package ratelimit

import "strings"

// Route identifies a request for rate-limit purposes.
//
// Template is the route with placeholders ("/channels/{channel.id}/messages").
// Major is the value of the major parameter (channel, guild or webhook id),
// which the server uses to split one bucket hash into independent quotas.
type Route struct {
	Method   string
	Template string
	Major    string
}

// Key is the map key of the route: method, template and major parameter.
func (r Route) Key() string {
	var b strings.Builder
	b.Grow(len(r.Method) + len(r.Template) + len(r.Major) + 2)
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte(' ')
	b.WriteString(r.Template)
	if r.Major != "" {
		b.WriteByte(' ')
		b.WriteString(r.Major)
	}
	return b.String()
}

func (r Route) String() string {
	return r.Key()
}

// bucketKey derives the registry key of a bucket. Routes without a server
// bucket hash get a synthetic per-route bucket.
func bucketKey(hash string, r Route) string {
	if hash == "" {
		return "route:" + r.Key()
	}
	if r.Major != "" {
		return hash + ":" + r.Major
	}
	return hash
}
