package loadbalancer

import "strings"

// Node is one upstream instance of a service. URL is kept in normalized form:
// no scheme, no trailing slash.
type Node struct {
	URL string `json:"url"`
}

// NormalizeURL strips the scheme and any trailing slash so that
// "http://10.0.0.1:8080/" and "10.0.0.1:8080" identify the same node.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return strings.TrimRight(u, "/")
}
