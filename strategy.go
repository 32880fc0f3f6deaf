package offlinecache

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	headerSecFetchMode = "Sec-Fetch-Mode"

	fetchModeNavigate = "navigate"
)

// Strategy is how a single request is served.
type Strategy int

const (
	// StrategyPassthrough hands the request to the wrapped transport untouched.
	StrategyPassthrough Strategy = iota
	// StrategyNetworkFirst tries the network and falls back to the data partition.
	StrategyNetworkFirst
	// StrategyNavigation tries the network and falls back to the offline page.
	StrategyNavigation
	// StrategyCacheFirst serves from the runtime partition and fills it on a miss.
	StrategyCacheFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassthrough:
		return "passthrough"
	case StrategyNetworkFirst:
		return "network_first"
	case StrategyNavigation:
		return "navigation"
	case StrategyCacheFirst:
		return "cache_first"
	default:
		return "unknown"
	}
}

type navigationKey struct{}

// WithNavigation marks requests made with the returned context as full page
// loads, for callers that cannot set the Sec-Fetch-Mode header.
func WithNavigation(ctx context.Context) context.Context {
	return context.WithValue(ctx, navigationKey{}, true)
}

// IsNavigation reports whether r is a full page load.
func IsNavigation(r *http.Request) bool {
	if nav, ok := r.Context().Value(navigationKey{}).(bool); ok && nav {
		return true
	}
	return strings.EqualFold(r.Header.Get(headerSecFetchMode), fetchModeNavigate)
}

// Plan picks the strategy for r. It only looks at the request and the
// configuration, never at partition contents or the network.
//
// The order matters: cross-origin requests are never touched, API paths win
// over navigations, and everything else is served cache-first.
func Plan(r *http.Request, c Config) Strategy {
	o, err := url.Parse(c.Origin)
	if err != nil {
		return StrategyPassthrough
	}
	return plan(r, c, originOf(o))
}

// plan is Plan with the origin already in originOf form.
func plan(r *http.Request, c Config, origin string) Strategy {
	if originOf(r.URL) != origin {
		return StrategyPassthrough
	}

	for _, marker := range c.APIMarkers {
		if marker != "" && strings.Contains(r.URL.Path, marker) {
			return StrategyNetworkFirst
		}
	}

	if IsNavigation(r) {
		return StrategyNavigation
	}

	return StrategyCacheFirst
}

// originOf returns the scheme://host:port origin of u, lower-cased and with
// the default port of http and https spelled out.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}
