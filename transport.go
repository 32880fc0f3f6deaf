package offlinecache

import (
	"context"
	"errors"
	"net/http"
)

// ErrOfflinePageMissing is returned when a navigation fails on the network and
// the offline page is not in any partition.
var ErrOfflinePageMissing = errors.New("offline page not cached")

const (
	outcomeNetwork = "network"
	outcomeCache   = "cache"
	outcomeOffline = "offline"
	outcomeError   = "error"
)

// RoundTrip implements http.RoundTripper. Cross-origin requests go straight to
// the wrapped transport; same-origin requests are served with the strategy
// returned by Plan.
//
// The strategies are:
// 1. network-first for API paths, falling back to the data partition
// 2. network for navigations, falling back to the offline page
// 3. cache-first for everything else, filling the runtime partition.
//
// Storage failures are logged and never fail the request. Network failures
// are returned only when no fallback applies.
func (m *Manager) RoundTrip(r *http.Request) (*http.Response, error) {
	strategy := plan(r, m.c, m.originKey)

	var (
		resp    *http.Response
		outcome string
		err     error
	)
	switch strategy {
	case StrategyPassthrough:
		m.logger.DebugContext(r.Context(), "cross-origin request, passing through", "url", r.URL.String())
		return m.Wrapped.RoundTrip(r)
	case StrategyNetworkFirst:
		resp, outcome, err = m.networkFirst(r)
	case StrategyNavigation:
		resp, outcome, err = m.navigate(r)
	default:
		resp, outcome, err = m.cacheFirst(r)
	}

	m.observeFetch(strategy, outcome)
	return resp, err
}

func (m *Manager) networkFirst(r *http.Request) (*http.Response, string, error) {
	ctx := r.Context()
	key := Key(r)

	part, err := m.storage.Open(ctx, m.c.DataName())
	if err != nil {
		m.logger.WarnContext(ctx, "error opening data cache", "cache", m.c.DataName(), "error", err)
	}

	resp, netErr := m.Wrapped.RoundTrip(r)
	if netErr == nil {
		if part != nil && cacheable(r) && isOK(resp) {
			m.put(ctx, part, key, resp)
		}
		return resp, outcomeNetwork, nil
	}

	m.logger.DebugContext(ctx, "network request failed, trying cache", "url", r.URL.String(), "error", netErr)
	if part != nil && cacheable(r) {
		if cached := m.match(ctx, part, key, r); cached != nil {
			return cached, outcomeCache, nil
		}
	}

	return nil, outcomeError, netErr
}

func (m *Manager) navigate(r *http.Request) (*http.Response, string, error) {
	resp, err := m.Wrapped.RoundTrip(r)
	if err == nil {
		return resp, outcomeNetwork, nil
	}
	return m.offline(r, err)
}

func (m *Manager) cacheFirst(r *http.Request) (*http.Response, string, error) {
	ctx := r.Context()
	key := Key(r)

	part, err := m.storage.Open(ctx, m.c.RuntimeName())
	if err != nil {
		m.logger.WarnContext(ctx, "error opening runtime cache", "cache", m.c.RuntimeName(), "error", err)
	}

	if part != nil && cacheable(r) {
		if cached := m.match(ctx, part, key, r); cached != nil {
			m.logger.DebugContext(ctx, "cache item found", "url", r.URL.String())
			return cached, outcomeCache, nil
		}
	}

	resp, netErr := m.Wrapped.RoundTrip(r)
	if netErr == nil {
		if part != nil && cacheable(r) && isOK(resp) {
			m.put(ctx, part, key, resp)
		}
		return resp, outcomeNetwork, nil
	}

	m.logger.ErrorContext(ctx, "fetch failed", "url", r.URL.String(), "error", netErr)
	if IsNavigation(r) {
		return m.offline(r, netErr)
	}

	return nil, outcomeError, netErr
}

// offline serves the offline page from whichever partition holds it.
func (m *Manager) offline(r *http.Request, netErr error) (*http.Response, string, error) {
	ctx := r.Context()

	item, err := m.storage.Match(ctx, http.MethodGet+" "+m.c.OfflinePage)
	if err != nil {
		m.logger.WarnContext(ctx, "offline page not available", "page", m.c.OfflinePage, "error", err)
		return nil, outcomeError, errors.Join(ErrOfflinePageMissing, netErr)
	}

	resp, err := item.HTTPResponse(r)
	if err != nil {
		return nil, outcomeError, errors.Join(err, netErr)
	}

	m.logger.DebugContext(ctx, "serving offline page", "url", r.URL.String())
	return resp, outcomeOffline, nil
}

// match returns the stored response for key, or nil on a miss or a storage error.
func (m *Manager) match(ctx context.Context, part Partition, key string, r *http.Request) *http.Response {
	item, err := part.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WarnContext(ctx, "error reading cache", "key", key, "error", err)
		}
		return nil
	}

	resp, err := item.HTTPResponse(r)
	if err != nil {
		m.logger.WarnContext(ctx, "error decoding cached response", "key", key, "error", err)
		return nil
	}
	return resp
}

// put stores a copy of resp. The body of resp stays readable for the caller.
func (m *Manager) put(ctx context.Context, part Partition, key string, resp *http.Response) {
	item, err := NewCacheItem(resp, m.now().UTC())
	if err != nil {
		m.logger.WarnContext(ctx, "error copying response", "key", key, "error", err)
		return
	}

	if err := part.Put(ctx, key, item); err != nil {
		m.logger.WarnContext(ctx, "error caching response", "key", key, "error", err)
		return
	}
	m.logger.DebugContext(ctx, "caching response", "key", key)
}

// cacheable reports whether r can be stored or matched. Partitions only hold
// GET requests.
func cacheable(r *http.Request) bool {
	return r.Method == http.MethodGet
}

func isOK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
