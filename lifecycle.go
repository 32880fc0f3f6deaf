package offlinecache

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// precacheConcurrency bounds parallel asset fetches during install.
const precacheConcurrency = 4

// Install fills the precache partition with the configured assets and then
// skips waiting, which activates the manager. Individual asset failures are
// logged and ignored so Install always succeeds once started.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(StateInstalling, StateNew); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "install", "cache", m.c.PrecacheName(), "assets", len(m.c.PrecacheAssets))

	part, err := m.storage.Open(ctx, m.c.PrecacheName())
	if err != nil {
		m.logger.ErrorContext(ctx, "pre-cache failed", "cache", m.c.PrecacheName(), "error", err)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(precacheConcurrency)
		for _, asset := range m.c.PrecacheAssets {
			g.Go(func() error {
				m.precache(gctx, part, asset)
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := m.transition(StateInstalled, StateInstalling); err != nil {
		return err
	}

	return m.SkipWaiting(ctx)
}

func (m *Manager) precache(ctx context.Context, part Partition, asset string) {
	u, err := m.resolve(asset)
	if err != nil {
		m.logger.WarnContext(ctx, "invalid pre-cache asset", "asset", asset, "error", err)
		m.observePrecache(outcomeError)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		m.logger.WarnContext(ctx, "invalid pre-cache asset", "asset", asset, "error", err)
		m.observePrecache(outcomeError)
		return
	}

	resp, err := m.Wrapped.RoundTrip(req)
	if err != nil {
		m.logger.WarnContext(ctx, "pre-cache fetch failed", "asset", asset, "error", err)
		m.observePrecache(outcomeError)
		return
	}
	defer resp.Body.Close()

	if !isOK(resp) {
		m.logger.WarnContext(ctx, "pre-cache fetch returned bad status", "asset", asset, "status", resp.StatusCode)
		m.observePrecache(outcomeError)
		return
	}

	item, err := NewCacheItem(resp, m.now().UTC())
	if err != nil {
		m.logger.WarnContext(ctx, "error copying pre-cache response", "asset", asset, "error", err)
		m.observePrecache(outcomeError)
		return
	}

	if err := part.Put(ctx, Key(req), item); err != nil {
		m.logger.WarnContext(ctx, "error storing pre-cache response", "asset", asset, "error", err)
		m.observePrecache(outcomeError)
		return
	}

	m.observePrecache(outcomeNetwork)
}

// SkipWaiting activates an installed manager immediately. In any other state
// it does nothing: install always skips waiting on its own.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	if m.State() != StateInstalled {
		return nil
	}
	return m.Activate(ctx)
}

// Activate purges every partition outside the current version set and claims
// open clients.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition(StateActivating, StateInstalled); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "activate")

	if _, err := m.Prune(ctx); err != nil {
		m.logger.WarnContext(ctx, "error removing old caches", "error", err)
	}

	if m.clients != nil {
		if err := m.clients.Claim(ctx); err != nil {
			m.logger.WarnContext(ctx, "error claiming clients", "error", err)
		}
	}

	return m.transition(StateActivated, StateActivating)
}

// Prune deletes every partition whose name is not one of the current three
// and returns the deleted names. Calling it again without a version change
// deletes nothing.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, name := range names {
		if !m.c.isCurrent(name) {
			stale = append(stale, name)
		}
	}

	if err := m.deleteAll(ctx, stale); err != nil {
		return nil, err
	}
	return stale, nil
}

// ClearAll deletes every partition, current ones included.
func (m *Manager) ClearAll(ctx context.Context) error {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return err
	}

	if err := m.deleteAll(ctx, names); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "all caches cleared", "count", len(names))
	return nil
}

func (m *Manager) deleteAll(ctx context.Context, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			m.logger.InfoContext(gctx, "removing cache", "cache", name)
			_, err := m.storage.Delete(gctx, name)
			return err
		})
	}
	return g.Wait()
}
