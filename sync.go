package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncTagData is the sync tag registered when an operation is queued.
const SyncTagData = "sync-data"

// Operation is a write made while offline, replayed on the next sync.
type Operation struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Queue holds pending operations until they are replayed. Operations are
// removed only after a successful replay, so replay is at-least-once.
type Queue interface {
	Enqueue(ctx context.Context, op Operation) error
	Pending(ctx context.Context) ([]Operation, error)
	Remove(ctx context.Context, id string) error
}

// MemoryQueue is a Queue kept in process memory. Its contents do not survive
// a restart.
type MemoryQueue struct {
	mu  sync.Mutex
	ops []Operation
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = append(q.ops, op)
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context) ([]Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := make([]Operation, len(q.ops))
	copy(ops, q.ops)
	return ops, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// SyncResult summarises one sync pass.
type SyncResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Remaining int `json:"remaining"`
}

// QueueOperation stores op for the next sync and registers the sync-data tag.
// An empty ID is replaced with a generated one.
func (m *Manager) QueueOperation(ctx context.Context, op Operation) (Operation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Method == "" {
		op.Method = http.MethodGet
	}
	if op.URL == "" {
		return op, errors.New("operation has no url")
	}

	if err := m.queue.Enqueue(ctx, op); err != nil {
		return op, err
	}
	m.logger.InfoContext(ctx, "queued operation", "id", op.ID, "method", op.Method, "url", op.URL)

	m.RegisterSync(SyncTagData)
	return op, nil
}

// RegisterSync asks for tag to be run by the sync loop.
func (m *Manager) RegisterSync(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncTags[tag] = struct{}{}
}

// RegisteredSyncs returns the tags waiting for the sync loop.
func (m *Manager) RegisteredSyncs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags := make([]string, 0, len(m.syncTags))
	for t := range m.syncTags {
		tags = append(tags, t)
	}
	return tags
}

// Sync runs the background sync for tag. Only SyncTagData does any work: each
// queued operation is replayed against the origin, removed on success and
// left queued on failure. Clients are told how many operations were tried.
func (m *Manager) Sync(ctx context.Context, tag string) SyncResult {
	m.logger.InfoContext(ctx, "background sync", "tag", tag)
	if tag != SyncTagData {
		return SyncResult{}
	}

	ops, err := m.queue.Pending(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "background sync failed", "error", err)
		m.observeSync(outcomeError)
		return SyncResult{}
	}

	if len(ops) == 0 {
		m.logger.DebugContext(ctx, "no queued operations to sync")
		return SyncResult{}
	}

	m.logger.InfoContext(ctx, "syncing queued operations", "count", len(ops))
	res := SyncResult{Attempted: len(ops)}
	for _, op := range ops {
		if err := m.replay(ctx, op); err != nil {
			m.logger.ErrorContext(ctx, "failed to sync operation", "id", op.ID, "error", err)
			m.observeSync(outcomeError)
			res.Remaining++
			continue
		}

		if err := m.queue.Remove(ctx, op.ID); err != nil {
			m.logger.WarnContext(ctx, "error removing operation from queue", "id", op.ID, "error", err)
		}
		m.observeSync(outcomeNetwork)
		res.Synced++
	}

	m.broadcast(ctx, Message{Type: MessageSyncComplete, Count: len(ops)})
	return res
}

// replay sends op to the network. Any HTTP response counts as delivered;
// only transport failures keep the operation queued.
func (m *Manager) replay(ctx context.Context, op Operation) error {
	u, err := m.resolve(op.URL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, u.String(), strings.NewReader(op.Body))
	if err != nil {
		return err
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.Wrapped.RoundTrip(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (m *Manager) broadcast(ctx context.Context, msg Message) {
	if m.clients == nil {
		return
	}

	clients, err := m.clients.MatchAll(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "error listing clients", "error", err)
		return
	}
	for _, c := range clients {
		if err := c.PostMessage(ctx, msg); err != nil {
			m.logger.WarnContext(ctx, "error posting message", "client", c.ID(), "error", err)
		}
	}
}

// SyncLoop runs registered sync tags every interval until ctx is done. A tag
// stays registered while operations remain queued.
func (m *Manager) SyncLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.DebugContext(ctx, "sync loop stopped")
			return
		case <-t.C:
			for _, tag := range m.RegisteredSyncs() {
				if res := m.Sync(ctx, tag); res.Remaining == 0 {
					m.unregisterIfIdle(ctx, tag)
				}
			}
			_ = t.Reset(interval)
		}
	}
}

// unregisterIfIdle drops tag unless operations were queued since the last
// pass. QueueOperation registers under the same lock, so no queued operation
// is left without a tag.
func (m *Manager) unregisterIfIdle(ctx context.Context, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tag == SyncTagData {
		ops, err := m.queue.Pending(ctx)
		if err != nil || len(ops) > 0 {
			return
		}
	}
	delete(m.syncTags, tag)
}
