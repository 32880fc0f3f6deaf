package offlinecache

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Client is a page controlled by the manager.
type Client interface {
	ID() string
	PostMessage(ctx context.Context, msg Message) error
}

// Clients is the set of pages the manager can reach.
type Clients interface {
	// Claim takes control of every open client without waiting for a reload.
	Claim(ctx context.Context) error
	// MatchAll returns the controlled clients.
	MatchAll(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// RegisteredClient is a Client kept by a ClientRegistry. Posted messages are
// recorded and, when the registry has a logger, logged.
type RegisteredClient struct {
	id  string
	url string

	mu         sync.Mutex
	controlled bool
	messages   []Message
	logger     *slog.Logger
}

func (c *RegisteredClient) ID() string { return c.id }

func (c *RegisteredClient) URL() string { return c.url }

func (c *RegisteredClient) PostMessage(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, msg)
	c.logger.DebugContext(ctx, "message posted", "client", c.id, "type", msg.Type)
	return nil
}

// Messages returns every message posted to the client so far.
func (c *RegisteredClient) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return msgs
}

// Controlled reports whether the client has been claimed.
func (c *RegisteredClient) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

// ClientRegistry is an in-memory Clients implementation. Clients registered
// after Claim are controlled straight away.
type ClientRegistry struct {
	mu      sync.Mutex
	claimed bool
	clients []*RegisteredClient
	logger  *slog.Logger
}

func NewClientRegistry(logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ClientRegistry{logger: logger}
}

// Register adds an open page at url.
func (r *ClientRegistry) Register(url string) *RegisteredClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &RegisteredClient{
		id:         uuid.NewString(),
		url:        url,
		controlled: r.claimed,
		logger:     r.logger,
	}
	r.clients = append(r.clients, c)
	return c
}

func (r *ClientRegistry) Claim(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claimed = true
	for _, c := range r.clients {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
	}
	return nil
}

func (r *ClientRegistry) MatchAll(_ context.Context) ([]Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Client
	for _, c := range r.clients {
		if c.Controlled() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *ClientRegistry) OpenWindow(ctx context.Context, url string) (Client, error) {
	c := r.Register(url)
	r.logger.InfoContext(ctx, "window opened", "client", c.ID(), "url", url)
	return c, nil
}
