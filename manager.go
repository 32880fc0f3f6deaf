package offlinecache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	// ErrInvalidConfig is returned by New when the configuration cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTransition is returned when a lifecycle event arrives in the wrong state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// Observer receives strategy and lifecycle outcomes, typically for metrics.
type Observer interface {
	ObserveFetch(strategy, outcome string)
	ObservePrecache(outcome string)
	ObserveSync(outcome string)
}

// Manager is an offline cache sitting in front of an origin. It implements
// http.RoundTripper and serves every same-origin request with one of the
// cache-first, network-first or offline fallback strategies.
type Manager struct {
	Wrapped http.RoundTripper

	storage  Storage
	queue    Queue
	clients  Clients
	notifier Notifier
	observer Observer

	logger *slog.Logger
	now    func() time.Time

	c         Config
	origin    *url.URL
	originKey string

	mu       sync.Mutex
	state    State
	syncTags map[string]struct{}
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

// WithTransport sets the network transport. Defaults to http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(m *Manager) { m.Wrapped = rt }
}

// WithQueue sets the queue used for background sync. Defaults to a MemoryQueue.
func WithQueue(q Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithClients sets the clients claimed on activation and notified after sync.
func WithClients(c Clients) Option {
	return func(m *Manager) { m.clients = c }
}

// WithNotifier sets where push notifications are shown.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// New creates a Manager serving opts.Origin from the given storage.
//
// If 'opts' is nil the default configuration is used, which has no origin and
// is therefore rejected. Zero fields of opts are filled from DefaultConfig.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func New(
	storage Storage,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
	options ...Option,
) (*Manager, error) {
	if storage == nil {
		return nil, errors.Join(ErrInvalidConfig, caches.ValidationError{Reason: "nil storage"})
	}

	c := DefaultConfig()
	if opts != nil {
		c = opts.withDefaults()
	}

	origin, err := url.Parse(c.Origin)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("origin %q must be scheme://host", c.Origin))
	}

	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := &Manager{
		Wrapped:   http.DefaultTransport,
		storage:   storage,
		logger:    logger,
		now:       nowFunc,
		c:         c,
		origin:    origin,
		originKey: originOf(origin),
		syncTags:  make(map[string]struct{}),
	}
	for _, o := range options {
		o(m)
	}
	if m.queue == nil {
		m.queue = NewMemoryQueue()
	}

	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.c
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves from one of the allowed states to next.
func (m *Manager) transition(next State, from ...State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range from {
		if m.state == s {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
}

func (m *Manager) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return m.origin.ResolveReference(ref), nil
}

func (m *Manager) observeFetch(s Strategy, outcome string) {
	if m.observer != nil {
		m.observer.ObserveFetch(s.String(), outcome)
	}
}

func (m *Manager) observePrecache(outcome string) {
	if m.observer != nil {
		m.observer.ObservePrecache(outcome)
	}
}

func (m *Manager) observeSync(outcome string) {
	if m.observer != nil {
		m.observer.ObserveSync(outcome)
	}
}
