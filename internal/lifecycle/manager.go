package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager handles graceful cleanup of resources with error aggregation:
// the store flush, the media-group collector, the sweepers, and the HTTP
// server all register here and are closed in reverse order on shutdown.
type Manager struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates a resource lifecycle manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a resource to be closed when the manager is closed.
// Resources are closed in reverse order of registration (LIFO).
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer for convenience.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes all registered resources in reverse order. All cleanup
// attempts are made even if some fail; the first error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.logger.Error().Err(err).Str("resource", res.name).Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
