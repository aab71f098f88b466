package lock

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-acquirel/v1/metrics"
	"github.com/mirkobrombin/go-acquirel/v1/syncbus"
)

// DefaultPrefix namespaces lock keys in the store.
const DefaultPrefix = "acquirel:lock:"

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the namespace prepended to every resource key.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithTokenGenerator replaces the release token source. Tokens must be
// unique across every process contending for the same keys.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newToken = fn
		}
	}
}

// WithBus publishes lock and unlock events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithNode sets the node name attached to published events. Defaults to a
// random UUID.
func WithNode(node string) Option {
	return func(m *Manager) {
		if node != "" {
			m.node = node
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = metrics.NewLockMetrics(reg)
	}
}

// WithTracing enables OpenTelemetry spans for acquire and release.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

func randomToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
