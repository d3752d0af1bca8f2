package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc reports whether the backend is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// Monitor tracks a live boolean connectivity signal. Subscribers receive the
// current value immediately and every change after it; consecutive identical
// values are de-duplicated.
type Monitor struct {
	logger *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*monitorSubscriber
	nextID      int64
	bufferSize  int
}

type monitorSubscriber struct {
	id     int64
	stream chan bool
}

// MonitorConfig describes the monitor's starting state.
type MonitorConfig struct {
	InitialOnline bool
	Logger        *zap.Logger
}

// NewMonitor constructs a connectivity monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:      logger,
		online:      cfg.InitialOnline,
		subscribers: make(map[int64]*monitorSubscriber),
		bufferSize:  4,
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new connectivity observation. Repeated identical
// observations are dropped before reaching subscribers.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	copies := make([]*monitorSubscriber, 0, len(m.subscribers))
	for _, subscriber := range m.subscribers {
		copies = append(copies, subscriber)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- online:
		default:
		}
	}
}

// Subscribe registers a connectivity observer. The current value is delivered
// immediately. The returned cleanup releases the subscription; cancelling ctx
// does the same.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan bool, func()) {
	subscriber := &monitorSubscriber{stream: make(chan bool, m.bufferSize)}

	// Replay under the lock so a concurrent SetOnline cannot be delivered
	// ahead of it; the fresh buffered channel makes the send non-blocking.
	m.mu.Lock()
	m.nextID++
	subscriber.id = m.nextID
	m.subscribers[subscriber.id] = subscriber
	subscriber.stream <- m.online
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		delete(m.subscribers, subscriber.id)
		m.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Run drives the monitor from a reachability probe until ctx is cancelled.
// The probe fires immediately, then on every interval tick.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if probe == nil {
		return
	}
	m.SetOnline(probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(probe(ctx))
		}
	}
}
