// Package connwatch supervises the health of tool servers.
//
// It provides two things:
//   - Retry: a bounded exponential backoff loop, used by the restart
//     policy to respawn a crashed server a limited number of times.
//   - Watcher/Manager: optional periodic liveness probes (a JSON-RPC
//     ping) with state-transition callbacks, used to recycle servers
//     that stop answering without exiting.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is responsive. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the restart backoff schedule.
type BackoffConfig struct {
	// MaxRetries is the number of consecutive attempts Retry makes.
	// Zero or negative disables retrying entirely.
	MaxRetries int

	// InitialDelay is the delay before the first attempt (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt (default: 2.0).
	Multiplier float64
}

// DefaultBackoffConfig returns the restart schedule: three attempts
// after 1s, 2s and 4s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// withDefaults fills zero-valued timing fields. MaxRetries is left alone
// since zero is meaningful.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Delay returns the wait before the given attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// ExhaustedError is returned by Retry when every attempt failed.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: retries disabled", e.Name)
	}
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls fn up to cfg.MaxRetries times, sleeping cfg.Delay(n)
// before attempt n. It returns nil as soon as fn succeeds, ctx.Err() if
// ctx ends while waiting, and an *ExhaustedError wrapping the last
// failure otherwise.
func Retry(ctx context.Context, cfg BackoffConfig, logger *slog.Logger, name string, fn func(ctx context.Context, attempt int) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.Delay(attempt)
		logger.Debug("waiting before attempt",
			"name", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay.String(),
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		err := fn(ctx, attempt)
		if err == nil {
			logger.Info("attempt succeeded", "name", name, "attempt", attempt)
			return nil
		}
		lastErr = err

		logger.Warn("attempt failed",
			"name", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", err,
		)
	}

	return &ExhaustedError{Name: name, Attempts: cfg.MaxRetries, Err: lastErr}
}

// WatcherConfig configures a single liveness watcher.
type WatcherConfig struct {
	// Name identifies the watched server.
	Name string

	// Probe checks liveness. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes (default: 30s).
	Interval time.Duration

	// Timeout limits each probe call (default: 10s).
	Timeout time.Duration

	// OnDown is called when the server transitions from alive to
	// unresponsive. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// OnReady is called when the server answers again after being
	// down. Called in a separate goroutine. Optional.
	OnReady func()

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the liveness status of a watched server, suitable for
// JSON serialization in status endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
}

// Watcher probes a single server on a fixed interval.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded. A new watcher starts
// out ready since it is only installed on servers that completed their
// handshake.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current liveness status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Warn("server stopped answering liveness probes",
				"server", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("server answering liveness probes again",
				"server", w.config.Name,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case !wasReady && err != nil:
			logger.Debug("server still unresponsive",
				"server", w.config.Name,
				"error", err,
			)
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	}
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the liveness watchers of all servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a liveness watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher, replacing (and stopping) any
// existing watcher with the same name. The watcher runs until ctx is
// cancelled, Unwatch is called, or the manager is stopped.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the named watcher, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Status returns the liveness status of all watched servers.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
