// Package supervisor provides a supervision tree for managing long-lived
// services, chiefly the player worker subprocess link.
//
// The supervisor implements Erlang/OTP-style process supervision: automatic
// restart of failed services with backoff, graceful shutdown, dynamic
// service registration, and health status reporting. The restart and
// backoff machinery is delegated to github.com/thejerf/suture/v4; this
// package adapts its own Service/ServiceState API onto a suture tree so
// callers never import suture directly.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(workerService)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// ShutdownTimeout is how long suture waits for a service's Run to
	// return after its context is cancelled before giving up on it.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// FailureBackoff is the delay suture waits before restarting a
	// failed service. Default: 1 second.
	FailureBackoff time.Duration

	// Logger is optional; if set, supervisor events are logged here.
	Logger io.Writer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 10 * time.Second,
		FailureBackoff:  1 * time.Second,
	}
}

// Supervisor manages a collection of services, restarting them on failure
// via an underlying suture.Supervisor.
type Supervisor struct {
	cfg Config
	sup *suture.Supervisor

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool

	logMu sync.Mutex
}

// serviceEntry tracks a single service's lifecycle for Status() reporting.
// The restart decision itself lives in suture; this is bookkeeping only.
type serviceEntry struct {
	service   Service
	token     suture.ServiceToken
	state     atomic.Int32 // ServiceState
	startTime atomic.Value // time.Time
	restarts  atomic.Int32
	lastErr   atomic.Value // error
}

func (e *serviceEntry) setState(s ServiceState) { e.state.Store(int32(s)) }
func (e *serviceEntry) getState() ServiceState  { return ServiceState(e.state.Load()) }

func (e *serviceEntry) setStart(t time.Time) { e.startTime.Store(t) }
func (e *serviceEntry) getStart() time.Time {
	v, _ := e.startTime.Load().(time.Time)
	return v
}

func (e *serviceEntry) setErr(err error) { e.lastErr.Store(errBox{err}) }
func (e *serviceEntry) getErr() error {
	v, _ := e.lastErr.Load().(errBox)
	return v.err
}

// errBox lets a possibly-nil error live in an atomic.Value, which
// otherwise rejects storing different concrete types (including nil).
type errBox struct{ err error }

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 1 * time.Second
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}

	s.sup = suture.New("playerd", suture.Spec{
		EventHook:        s.onSutureEvent,
		Timeout:          cfg.ShutdownTimeout,
		FailureBackoff:   cfg.FailureBackoff,
		FailureThreshold: 5,
		FailureDecay:     30,
	})

	return s
}

func (s *Supervisor) onSutureEvent(ev suture.Event) {
	s.logf("%s", ev.String())
}

// logf writes a formatted log message if Logger is configured (thread-safe).
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.logMu.Lock()
		_, _ = fmt.Fprintf(s.cfg.Logger, "[Supervisor] "+format+"\n", args...)
		s.logMu.Unlock()
	}
}

// Add registers a service with the supervisor. If the supervisor is
// already running, the service is started on its next scheduling round.
// Returns an error if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{service: svc}
	entry.setState(ServiceStateIdle)
	entry.token = s.sup.Add(&serviceAdapter{entry: entry, sup: s})
	s.services[name] = entry
	s.logf("Added service: %s", name)

	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.services, name)
	s.mu.Unlock()

	if err := s.sup.Remove(entry.token); err != nil {
		return fmt.Errorf("removing service %q: %w", name, err)
	}
	s.logf("Removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.services))
	now := time.Now()

	for name, entry := range s.services {
		var uptime time.Duration
		start := entry.getStart()
		if !start.IsZero() && entry.getState() == ServiceStateRunning {
			uptime = now.Sub(start)
		}

		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.getState(),
			StartTime: start,
			Uptime:    uptime,
			Restarts:  int(entry.restarts.Load()),
			LastError: entry.getErr(),
		})
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Run starts all registered services and blocks until ctx is cancelled,
// at which point suture waits up to ShutdownTimeout for each to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	count := len(s.services)
	s.mu.Unlock()

	s.logf("Supervisor started with %d services", count)

	err := s.sup.Serve(ctx)

	s.mu.Lock()
	s.running = false
	for _, entry := range s.services {
		entry.setState(ServiceStateStopped)
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logf("All services stopped")
	return nil
}

// serviceAdapter satisfies suture.Service by delegating to a
// supervisor.Service's Run method and keeping the entry's bookkeeping
// fields current around each run.
type serviceAdapter struct {
	entry *serviceEntry
	sup   *Supervisor
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	a.entry.setState(ServiceStateRunning)
	a.entry.setStart(time.Now())

	err := a.entry.service.Run(ctx)

	if ctx.Err() != nil {
		a.entry.setState(ServiceStateStopped)
		return suture.ErrDoNotRestart
	}

	a.entry.restarts.Add(1)
	a.entry.setErr(err)
	a.entry.setState(ServiceStateFailed)
	a.sup.logf("Service %s failed (restarts=%d): %v", a.entry.service.Name(), a.entry.restarts.Load(), err)
	return err
}
