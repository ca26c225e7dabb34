// SPDX-License-Identifier: MIT

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockService is a test service that can be controlled.
type mockService struct {
	name       string
	shouldFail bool
	failErr    error
	started    chan struct{}
	stopped    chan struct{}
}

func newMockService(name string) *mockService {
	return &mockService{
		name:    name,
		started: make(chan struct{}, 10),
		stopped: make(chan struct{}, 10),
	}
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Run(ctx context.Context) error {
	m.started <- struct{}{}
	defer func() { m.stopped <- struct{}{} }()

	if m.shouldFail {
		return m.failErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNewUsesDefaultsOnZeroConfig(t *testing.T) {
	sup := New(Config{})
	require.NotNil(t, sup)
	require.NotNil(t, sup.sup)
}

func TestAddAndRemove(t *testing.T) {
	sup := New(DefaultConfig())

	require.NoError(t, sup.Add(newMockService("service1")))
	require.NoError(t, sup.Add(newMockService("service2")))
	require.Equal(t, 2, sup.ServiceCount())

	require.Error(t, sup.Add(newMockService("service1")), "duplicate name must fail")

	require.NoError(t, sup.Remove("service1"))
	require.Equal(t, 1, sup.ServiceCount())
	require.Error(t, sup.Remove("nonexistent"))
}

func TestStatusBeforeRunIsIdle(t *testing.T) {
	sup := New(DefaultConfig())
	require.NoError(t, sup.Add(newMockService("service1")))

	status := sup.Status()
	require.Len(t, status, 1)
	require.Equal(t, "service1", status[0].Name)
	require.Equal(t, ServiceStateIdle, status[0].State)
}

func TestRunStartsServiceAndStopsOnCancel(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})
	svc := newMockService("service1")
	require.NoError(t, sup.Add(svc))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not start in time")
	}

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	select {
	case <-svc.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestRunTwiceFails(t *testing.T) {
	sup := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sup.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.Error(t, sup.Run(ctx))
}

func TestServiceRestartsAfterFailure(t *testing.T) {
	sup := New(Config{
		ShutdownTimeout: 2 * time.Second,
		FailureBackoff:  10 * time.Millisecond,
	})

	svc := newMockService("failing-service")
	svc.shouldFail = true
	svc.failErr = errors.New("intentional failure")
	require.NoError(t, sup.Add(svc))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	restarts := 0
	timeout := time.After(5 * time.Second)
	for restarts < 3 {
		select {
		case <-svc.started:
			restarts++
		case <-timeout:
			t.Fatalf("service only started %d times, want at least 3", restarts)
		}
	}

	status := sup.Status()
	require.Len(t, status, 1)
	require.GreaterOrEqual(t, status[0].Restarts, 2)
	require.Error(t, status[0].LastError)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestAddWhileRunning(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sup.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	svc := newMockService("late-service")
	require.NoError(t, sup.Add(svc))

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not start in time")
	}
}

func TestRemoveWhileRunning(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})
	svc := newMockService("removeme")
	require.NoError(t, sup.Add(svc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not start in time")
	}

	require.NoError(t, sup.Remove("removeme"))

	select {
	case <-svc.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after removal")
	}
	require.Equal(t, 0, sup.ServiceCount())
}

func TestServiceStateString(t *testing.T) {
	cases := map[ServiceState]string{
		ServiceStateIdle:     "idle",
		ServiceStateRunning:  "running",
		ServiceStateStopping: "stopping",
		ServiceStateFailed:   "failed",
		ServiceStateStopped:  "stopped",
		ServiceState(99):     "unknown(99)",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, 1*time.Second, cfg.FailureBackoff)
}

func TestLoggingOutput(t *testing.T) {
	var buf bytes.Buffer
	sup := New(Config{ShutdownTimeout: 2 * time.Second, Logger: &buf})
	svc := newMockService("log-test")
	require.NoError(t, sup.Add(svc))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not start")
	}
	cancel()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
