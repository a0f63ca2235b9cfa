package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
)

type fakeServer struct {
	mu    sync.Mutex
	steps []string

	loadErr  error
	setupErr error
	bgErr    error
	runErr   error
	stopErr  error

	// block 为 true 时 Run 阻塞到 ctx 取消
	block  bool
	bgDone chan struct{}
}

func (s *fakeServer) record(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *fakeServer) Steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *fakeServer) Name() string { return "fake" }

func (s *fakeServer) LoadConfig() error {
	s.record("LoadConfig")
	return s.loadErr
}

func (s *fakeServer) SetupDependencies(context.Context) error {
	s.record("SetupDependencies")
	return s.setupErr
}

func (s *fakeServer) StartBackgroundTasks(ctx context.Context) error {
	s.record("StartBackgroundTasks")
	s.bgDone = make(chan struct{})
	go func() {
		<-ctx.Done()
		close(s.bgDone)
	}()
	return s.bgErr
}

func (s *fakeServer) Run(ctx context.Context) error {
	s.record("Run")
	if s.block {
		<-ctx.Done()
	}
	return s.runErr
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.record("Shutdown")
	return s.stopErr
}

func newTestRunner(s IServer, opts ...Option) *Runner {
	return NewRunner(s, append([]Option{WithLogger(logging.NewNoopLogger())}, opts...)...)
}

func TestRunner_NormalLifecycle(t *testing.T) {
	s := &fakeServer{}
	var afterStop bool
	r := newTestRunner(s, WithAfterStop(func(context.Context) error {
		afterStop = true
		return nil
	}))

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"LoadConfig", "SetupDependencies", "StartBackgroundTasks", "Run", "Shutdown"}, s.Steps())
	assert.Equal(t, StateStopped, r.State())
	assert.True(t, afterStop)

	select {
	case <-s.bgDone:
	case <-time.After(time.Second):
		t.Fatal("background context was not cancelled")
	}
}

func TestRunner_ParentCancellationStopsRun(t *testing.T) {
	s := &fakeServer{block: true}
	r := newTestRunner(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return r.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, "Shutdown", s.Steps()[len(s.Steps())-1])
}

func TestRunner_LoadConfigError(t *testing.T) {
	s := &fakeServer{loadErr: errors.New("bad env")}
	r := newTestRunner(s)

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "failed to load config")
	assert.Equal(t, []string{"LoadConfig"}, s.Steps())
	assert.Equal(t, StateError, r.State())
}

func TestRunner_BackgroundErrorShutsDown(t *testing.T) {
	s := &fakeServer{bgErr: errors.New("cron spec")}
	r := newTestRunner(s)

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start background tasks")
	assert.Equal(t, []string{"LoadConfig", "SetupDependencies", "StartBackgroundTasks", "Shutdown"}, s.Steps())
}

func TestRunner_BeforeStartHookError(t *testing.T) {
	s := &fakeServer{}
	r := newTestRunner(s, WithBeforeStart(func(context.Context) error { return errors.New("migrate") }))

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "before start hook failed")
	assert.Equal(t, []string{"LoadConfig", "SetupDependencies", "Shutdown"}, s.Steps())
}

func TestRunner_RunAndShutdownErrors(t *testing.T) {
	r := newTestRunner(&fakeServer{runErr: errors.New("listen: address in use")})
	assert.ErrorContains(t, r.Start(context.Background()), "server execution error")
	assert.Equal(t, StateError, r.State())

	r = newTestRunner(&fakeServer{stopErr: errors.New("flush")})
	assert.ErrorContains(t, r.Start(context.Background()), "shutdown failed")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Unknown", State(99).String())
}
