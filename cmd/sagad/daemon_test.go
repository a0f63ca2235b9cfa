package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/config"
	"sagaflow/logging"
	"sagaflow/saga"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.ServiceName = "sagad-test"
	cfg.Environment = config.EnvTesting
	cfg.NodeID = "node-test"
	cfg.ExecutionMode = string(saga.ExecutionSync)
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.SweepInterval = time.Hour
	cfg.SweepSpec = ""
	cfg.StoreDriver = config.StoreMemory
	cfg.EventTransport = config.TransportNone
	cfg.EnforceCorrelation = true
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*daemon, *simulatedParticipants) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	registry := saga.NewRegistry()
	participants := newSimulatedParticipants(logging.NewNoopLogger())
	require.NoError(t, registerDemoDefinitions(registry, participants))

	d := newDaemon(cfg, logging.NewNoopLogger(), registry)
	require.NoError(t, d.LoadConfig())
	require.NoError(t, d.SetupDependencies(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.StartBackgroundTasks(ctx))
	go func() { _ = d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, d.Shutdown(shutdownCtx))
	})
	return d, participants
}

func enrollmentJSON(t *testing.T, req enrollmentRequest) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestDaemon_MemoryStoreCompletesDemoSaga(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventTransport = config.TransportMemory
	d, participants := startDaemon(t, cfg)
	ctx := context.Background()

	id, err := d.engine.StartSaga(ctx, "enrollment",
		enrollmentJSON(t, enrollmentRequest{Student: "ada", Course: "go-101", AmountCents: 4900}), "order-1")
	require.NoError(t, err)

	inst, err := d.engine.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.True(t, participants.enrolled("go-101", "ada"))
	assert.True(t, participants.charged("ch_"+id))

	_, err = d.engine.StartSaga(ctx, "enrollment",
		enrollmentJSON(t, enrollmentRequest{Student: "ada", Course: "go-101"}), "order-1")
	assert.ErrorIs(t, err, saga.ErrDuplicateCorrelation())
}

func TestDaemon_RejectedEnrollmentIsRefunded(t *testing.T) {
	d, participants := startDaemon(t, testConfig(t))
	ctx := context.Background()

	id, err := d.engine.StartSaga(ctx, "enrollment", enrollmentJSON(t, enrollmentRequest{
		Student: "grace", Course: "go-201", AmountCents: 9900, FailAt: "enroll", Failure: "reject",
	}), "")
	require.NoError(t, err)

	inst, err := d.engine.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:FAILED_PERMANENT",
		"charge:COMPENSATE:SUCCESS",
	}, inst.Trace())
	assert.False(t, participants.charged("ch_"+id))
	assert.False(t, participants.enrolled("go-201", "grace"))
}

func TestDaemon_InvalidRequestRejectedUpFront(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))

	_, err := d.engine.StartSaga(context.Background(), "enrollment", []byte(`{"student":"ada"}`), "")
	assert.ErrorIs(t, err, saga.ErrInvalidRequest())
}

func TestDaemon_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = config.StoreSQLite
	cfg.StoreDSN = "file::memory:"
	cfg.EventTransport = config.TransportSync
	d, _ := startDaemon(t, cfg)

	id, err := d.engine.StartSaga(context.Background(), "enrollment",
		enrollmentJSON(t, enrollmentRequest{Student: "linus", Course: "os-101"}), "order-9")
	require.NoError(t, err)

	inst, err := d.engine.GetSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.NoError(t, d.checkHealth(context.Background()))
}

func TestDaemon_RedisStoreAndStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.StoreDriver = config.StoreRedis
	cfg.RedisAddr = mr.Addr()
	cfg.EventTransport = config.TransportRedisStreams
	d, _ := startDaemon(t, cfg)

	id, err := d.engine.StartSaga(context.Background(), "enrollment",
		enrollmentJSON(t, enrollmentRequest{Student: "barbara", Course: "db-101"}), "")
	require.NoError(t, err)

	inst, err := d.engine.GetSaga(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.True(t, mr.Exists("{saga}:instance:"+id))
	assert.True(t, mr.Exists("saga:events:SagaCompleted"))
}

func TestDaemon_HTTPSurface(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	base := "http://" + d.listener.Addr().String()

	resp, err := http.Post(base+"/v1/definitions/enrollment/sagas", "application/json",
		strings.NewReader(`{"correlation_id":"web-1","request":{"student":"ada","course":"go-101"}}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sagaflow_sagas_started_total")

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSimulatedParticipants_Idempotent(t *testing.T) {
	p := newSimulatedParticipants(logging.NewNoopLogger())
	calls := 0
	action := p.idempotent(func(context.Context, saga.Call) ([]byte, error) {
		calls++
		return []byte("first"), nil
	})

	call := saga.Call{IdempotencyKey: "saga-1:charge:FORWARD"}
	r1, err := action(context.Background(), call)
	require.NoError(t, err)
	r2, err := action(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, r1, r2)
}

func TestEnrollmentRequest_Validate(t *testing.T) {
	assert.NoError(t, enrollmentRequest{Student: "a", Course: "c"}.validate())
	assert.Error(t, enrollmentRequest{Student: "a"}.validate())
	assert.Error(t, enrollmentRequest{Student: "a", Course: "c", AmountCents: -1}.validate())
	assert.Error(t, enrollmentRequest{Student: "a", Course: "c", Failure: "flaky"}.validate())
}
