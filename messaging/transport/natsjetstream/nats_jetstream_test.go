package natsjetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
	"sagaflow/messaging"
)

func TestNewTransport_Defaults(t *testing.T) {
	tpt := NewTransport(Config{SubjectPrefix: "saga.events", Logger: logging.NewNoopLogger()})

	assert.Equal(t, "saga.events.SagaCompleted", tpt.subjectName("SagaCompleted"))
	assert.Equal(t, "saga.events.>", tpt.subjectName(messaging.WildcardType))
	assert.Equal(t, "sagaflow-all", tpt.durableName(messaging.WildcardType))

	sc := tpt.streamConfig()
	assert.Equal(t, "SAGA_EVENTS", sc.Name)
	assert.Equal(t, nats.LimitsPolicy, sc.Retention)
	assert.Equal(t, 2*time.Minute, sc.Duplicates)
	assert.Equal(t, []string{"saga.events.>"}, sc.Subjects)
}

func TestStreamConfig_Retention(t *testing.T) {
	tpt := NewTransport(Config{Retention: "WorkQueue", Replicas: 3, Logger: logging.NewNoopLogger()})
	sc := tpt.streamConfig()
	assert.Equal(t, nats.WorkQueuePolicy, sc.Retention)
	assert.Equal(t, 3, sc.Replicas)
}

func TestPublish_NotRunning(t *testing.T) {
	tpt := NewTransport(Config{Logger: logging.NewNoopLogger()})
	err := tpt.Publish(context.Background(), messaging.NewEvent("id", "SagaStarted", nil))
	assert.Error(t, err)
	assert.NoError(t, tpt.Close())
}

func TestHandleMessage_Dispatch(t *testing.T) {
	tpt := NewTransport(Config{Logger: logging.NewNoopLogger()})

	var got []string
	require.NoError(t, tpt.Subscribe("SagaFailed", messaging.NewHandler("rec", func(ctx context.Context, m messaging.IMessage) error {
		got = append(got, m.GetID())
		return nil
	})))
	require.NoError(t, tpt.Subscribe(messaging.WildcardType, messaging.NewHandler("fail", func(ctx context.Context, m messaging.IMessage) error {
		return errors.New("downstream unavailable")
	})))

	data, err := messaging.Marshal(&messaging.Message{ID: "s-1:7:SagaFailed", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)

	// 无回复主题的消息 Ack/Nak 会失败，但分发仍然发生
	tpt.handleMessage("SagaFailed")(&nats.Msg{Subject: "saga.events.SagaFailed", Data: data})
	tpt.handleMessage("SagaFailed")(&nats.Msg{Subject: "saga.events.SagaFailed", Data: []byte("garbage")})

	assert.Equal(t, []string{"s-1:7:SagaFailed"}, got)
	assert.Equal(t, 2, tpt.Stats().HandlerCount)
}
