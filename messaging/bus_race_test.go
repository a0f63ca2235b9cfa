package messaging_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/messaging"
	synctransport "sagaflow/messaging/transport/sync"
)

// 多 goroutine 并发 Publish，同时增删订阅，配合 -race 验证分发路径的并发安全性。
func TestMessageBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	tpt := synctransport.NewSyncTransport()
	ctx := context.Background()
	require.NoError(t, tpt.Start(ctx))
	defer tpt.Close()

	bus := messaging.NewMessageBus(tpt)

	var handled int64
	counter := messaging.NewHandler("counter", func(ctx context.Context, m messaging.IMessage) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})
	require.NoError(t, bus.Subscribe(ctx, "SagaCompleted", counter))

	const (
		goroutines = 8
		perGor     = 200
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGor; i++ {
				msg := messaging.NewEvent(fmt.Sprintf("%d-%d", g, i), "SagaCompleted", nil)
				assert.NoError(t, bus.Publish(ctx, msg))
			}
		}(g)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			h := messaging.NewHandler("churn", func(ctx context.Context, m messaging.IMessage) error { return nil })
			_ = bus.Subscribe(ctx, "SagaCompleted", h)
			_ = bus.Unsubscribe(ctx, "SagaCompleted", h)
		}
	}()

	wg.Wait()
	require.Equal(t, int64(goroutines*perGor), atomic.LoadInt64(&handled))
}
