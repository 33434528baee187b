package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemory_RetainsAndOrdersPerTopic(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	for i, v := range []string{"a", "b", "c"} {
		meta, err := b.Send(ctx, Message{Topic: "orders", Key: "o-1", Value: []byte(v)})
		require.NoError(t, err)
		assert.Equal(t, int64(i), meta.Offset)
	}

	msgs := b.Messages("orders")
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", string(msgs[0].Value))
	assert.Equal(t, "c", string(msgs[2].Value))
	assert.Empty(t, b.Messages("other"))
}

func TestMemory_DeliversToSubscribers(t *testing.T) {
	b := NewMemory()
	consumer := b.Subscribe(zap.NewNop(), "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	go func() {
		_ = consumer.Consume(ctx, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.Value))
			return nil
		})
	}()

	_, err := b.Send(ctx, Message{Topic: "orders", Value: []byte("1")})
	require.NoError(t, err)
	_, err = b.Send(ctx, Message{Topic: "ignored", Value: []byte("x")})
	require.NoError(t, err)
	_, err = b.Send(ctx, Message{Topic: "orders", Value: []byte("2")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"1", "2"}, got)
	mu.Unlock()
}

func TestMemory_FailHookAndClose(t *testing.T) {
	b := NewMemory()
	boom := errors.New("broker down")
	b.FailWith(func(Message) error { return boom })

	_, err := b.Send(context.Background(), Message{Topic: "orders"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, b.Messages("orders"))

	b.FailWith(nil)
	require.NoError(t, b.Close())
	_, err = b.Send(context.Background(), Message{Topic: "orders"})
	assert.ErrorIs(t, err, ErrClosed)
}
