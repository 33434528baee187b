package broker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeliver_PermanentErrorSkipsRetries(t *testing.T) {
	calls := 0
	err := deliver(context.Background(), func(context.Context, Message) error {
		calls++
		return Permanent(errors.New("malformed payload"))
	}, Message{Topic: "orders"}, 5)

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDeliver_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := deliver(context.Background(), func(context.Context, Message) error {
		calls++
		return nil
	}, Message{Topic: "orders"}, 5)

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type scriptedReader struct {
	errs      []error
	fetches   int
	committed []kafka.Message
}

func (r *scriptedReader) FetchMessage(context.Context) (kafka.Message, error) {
	r.fetches++
	if len(r.errs) == 0 {
		return kafka.Message{}, io.EOF
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Topic: "order-events", Key: []byte("order-1"), Value: []byte("{}")}, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestKafkaConsumer_BacksOffOnFetchErrorsAndStopsOnEOF(t *testing.T) {
	// Arrange
	outage := errors.New("connection refused")
	reader := &scriptedReader{errs: []error{outage, outage, nil, outage}}
	fetchBackoff := newFetchBackoff()
	fetchBackoff.InitialInterval = 10 * time.Millisecond
	fetchBackoff.RandomizationFactor = 0
	c := &KafkaConsumer{reader: reader, logger: zap.NewNop(), maxRetries: 1, fetchBackoff: fetchBackoff}
	handled := 0

	// Act
	start := time.Now()
	err := c.Consume(context.Background(), func(context.Context, Message) error {
		handled++
		return nil
	})

	// Assert
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 5, reader.fetches)
	assert.Equal(t, 1, handled)
	assert.Len(t, reader.committed, 1)
	// 10ms + 15ms before the message, then 10ms again after the reset.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestKafkaConsumer_StopsWhileBackingOff(t *testing.T) {
	reader := &scriptedReader{errs: []error{errors.New("broker down")}}
	fetchBackoff := newFetchBackoff()
	fetchBackoff.InitialInterval = time.Hour
	c := &KafkaConsumer{reader: reader, logger: zap.NewNop(), maxRetries: 1, fetchBackoff: fetchBackoff}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Consume(ctx, func(context.Context, Message) error { return nil })

	assert.NoError(t, err)
	assert.Equal(t, 1, reader.fetches)
}
