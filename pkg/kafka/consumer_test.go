package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{pending: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.pending <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.pending:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

type recordingHandler struct {
	mu       sync.Mutex
	seen     []*IncomingMessage
	attempts map[int64]int
	fail     func(msg *IncomingMessage, attempt int) error
}

func newRecordingHandler(fail func(msg *IncomingMessage, attempt int) error) *recordingHandler {
	return &recordingHandler{attempts: map[int64]int{}, fail: fail}
}

func (h *recordingHandler) Handle(_ context.Context, msg *IncomingMessage) error {
	h.mu.Lock()
	h.seen = append(h.seen, msg)
	h.attempts[msg.Offset]++
	attempt := h.attempts[msg.Offset]
	h.mu.Unlock()
	return h.fail(msg, attempt)
}

func (h *recordingHandler) Attempts(offset int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[offset]
}

func ingestMessages() []kafka.Message {
	return []kafka.Message{
		{Topic: "contact-ingest", Partition: 0, Offset: 1, Key: []byte("a@x.io"), Value: []byte(`ok`), Headers: []kafka.Header{{Key: "source", Value: []byte("crm")}}},
		{Topic: "contact-ingest", Partition: 0, Offset: 2, Key: []byte("b@x.io"), Value: []byte(`fail`), Headers: []kafka.Header{{Key: "source", Value: []byte("forms")}}},
		{Topic: "contact-ingest", Partition: 0, Offset: 3, Key: []byte("c@x.io"), Value: []byte(`ok`)},
	}
}

func discardLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestConsumer_RetriesFailedMessageInPlace(t *testing.T) {
	reader := newFakeReader(ingestMessages()...)
	handler := newRecordingHandler(func(msg *IncomingMessage, attempt int) error {
		if string(msg.Value) == "fail" && attempt < 3 {
			return errors.New("lookup failed")
		}
		return nil
	})

	consumer := NewConsumerWithReader(reader, "contact-ingest", discardLogger(), handler.Handle).WithRetryPolicy(fastRetry)
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(reader.Committed()) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.True(t, reader.closed)
	assert.Equal(t, []int64{1, 2, 3}, reader.Committed())
	assert.Equal(t, 3, handler.Attempts(2))
	assert.Equal(t, 1, handler.Attempts(3))
	assert.Equal(t, "crm", handler.seen[0].Headers["source"])
	assert.True(t, consumer.Health())
}

func TestConsumer_DeadLettersAfterMaxAttempts(t *testing.T) {
	reader := newFakeReader(ingestMessages()...)
	handler := newRecordingHandler(func(msg *IncomingMessage, _ int) error {
		if string(msg.Value) == "fail" {
			return errors.New("lookup failed")
		}
		return nil
	})
	dlq := &fakeWriter{}

	consumer := NewConsumerWithReader(reader, "contact-ingest", discardLogger(), handler.Handle).
		WithRetryPolicy(fastRetry).
		WithDeadLetter(dlq, "contact-ingest-dlq")
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(reader.Committed()) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, consumer.Stop())

	assert.Equal(t, []int64{1, 2, 3}, reader.Committed())
	assert.Equal(t, fastRetry.MaxAttempts, handler.Attempts(2))
	assert.True(t, dlq.closed)

	require.Len(t, dlq.messages, 1)
	dead := dlq.messages[0]
	assert.Equal(t, "b@x.io", string(dead.Key))
	assert.Equal(t, "fail", string(dead.Value))

	headers := headerMap(dead)
	assert.Equal(t, "forms", headers["source"])
	assert.Equal(t, "contact-ingest", headers[HeaderOriginalTopic])
	assert.Equal(t, "0", headers[HeaderOriginalPartition])
	assert.Equal(t, "2", headers[HeaderOriginalOffset])
	assert.Equal(t, "lookup failed", headers[HeaderError])
	assert.Equal(t, "3", headers[HeaderAttempts])
}

func TestConsumer_HoldsPartitionWhenMessageKeepsFailing(t *testing.T) {
	tests := []struct {
		name string
		dlq  *fakeWriter
	}{
		{name: "no dead letter topic"},
		{name: "dead letter write fails", dlq: &fakeWriter{err: errors.New("broker unavailable")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := newFakeReader(ingestMessages()...)
			handler := newRecordingHandler(func(msg *IncomingMessage, _ int) error {
				if string(msg.Value) == "fail" {
					return errors.New("lookup failed")
				}
				return nil
			})

			consumer := NewConsumerWithReader(reader, "contact-ingest", discardLogger(), handler.Handle).WithRetryPolicy(fastRetry)
			if tt.dlq != nil {
				consumer.WithDeadLetter(tt.dlq, "contact-ingest-dlq")
			}
			require.NoError(t, consumer.Start(context.Background()))

			require.Eventually(t, func() bool {
				return handler.Attempts(2) > fastRetry.MaxAttempts
			}, time.Second, 5*time.Millisecond)
			require.NoError(t, consumer.Stop())

			assert.Equal(t, []int64{1}, reader.Committed())
			assert.Zero(t, handler.Attempts(3))
			if tt.dlq != nil {
				assert.Empty(t, tt.dlq.messages)
			}
		})
	}
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   RetryPolicy
		want RetryPolicy
	}{
		{
			name: "zero value",
			want: RetryPolicy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 10 * time.Second},
		},
		{
			name: "max below initial is raised",
			in:   RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Minute, MaxBackoff: time.Second},
			want: RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Minute, MaxBackoff: time.Minute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.withDefaults())
		})
	}
}
