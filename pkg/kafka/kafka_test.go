package kafka

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

type fakeWriter struct {
	msgs []kafkago.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerPublishBuildsKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{w: w}

	err := p.Publish(context.Background(), "orders", "order-1", []byte(`{"ok":true}`), map[string]string{"event_type": "order.created"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "orders", w.msgs[0].Topic)
	require.Equal(t, []byte("order-1"), w.msgs[0].Key)
	require.Equal(t, "order.created", Header(w.msgs[0], "event_type"))
	require.Empty(t, Header(w.msgs[0], "missing"))
}

func TestProducerPublishWrapsErrors(t *testing.T) {
	p := &Producer{w: &fakeWriter{err: errors.New("broker down")}}
	err := p.Publish(context.Background(), "orders", "k", nil, nil)
	require.ErrorContains(t, err, "broker down")

	require.Error(t, p.Publish(context.Background(), "", "k", nil, nil))
}

func TestProducerPingTriesEveryBroker(t *testing.T) {
	attempts := 0
	p := &Producer{
		brokers: []string{"a:9092", "b:9092"},
		dial: func(context.Context, string, string) (net.Conn, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("refused")
			}
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		},
	}
	require.NoError(t, p.Ping(context.Background()))
	require.Equal(t, 2, attempts)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(config.KafkaConfig{})
	require.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafkago.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, io.EOF
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.committed))
	copy(out, r.committed)
	return out
}

func TestConsumerCommitsOnlySuccessfulMessages(t *testing.T) {
	reader := &fakeReader{queue: []kafkago.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(reader, 1, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var handled sync.WaitGroup
	handled.Add(3)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, msg kafkago.Message) error {
			defer handled.Done()
			if msg.Offset == 2 {
				return errors.New("sink rejected")
			}
			return nil
		})
	}()

	handled.Wait()
	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.ElementsMatch(t, []int64{1, 3}, reader.committedOffsets())
	require.True(t, reader.closed)
}

func TestConsumerReturnsReaderErrors(t *testing.T) {
	reader := &erroringReader{err: errors.New("group coordinator unavailable")}
	c := newConsumer(reader, 2, logger.Nop())
	err := c.Start(context.Background(), func(context.Context, kafkago.Message) error { return nil })
	require.ErrorContains(t, err, "group coordinator unavailable")
}

type erroringReader struct{ err error }

func (r *erroringReader) FetchMessage(context.Context) (kafkago.Message, error) {
	return kafkago.Message{}, r.err
}
func (r *erroringReader) CommitMessages(context.Context, ...kafkago.Message) error { return nil }
func (r *erroringReader) Close() error                                             { return nil }
