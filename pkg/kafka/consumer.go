package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
)

const failureBackoff = 200 * time.Millisecond

// Handler returns nil only when the message was fully processed and its offset may be committed.
type Handler func(ctx context.Context, msg kafkago.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group and fans messages out to a
// worker pool. Offsets are committed manually after the handler succeeds.
type Consumer struct {
	r       messageReader
	workers int
	logg    *logger.Logger
}

func NewConsumer(cfg config.KafkaConfig, topic string, logg *logger.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.AnalyticsGroup == "" {
		return nil, errors.New("consumer group is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.AnalyticsGroup,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, cfg.Workers, logg), nil
}

func newConsumer(r messageReader, workers int, logg *logger.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, logg: logg}
}

// Start blocks until ctx is cancelled or the reader fails. A cancelled context is a clean stop.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafkago.Message, c.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for msg := range jobs {
				c.handle(ctx, worker, msg, h)
			}
		}(i)
	}

	err := c.dispatch(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) dispatch(ctx context.Context, jobs chan<- kafkago.Message) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, worker int, msg kafkago.Message, h Handler) {
	msgCtx := c.logg.WithFields(ctx, map[string]any{
		"worker":    worker,
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})
	if err := h(msgCtx, msg); err != nil {
		c.logg.Error(msgCtx, "kafka handler failed; offset left uncommitted", err)
		sleep(ctx, failureBackoff)
		return
	}
	if err := c.r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.logg.Error(msgCtx, "kafka commit failed", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
