package rabbitmq

import (
	"context"
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"sync"
	"time"
)

// Topology names the exchanges and queues a consumer declares.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string

	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
}

// DownloadTopology is the request side of the download service.
func DownloadTopology() Topology {
	return Topology{
		Exchange:             "download_exchange",
		Queue:                "download_request_queue",
		RoutingKey:           "download.request",
		DeadLetterExchange:   "download_exchange_dlx",
		DeadLetterQueue:      "download_request_queue_dlq",
		DeadLetterRoutingKey: "dlq.download.request",
	}
}

func (t Topology) hasDeadLetter() bool {
	return t.DeadLetterExchange != "" && t.DeadLetterQueue != ""
}

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

type consumer[T any] struct {
	conn       *amqp.Connection
	cfg        *config.RabbitMQ
	topology   Topology
	handler    func(ctx context.Context, msg amqp.Delivery, dependencies T) error
	numWorkers int
	maxRetries uint
}

func (c consumer[T]) declare(ctx context.Context, ch *amqp.Channel) error {
	t := c.topology
	err := ch.ExchangeDeclare(t.Exchange, c.cfg.Kind, true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("exchange", t.Exchange).Msg("failed to declare exchange")
		return err
	}

	var args amqp.Table
	if t.hasDeadLetter() {
		err = ch.ExchangeDeclare(t.DeadLetterExchange, c.cfg.Kind, true, false, false, false, nil)
		if err != nil {
			zerolog.Ctx(ctx).Error().Str("exchange", t.DeadLetterExchange).Msg("failed to declare dlx")
			return err
		}

		dlq, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil)
		if err != nil {
			zerolog.Ctx(ctx).Error().Str("queue", t.DeadLetterQueue).Msg("failed to declare dlq")
			return err
		}

		err = ch.QueueBind(dlq.Name, t.DeadLetterRoutingKey, t.DeadLetterExchange, false, nil)
		if err != nil {
			zerolog.Ctx(ctx).Error().Msg("failed to bind dlq")
			return err
		}

		args = amqp.Table{
			"x-dead-letter-exchange":    t.DeadLetterExchange,
			"x-dead-letter-routing-key": t.DeadLetterRoutingKey,
		}
	}

	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, args)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", t.Queue).Msg("failed to declare queue")
		return err
	}

	err = ch.QueueBind(q.Name, t.RoutingKey, t.Exchange, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", t.Queue).Msg("failed to bind queue")
		return err
	}
	return nil
}

func (c consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.declare(ctx, ch); err != nil {
		return err
	}

	queueName := c.topology.Queue
	err = ch.Qos(c.numWorkers, 0, false)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", queueName).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("queue", queueName).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", queueName).
		Str("exchange", c.topology.Exchange).
		Str("routing_key", c.topology.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("consumer started")

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for msg := range jobs {
				c.handle(ctx, workerId, msg, dependencies)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (c consumer[T]) handle(ctx context.Context, workerId int, msg amqp.Delivery, dependencies T) {
	operation := func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, msg, dependencies)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		// interrupted by shutdown: hand the message back to the broker
		requeue := ctx.Err() != nil
		zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", workerId).Bool("requeue", requeue).Msg("failed to handle message after all retries")
		if nackErr := msg.Nack(false, requeue); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to nack message")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		zerolog.Ctx(ctx).Error().Err(ackErr).Msg("failed to acknowledge message")
	}
}

func NewConsumer[T any](
	conn *amqp.Connection,
	cfg *config.RabbitMQ,
	topology Topology,
	numWorkers int,
	handler func(ctx context.Context, msg amqp.Delivery, dependencies T) error,
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 5
	}
	return &consumer[T]{
		conn:       conn,
		cfg:        cfg,
		topology:   topology,
		handler:    handler,
		numWorkers: numWorkers,
		maxRetries: maxRetries,
	}
}
