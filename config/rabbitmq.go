package config

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"net/url"
	"time"
)

func (r *RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Pass),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
		Path:   "/",
	}
	return u.String()
}

// NewRabbitMQConn dials the broker with bounded retries and closes the
// connection when ctx ends.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	connAddr := cfg.URL()

	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(connAddr)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("host", cfg.Host).Msg("failed to connect to RabbitMQ, retrying")
			return nil, err
		}

		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("giving up connecting to RabbitMQ")
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("host", cfg.Host).Msg("connected to RabbitMQ")
	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && !conn.IsClosed() {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close RabbitMQ connection")
			return
		}
		zerolog.Ctx(ctx).Info().Msg("RabbitMQ connection closed")
	}()

	return conn, nil
}
