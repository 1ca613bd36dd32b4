package server

import (
	"context"
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/Bixcoitoo/harvester-api/pkg/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpConn struct {
	*amqp.Connection
	publisher *rabbitmq.EventPublisher
}

func dialQueue(ctx context.Context, cfg *config.RabbitMQ) (*amqpConn, error) {
	conn, err := config.NewRabbitMQConn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, err := rabbitmq.NewEventPublisher(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &amqpConn{Connection: conn, publisher: publisher}, nil
}
