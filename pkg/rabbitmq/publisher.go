package rabbitmq

import (
	"context"
	"encoding/json"
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/Bixcoitoo/harvester-api/dispatcher"
	amqp "github.com/rabbitmq/amqp091-go"
	"sync"
)

const EventsExchange = "download_events"

// EventPublisher forwards job lifecycle events to an exchange, routed as
// download.<kind>.
type EventPublisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewEventPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	exchange := cfg.EventsExchange
	if exchange == "" {
		exchange = EventsExchange
	}
	if err := ch.ExchangeDeclare(exchange, cfg.Kind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &EventPublisher{ch: ch, exchange: exchange}, nil
}

func RoutingKey(kind dispatcher.EventKind) string {
	return "download." + string(kind)
}

func (p *EventPublisher) Publish(ctx context.Context, event dispatcher.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.JobID.String(),
		Timestamp:    event.At,
		Type:         string(event.Kind),
		Body:         body,
	})
}

func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
