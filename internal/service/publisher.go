package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/Arnaldocloud/bingo-admin/internal/queue"
)

// RabbitPublisher publishes notification events to RabbitMQ. Each publish
// opens a short-lived connection; the caller treats delivery as
// fire-and-forget, so there is no channel pool or confirm handling here.
// Errors are logged by the caller and never interrupt the request flow.
type RabbitPublisher struct {
	url string
}

// NewRabbitPublisher returns a publisher for the given AMQP URL.
func NewRabbitPublisher(url string) *RabbitPublisher {
	return &RabbitPublisher{url: url}
}

// OrderConfirmed publishes an order confirmation to the order.confirmed
// queue.
func (p *RabbitPublisher) OrderConfirmed(ctx context.Context, ev queue.OrderConfirmedEvent) error {
	return p.publish(ctx, queue.OrderConfirmedQueue, ev)
}

// GameState publishes a game-operations broadcast to the game.state queue.
func (p *RabbitPublisher) GameState(ctx context.Context, ev queue.GameStateEvent) error {
	return p.publish(ctx, queue.GameStateQueue, ev)
}

func (p *RabbitPublisher) publish(ctx context.Context, queueName string, event interface{}) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		log.WithError(err).Warn("rabbitmq: dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Warn("rabbitmq: channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	// Idempotent declare; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		log.WithError(err).WithField("queue", queueName).Warn("rabbitmq: queue declare failed")
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		log.WithError(err).WithField("queue", queueName).Warn("rabbitmq: publish failed")
		return err
	}
	return nil
}
