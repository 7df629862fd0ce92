package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// StartNotificationConsumer connects to RabbitMQ and consumes both the
// order.confirmed and game.state queues, appending a dispatch line per
// message to logs/notifications.log. The actual WhatsApp delivery is an
// external collaborator; this consumer is the hand-off point and keeps a
// durable local record of everything that was dispatched. It runs a
// reconnect loop with backoff and never returns during normal operation;
// failing messages are rejected without requeue so a poison message cannot
// wedge the queue.
func StartNotificationConsumer(url string) {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.WithError(err).Warnf("notification-consumer: dial failed, retrying in %s", backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := consumeLoop(conn); err != nil {
			log.WithError(err).Warn("notification-consumer: consume loop ended, reconnecting")
			_ = conn.Close()
			time.Sleep(2 * time.Second)
		}
	}
}

func consumeLoop(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.WithError(err).Warn("notification-consumer: set QoS failed")
	}

	for _, name := range []string{OrderConfirmedQueue, GameStateQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
	}

	orders, err := ch.Consume(OrderConfirmedQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", OrderConfirmedQueue, err)
	}
	games, err := ch.Consume(GameStateQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", GameStateQueue, err)
	}

	for {
		select {
		case d, ok := <-orders:
			if !ok {
				return errors.New("order deliveries channel closed")
			}
			ackOrReject(d, handleOrderConfirmed(d.Body))
		case d, ok := <-games:
			if !ok {
				return errors.New("game deliveries channel closed")
			}
			ackOrReject(d, handleGameState(d.Body))
		}
	}
}

func ackOrReject(d amqp.Delivery, err error) {
	if err != nil {
		log.WithError(err).Warn("notification-consumer: handle message failed")
		_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
		return
	}
	_ = d.Ack(false)
}

func handleOrderConfirmed(body []byte) error {
	var ev OrderConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	line := fmt.Sprintf("[%s] Order confirmed | order_id=%s | buyer=%s (%s) | phone=%s | cards=%s | total=%d cents\n",
		ev.ConfirmedAt, ev.OrderID, ev.BuyerName, ev.BuyerID, ev.Phone, joinInts(ev.CardNumbers), ev.TotalCents)
	return appendNotification(line)
}

func handleGameState(body []byte) error {
	var ev GameStateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	detail := ev.Message
	switch ev.Type {
	case NumberCalled:
		detail = fmt.Sprintf("number %d called", ev.Number)
	case WinnerFound:
		detail = fmt.Sprintf("card %d wins", ev.WinnerCard)
	}
	recipients := "all"
	if len(ev.Recipients) > 0 {
		recipients = strings.Join(ev.Recipients, ",")
	}
	line := fmt.Sprintf("[%s] Game %s | %s | game=%q | to=%s\n",
		ev.OccurredAt, ev.Type, detail, ev.GameName, recipients)
	return appendNotification(line)
}

func appendNotification(line string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	fpath := filepath.Join("logs", "notifications.log")
	f, err := os.OpenFile(fpath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprint(n)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
