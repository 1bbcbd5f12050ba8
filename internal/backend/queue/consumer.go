package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lanewaylabs/sessionsync/internal/observability"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// Consumer drains the fanout exchange into a local handler, dropping this
// instance's own echoes by Origin. Each consumer gets its own exclusive
// auto-deleted queue bound to the exchange.
type Consumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	dropOrigin string
	log        *slog.Logger
}

func NewConsumer(url, exchange, dropOrigin string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		closeAll()
		return nil, err
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		closeAll()
		return nil, err
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &Consumer{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		dropOrigin: dropOrigin,
		log:        observability.Logger().With("component", "queue_consumer"),
	}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run delivers foreign events to handle until ctx is done or the delivery
// channel closes.
func (c *Consumer) Run(ctx context.Context, handle func(protocol.SessionEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.deliveries:
			if !ok {
				c.log.Warn("delivery channel closed")
				return
			}
			var evt protocol.SessionEvent
			if err := json.Unmarshal(d.Body, &evt); err != nil {
				c.log.Warn("bad event payload", "err", err)
				continue
			}
			if evt.Origin == c.dropOrigin {
				continue
			}
			handle(evt)
		}
	}
}
