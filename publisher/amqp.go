package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"scriptcustody/custody"
)

const DefaultExchange = "custody.events"

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// BreakerConfig tunes the circuit breaker in front of the broker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

var DefaultBreakerConfig = BreakerConfig{
	MaxRequests:         1,
	Interval:            time.Minute,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 5,
}

// AMQP publishes events to a topic exchange. While the broker keeps failing
// the breaker opens and publishes fail fast instead of waiting on the
// connection.
type AMQP struct {
	ch       Channel
	exchange string
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewAMQP(ch Channel, exchange string, cfg BreakerConfig, logger *zap.Logger) *AMQP {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQP{ch: ch, exchange: exchange, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "amqp-" + exchange,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("amqp circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

func (p *AMQP) Publish(ctx context.Context, event custody.Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.Transfer.ID + ":" + string(event.Kind),
		Timestamp:    event.OccurredAt.UTC(),
		Type:         string(event.Kind),
		Body:         body,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event.Kind), false, false, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("publisher: amqp unavailable: %w", err)
		}
		return fmt.Errorf("publisher: amqp publish %s: %w", event.Kind, err)
	}
	return nil
}

// State reports the breaker state.
func (p *AMQP) State() gobreaker.State {
	return p.breaker.State()
}

// DialAMQP connects to the broker and declares the durable topic exchange.
// The returned close function releases the channel and the connection.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQP, func() error, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("publisher: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("publisher: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("publisher: declare exchange %s: %w", exchange, err)
	}

	closeFn := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return NewAMQP(ch, exchange, DefaultBreakerConfig, logger), closeFn, nil
}
