package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/lexiqai/coach-gateway/internal/observability"
)

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink forwards bus events to a topic exchange, routed by event kind.
type AMQPSink struct {
	exchange string
	logger   zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

// DialAMQP connects and declares a durable topic exchange.
func DialAMQP(url, exchange string, logger zerolog.Logger) (*AMQPSink, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	sink := newAMQPSink(ch, exchange, logger)
	sink.conn = conn
	return sink, nil
}

func newAMQPSink(ch amqpChannel, exchange string, logger zerolog.Logger) *AMQPSink {
	return &AMQPSink{
		exchange: exchange,
		channel:  ch,
		logger:   logger.With().Str("component", "amqp_sink").Str("exchange", exchange).Logger(),
	}
}

// Run publishes every event received on sub until ctx is done or sub closes.
// Publish failures are logged and the event is dropped.
func (s *AMQPSink) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.publish(e); err != nil {
				observability.RecordError("publish_failed", "amqp")
				s.logger.Error().Err(err).Str("kind", string(e.Kind)).Str("session_id", e.SessionID).Msg("Failed to publish event")
			}
		}
	}
}

func (s *AMQPSink) publish(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Publish(s.exchange, string(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    e.ID,
		Timestamp:    e.Time,
		Body:         body,
	})
}

// Healthy reports whether the broker connection is still open.
func (s *AMQPSink) Healthy(context.Context) (bool, error) {
	if s.conn == nil {
		return true, nil
	}
	if s.conn.IsClosed() {
		return false, fmt.Errorf("amqp connection closed")
	}
	return true, nil
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.channel.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
