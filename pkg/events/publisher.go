// Package events fans job changes out to in-process subscribers (Hub) and
// to an AMQP exchange (Publisher).
//
// Every committed job change becomes one persistent JSON message routed as
// jobs.<type>.<status>, so consumers can bind to "jobs.backup.*" or
// "jobs.*.failed" on a topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

const (
	// DefaultExchange is the exchange used when Config.Exchange is empty.
	DefaultExchange = "dbrelay.jobs"

	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 5 * time.Second

	// EventType identifies the message schema in the AMQP type property.
	EventType = "dbrelay.job.changed"
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("events: publisher closed")

// Config configures the AMQP publisher.
type Config struct {
	URL            string        `mapstructure:"url"`
	Exchange       string        `mapstructure:"exchange"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Enabled reports whether an AMQP URL is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func (c Config) exchange() string {
	if c.Exchange == "" {
		return DefaultExchange
	}
	return c.Exchange
}

func (c Config) publishTimeout() time.Duration {
	if c.PublishTimeout <= 0 {
		return DefaultPublishTimeout
	}
	return c.PublishTimeout
}

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is the JSON body of a published job change.
type Message struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Job        jobregistry.Record `json:"job"`
}

// Publisher implements jobregistry.Notifier on top of an AMQP channel.
type Publisher struct {
	mu       sync.Mutex
	ch       channel
	conn     io.Closer
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
	closed   bool
}

var _ jobregistry.Notifier = (*Publisher)(nil)

// Dial connects to the broker, opens a channel and declares a durable topic
// exchange.
func Dial(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("events: amqp url is required")
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := newPublisher(ch, conn, cfg, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch channel, conn io.Closer, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exchange := cfg.exchange()
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &Publisher{
		ch:       ch,
		conn:     conn,
		exchange: exchange,
		timeout:  cfg.publishTimeout(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// RoutingKey returns jobs.<type>.<status> with the status lower-cased.
func RoutingKey(rec jobregistry.Record) string {
	return "jobs." + string(rec.Type) + "." + strings.ToLower(string(rec.Status))
}

// Publish sends rec as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, rec jobregistry.Record) error {
	msg := Message{
		ID:         uuid.NewString(),
		Type:       EventType,
		OccurredAt: p.now().UTC(),
		Job:        rec,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,      // exchange
		RoutingKey(rec), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    msg.ID,
			Type:         EventType,
			Timestamp:    msg.OccurredAt,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// JobChanged publishes rec, logging failures. Job state never depends on
// delivery.
func (p *Publisher) JobChanged(ctx context.Context, rec jobregistry.Record) {
	if err := p.Publish(ctx, rec); err != nil {
		p.logger.Warn("Failed to publish job event",
			zap.String("job_id", rec.JobID),
			zap.String("type", string(rec.Type)),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
	}
}

// Close closes the channel and the connection. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
