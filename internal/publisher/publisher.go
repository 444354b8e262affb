package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/visits"
)

const EventVisitCreated = "visit.created"

// Publisher announces accepted visits to downstream notifiers.
type Publisher interface {
	PublishVisit(ctx context.Context, v visits.Visit) error
	Close() error
}

// Event is the message body published for every visit.
type Event struct {
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurredAt"`
	Visit      visits.Visit `json:"visit"`
}

func NewEvent(v visits.Visit) Event {
	return Event{Type: EventVisitCreated, OccurredAt: v.ReceivedAt, Visit: v}
}

// Nop logs instead of publishing; used when no broker is configured.
type Nop struct {
	logger *slog.Logger
}

func NewNop(logger *slog.Logger) *Nop {
	return &Nop{logger: logging.OrDefault(logger).With("component", "publisher")}
}

func (n *Nop) PublishVisit(_ context.Context, v visits.Visit) error {
	n.logger.Debug("visit event not published, no broker configured", "visit_id", v.ID)
	return nil
}

func (n *Nop) Close() error { return nil }

// RabbitMQ publishes visit events to a durable fanout exchange, reconnecting
// when the connection has dropped.
type RabbitMQ struct {
	url        string
	exchange   string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQ(url, exchange string, logger *slog.Logger) (*RabbitMQ, error) {
	p := &RabbitMQ{
		url:        url,
		exchange:   exchange,
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logging.OrDefault(logger).With("component", "publisher", "exchange", exchange),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQ) connect() error {
	_ = p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	p.logger.Info("connected to rabbitmq")
	return nil
}

func (p *RabbitMQ) PublishVisit(ctx context.Context, v visits.Visit) error {
	body, err := json.Marshal(NewEvent(v))
	if err != nil {
		return fmt.Errorf("marshal visit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.maxRetries; i++ {
		if p.conn == nil || p.conn.IsClosed() {
			if err = p.connect(); err != nil {
				p.logger.Warn("rabbitmq reconnect failed", "attempt", i+1, "error", err)
				if !sleepCtx(ctx, p.retryDelay) {
					return ctx.Err()
				}
				continue
			}
		}

		err = p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    v.ID,
			Type:         EventVisitCreated,
			Timestamp:    v.ReceivedAt,
			Body:         body,
		})
		if err == nil {
			return nil
		}

		p.logger.Warn("publish failed", "attempt", i+1, "visit_id", v.ID, "error", err)
		if p.conn != nil {
			p.conn.Close()
		}
		if !sleepCtx(ctx, p.retryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish visit %s after %d attempts: %w", v.ID, p.maxRetries, err)
}

// Ping reports whether the connection is currently up, without reconnecting.
func (p *RabbitMQ) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is not active")
	}
	return nil
}

func (p *RabbitMQ) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *RabbitMQ) closeLocked() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		p.conn = nil
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
