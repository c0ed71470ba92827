package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// brokerSession is one connection and its publishing channel. closed fires
// when the broker drops the connection.
type brokerSession struct {
	channel   publishChannel
	closeConn func() error
	closed    <-chan *amqp.Error
}

func (s *brokerSession) lost() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// AMQPPublisher publishes ticket events to a durable topic exchange. A lost
// connection is re-dialled on the next publish; the relay retries the batch
// from its stored offset.
type AMQPPublisher struct {
	mu       sync.Mutex
	session  *brokerSession
	connect  func() (*brokerSession, error)
	exchange string
	logger   *zap.Logger
}

func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	p := newAMQPPublisher(exchange, logger, func() (*brokerSession, error) {
		return dialSession(url, exchange)
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureSession(); err != nil {
		return nil, err
	}
	return p, nil
}

func newAMQPPublisher(exchange string, logger *zap.Logger, connect func() (*brokerSession, error)) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{connect: connect, exchange: exchange, logger: logger}
}

func dialSession(url, exchange string) (*brokerSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange %s: %w", exchange, err)
	}
	return &brokerSession{
		channel:   channel,
		closeConn: conn.Close,
		closed:    conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// ensureSession must be called with p.mu held.
func (p *AMQPPublisher) ensureSession() error {
	if p.session != nil && p.session.lost() {
		p.logger.Warn("rabbitmq connection lost", zap.String("exchange", p.exchange))
		p.dropSession()
	}
	if p.session != nil {
		return nil
	}
	session, err := p.connect()
	if err != nil {
		return err
	}
	p.session = session
	p.logger.Info("rabbitmq publisher ready", zap.String("exchange", p.exchange))
	return nil
}

func (p *AMQPPublisher) dropSession() error {
	if p.session == nil {
		return nil
	}
	if err := p.session.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Warn("rabbitmq channel close", zap.Error(err))
	}
	err := p.session.closeConn()
	p.session = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureSession(); err != nil {
		return err
	}
	err := p.session.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		_ = p.dropSession()
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropSession()
}
