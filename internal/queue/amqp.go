package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/unclebandit/mailcampaign/internal/logger"
)

// Channel is the part of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes dispatch requests to durable RabbitMQ queues named
// after the topic. Consumed payloads are decoded as DispatchRequest.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   Channel
	log  logger.Logger

	mu       sync.Mutex
	declared map[string]bool
	routes   map[string]string
}

// DialAMQP connects to the broker at url and opens a channel.
func DialAMQP(url string, log logger.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := NewAMQPQueue(ch, log)
	q.conn = conn
	return q, nil
}

func NewAMQPQueue(ch Channel, log logger.Logger) *AMQPQueue {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &AMQPQueue{ch: ch, log: log, declared: make(map[string]bool), routes: make(map[string]string)}
}

// Route makes topic use the broker queue called name instead of the topic
// itself.
func (q *AMQPQueue) Route(topic, name string) *AMQPQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if name != "" {
		q.routes[topic] = name
	}
	return q
}

// declare resolves the queue name for topic and declares it once.
func (q *AMQPQueue) declare(topic string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	name := topic
	if routed, ok := q.routes[topic]; ok {
		name = routed
	}
	if q.declared[name] {
		return name, nil
	}
	if _, err := q.ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return name, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	name, err := q.declare(topic)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if req, ok := payload.(DispatchRequest); ok {
		msg.MessageId = req.ID
	}
	return q.ch.Publish("", name, false, false, msg)
}

// Subscribe consumes topic in the background. A failed handler gets the
// message requeued once; a malformed message is acknowledged and dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	name, err := q.declare(topic)
	if err != nil {
		return err
	}
	msgs, err := q.ch.Consume(
		name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			q.handle(d, handler)
		}
		q.log.Info("consumer stopped", map[string]interface{}{"queue": name})
	}()
	return nil
}

func (q *AMQPQueue) handle(d amqp.Delivery, handler func(payload any) error) {
	var req DispatchRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		q.log.Warn("invalid dispatch message", map[string]interface{}{"error": err.Error()})
		_ = d.Ack(false)
		return
	}
	if err := handler(req); err != nil {
		q.log.Warn("dispatch handler failed", map[string]interface{}{
			"request_id":  req.ID,
			"redelivered": d.Redelivered,
			"error":       err.Error(),
		})
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var (
	_ Queue = (*InMemoryQueue)(nil)
	_ Queue = (*AMQPQueue)(nil)
)
