package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign/internal/logger"
)

// DispatchTopic carries requests for an out-of-schedule dispatcher tick.
const DispatchTopic = "dispatch_requests"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// DispatchRequest asks the dispatcher to tick now instead of waiting for
// its next interval.
type DispatchRequest struct {
	ID          string    `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason,omitempty"`
}

func NewDispatchRequest(reason string) DispatchRequest {
	return DispatchRequest{ID: uuid.NewString(), RequestedAt: time.Now().UTC(), Reason: reason}
}

// RequestDispatch publishes a DispatchRequest on q.
func RequestDispatch(q Queue, reason string) (DispatchRequest, error) {
	req := NewDispatchRequest(reason)
	if err := q.Publish(DispatchTopic, req); err != nil {
		return req, fmt.Errorf("publish dispatch request: %w", err)
	}
	return req, nil
}

// InMemoryQueue delivers within one process. Each handler runs once per
// message on its own goroutine; failures are logged, not retried.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload any) error
	log      logger.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log logger.Logger) *InMemoryQueue {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &InMemoryQueue{
		handlers: make(map[string][]func(payload any) error),
		log:      log,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.deliver(topic, handler, payload)
	}
	return nil
}

func (q *InMemoryQueue) deliver(topic string, handler func(payload any) error, payload any) {
	if err := handler(payload); err != nil {
		q.log.Error("message handler failed", map[string]interface{}{"topic": topic, "error": err.Error()})
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// StartDispatchSubscriber turns dispatch requests into nudges. Requests that
// arrive while a nudge is already pending are coalesced into it.
func StartDispatchSubscriber(q Queue, nudges chan<- struct{}, log logger.Logger) error {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return q.Subscribe(DispatchTopic, func(payload any) error {
		req, ok := payload.(DispatchRequest)
		if !ok {
			log.Warn("ignoring dispatch payload of unexpected type", map[string]interface{}{"type": fmt.Sprintf("%T", payload)})
			return nil
		}
		select {
		case nudges <- struct{}{}:
			log.Debug("dispatch requested", map[string]interface{}{"request_id": req.ID, "reason": req.Reason})
		default:
			log.Debug("dispatch already pending, request coalesced", map[string]interface{}{"request_id": req.ID})
		}
		return nil
	})
}
