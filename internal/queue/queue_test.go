package queue

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(nil)
	err := q.Publish(DispatchTopic, NewDispatchRequest("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), DispatchTopic)
}

func TestInMemoryDeliversOnceEvenOnFailure(t *testing.T) {
	q := NewInMemoryQueue(nil)

	var calls int32
	require.NoError(t, q.Subscribe("jobs", func(payload any) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	}))
	require.NoError(t, q.Publish("jobs", "payload"))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// directQueue runs handlers synchronously on Publish.
type directQueue struct {
	handlers map[string]func(payload any) error
}

func (q *directQueue) Publish(topic string, payload any) error {
	return q.handlers[topic](payload)
}

func (q *directQueue) Subscribe(topic string, handler func(payload any) error) error {
	if q.handlers == nil {
		q.handlers = map[string]func(payload any) error{}
	}
	q.handlers[topic] = handler
	return nil
}

func TestDispatchSubscriberCoalesces(t *testing.T) {
	q := &directQueue{}
	nudges := make(chan struct{}, 1)
	require.NoError(t, StartDispatchSubscriber(q, nudges, nil))

	for i := 0; i < 5; i++ {
		_, err := RequestDispatch(q, "burst")
		require.NoError(t, err)
	}
	assert.Len(t, nudges, 1)

	<-nudges
	_, err := RequestDispatch(q, "after drain")
	require.NoError(t, err)
	assert.Len(t, nudges, 1)
}

func TestInMemoryDeliversDispatchRequest(t *testing.T) {
	q := NewInMemoryQueue(nil)
	nudges := make(chan struct{}, 1)
	require.NoError(t, StartDispatchSubscriber(q, nudges, nil))

	_, err := RequestDispatch(q, "api")
	require.NoError(t, err)

	select {
	case <-nudges:
	case <-time.After(time.Second):
		t.Fatal("no nudge delivered")
	}
}

func TestDispatchSubscriberIgnoresForeignPayload(t *testing.T) {
	q := NewInMemoryQueue(nil)
	nudges := make(chan struct{}, 1)
	require.NoError(t, StartDispatchSubscriber(q, nudges, nil))

	require.NoError(t, q.Publish(DispatchTopic, "not a request"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, nudges)
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	published  []amqp.Publishing
	keys       []string
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
	return nil
}

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcker() *fakeAcker { return &fakeAcker{records: map[uint64]*ackRecord{}} }

func (a *fakeAcker) rec(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}
	return r
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	r := a.rec(tag)
	a.mu.Lock()
	r.acked = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	r := a.rec(tag)
	a.mu.Lock()
	r.nacked, r.requeue = true, requeue
	a.mu.Unlock()
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) get(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.records[tag]; ok {
		return *r
	}
	return ackRecord{}
}

func TestAMQPPublishDeclaresOnce(t *testing.T) {
	ch := newFakeChannel()
	q := NewAMQPQueue(ch, nil)

	first := NewDispatchRequest("manual")
	require.NoError(t, q.Publish(DispatchTopic, first))
	require.NoError(t, q.Publish(DispatchTopic, NewDispatchRequest("manual")))

	assert.Equal(t, []string{DispatchTopic}, ch.declared)
	require.Len(t, ch.published, 2)
	assert.Equal(t, []string{DispatchTopic, DispatchTopic}, ch.keys)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, first.ID, msg.MessageId)

	var decoded DispatchRequest
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, first.ID, decoded.ID)
	assert.Equal(t, "manual", decoded.Reason)
}

func TestAMQPSubscribeAcksAndRequeues(t *testing.T) {
	ch := newFakeChannel()
	acker := newFakeAcker()
	q := NewAMQPQueue(ch, nil)

	var mu sync.Mutex
	var seen []string
	require.NoError(t, q.Subscribe(DispatchTopic, func(payload any) error {
		req := payload.(DispatchRequest)
		mu.Lock()
		seen = append(seen, req.ID)
		mu.Unlock()
		if req.Reason == "fail" {
			return errors.New("busy")
		}
		return nil
	}))

	body := func(id, reason string) []byte {
		b, _ := json.Marshal(DispatchRequest{ID: id, Reason: reason})
		return b
	}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body("ok", "")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: body("retry", "fail")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: body("again", "fail"), Redelivered: true}
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 4, Body: []byte("{broken")}

	assert.Eventually(t, func() bool { return acker.get(4).acked }, time.Second, 5*time.Millisecond)

	assert.True(t, acker.get(1).acked)
	assert.True(t, acker.get(2).nacked)
	assert.True(t, acker.get(2).requeue)
	assert.True(t, acker.get(3).nacked)
	assert.False(t, acker.get(3).requeue)

	mu.Lock()
	assert.Equal(t, []string{"ok", "retry", "again"}, seen)
	mu.Unlock()

	require.NoError(t, q.Close())
}

func TestAMQPFeedsDispatchSubscriber(t *testing.T) {
	ch := newFakeChannel()
	acker := newFakeAcker()
	q := NewAMQPQueue(ch, nil)
	nudges := make(chan struct{}, 1)
	require.NoError(t, StartDispatchSubscriber(q, nudges, nil))

	b, _ := json.Marshal(NewDispatchRequest("api"))
	ch.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: b}

	select {
	case <-nudges:
	case <-time.After(time.Second):
		t.Fatal("no nudge delivered")
	}
	assert.Eventually(t, func() bool { return acker.get(7).acked }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Close())
}

func TestAMQPRouteUsesConfiguredQueue(t *testing.T) {
	ch := newFakeChannel()
	q := NewAMQPQueue(ch, nil).Route(DispatchTopic, "mailq.nudges")

	_, err := RequestDispatch(q, "cron")
	require.NoError(t, err)

	assert.Equal(t, []string{"mailq.nudges"}, ch.declared)
	assert.Equal(t, []string{"mailq.nudges"}, ch.keys)
}
