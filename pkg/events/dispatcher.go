// Package events publishes note lifecycle events to kafka. Publishing is best effort: events are queued locally,
// sent by a few workers with bounded retries and dropped when kafka stays unavailable.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("dispatcher closed")

const TypeNotePersisted = "NOTE_PERSISTED"

// NotePersisted is emitted after a snapshot of a note has been written to the store.
type NotePersisted struct {
	EventType   string    `json:"eventType"`
	NoteID      string    `json:"noteId"`
	Heads       []string  `json:"heads"`
	ContentSize int       `json:"contentSize"`
	StateSize   int       `json:"stateSize"`
	PersistedAt time.Time `json:"persistedAt"`
}

type Options struct {
	QueueSize int
	Workers   int
	// MaxInFlight bounds concurrent sends across all workers.
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = int64(o.Workers)
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = time.Second
	}
	return o
}

// Dispatcher queues events and sends them to a kafka topic keyed by note id, so events of one note stay ordered
// within a partition.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	queue  chan NotePersisted
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewProducer builds the sync producer the dispatcher expects.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	return producer, nil
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		logger:   logger,
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		queue:    make(chan NotePersisted, opts.QueueSize),
		done:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue hands evt to the workers. It blocks while the queue is full until ctx is done or the dispatcher closes.
func (d *Dispatcher) Enqueue(ctx context.Context, evt NotePersisted) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if evt.EventType == "" {
		evt.EventType = TypeNotePersisted
	}
	select {
	case d.queue <- evt:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits until the queued ones were sent or dropped. Enqueue calls blocked on a
// full queue return ErrClosed. The producer is left open.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.done:
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt NotePersisted) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		_ = d.sem.Acquire(context.Background(), 1)
		err := d.sendOnce(evt)
		d.sem.Release(1)
		if err == nil {
			return
		}

		if attempt == d.opts.MaxRetry {
			d.logger.Error("kafka send failed, dropping event", "note", evt.NoteID, "worker", workerID, "err", err)
			return
		}
		time.Sleep(d.backoff(attempt))
	}
}

// backoff doubles BaseBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.opts.BaseBackoff
	for i := 0; i < attempt; i++ {
		if b >= d.opts.MaxBackoff/2 {
			return d.opts.MaxBackoff
		}
		b *= 2
	}
	return min(b, d.opts.MaxBackoff)
}

func (d *Dispatcher) sendOnce(evt NotePersisted) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.NoteID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
