package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

// Handler consumes one delivered event. A non-nil error counts as a
// failed delivery attempt and is retried up to the subscription's budget.
type Handler func(ctx context.Context, ev domain.Event) error

// PublishOptions carries the caller's delivery context.
type PublishOptions struct {
	Source        string
	CorrelationID string
	UserID        string
	// IdempotencyKey suppresses duplicate publishes when a deduper is
	// configured. Empty means no dedupe.
	IdempotencyKey string
}

// SubscriptionOptions tune retry and dead-letter behavior per subscription.
// Zero values fall back to the bus defaults.
type SubscriptionOptions struct {
	MaxRetries        int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	QueueSize         int
	DisableDeadLetter bool
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	EventsPublished     uint64 `json:"eventsPublished"`
	EventsDelivered     uint64 `json:"eventsDelivered"`
	DeliveryFailures    uint64 `json:"deliveryFailures"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	DeadLetterSize      int    `json:"deadLetterSize"`
}

// Deduper suppresses duplicate publishes across instances. Check records
// the key mapped to eventID and returns the previously recorded id when
// the key was already present.
type Deduper interface {
	Check(ctx context.Context, key, eventID string) (existingID string, fresh bool, err error)
}

// DeadLetterSink receives entries that exhausted their retry budget, in
// addition to the in-memory buffer. Used for durable retention.
type DeadLetterSink interface {
	Enqueue(ctx context.Context, entry domain.DeadLetterEntry) error
}

type delivery struct {
	ev      domain.Event
	attempt int
	lastErr error
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	opts      SubscriptionOptions
	queue     chan delivery
	done      chan struct{}
	failures  atomic.Uint64
}

// Bus is an in-process publish-subscribe event bus. Every subscription
// owns a bounded queue drained by a dedicated worker, so a slow or
// failing subscriber never blocks publishing or its peers.
type Bus struct {
	cfg     config.BusConfig
	logger  *log.Logger
	deduper Deduper
	sink    DeadLetterSink
	dlq     *deadLetterBuffer

	dispatchCh chan domain.Event
	stopCh     chan struct{}
	drainCh    chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.RWMutex
	subs    map[string]map[string]*subscription
	byID    map[string]*subscription
	closing bool

	workerWG     sync.WaitGroup
	retryWG      sync.WaitGroup
	dispatcherWG sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

// Option configures optional collaborators on a Bus.
type Option func(*Bus)

// WithDeduper attaches a publish deduper.
func WithDeduper(d Deduper) Option { return func(b *Bus) { b.deduper = d } }

// WithDeadLetterSink attaches a durable dead-letter sink.
func WithDeadLetterSink(s DeadLetterSink) Option { return func(b *Bus) { b.sink = s } }

// New creates and starts a Bus.
func New(cfg config.BusConfig, logger *log.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = log.New()
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = 4096
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:        cfg,
		logger:     logger,
		dlq:        newDeadLetterBuffer(cfg.DeadLetterMax),
		dispatchCh: make(chan domain.Event, cfg.DispatchBuffer),
		stopCh:     make(chan struct{}),
		drainCh:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]map[string]*subscription),
		byID:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.dispatcherWG.Add(1)
	go b.dispatch()
	return b
}

// Publish validates and stamps the event, enqueues it for asynchronous
// fan-out and returns the generated event id. Subscriber failures never
// surface here; Publish fails only on invalid input or backpressure.
func (b *Bus) Publish(ctx context.Context, eventType string, data []byte, opts PublishOptions) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("%w: event type is required", domain.ErrInvalidInput)
	}

	b.mu.RLock()
	closing := b.closing
	b.mu.RUnlock()
	if closing {
		return "", fmt.Errorf("%w: bus is shutting down", domain.ErrBackpressure)
	}

	ev := domain.Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Data: append([]byte(nil), data...),
		Metadata: domain.EventMetadata{
			Source:        opts.Source,
			CorrelationID: opts.CorrelationID,
			UserID:        opts.UserID,
			Timestamp:     nextTimestamp(),
		},
	}
	if ev.Metadata.Source == "" {
		ev.Metadata.Source = b.cfg.DefaultSource
	}
	if ev.Metadata.CorrelationID == "" {
		ev.Metadata.CorrelationID = uuid.NewString()
	}

	if b.deduper != nil && opts.IdempotencyKey != "" {
		existing, fresh, err := b.deduper.Check(ctx, opts.IdempotencyKey, ev.ID)
		if err != nil {
			b.logger.WithError(err).Warn("publish dedupe check failed, delivering anyway")
		} else if !fresh {
			return existing, nil
		}
	}

	if err := b.handoff(ev); err != nil {
		metrics.PublishRejected.Inc()
		return "", err
	}
	b.published.Add(1)
	metrics.EventsPublished.Inc()
	return ev.ID, nil
}

func (b *Bus) handoff(ev domain.Event) error {
	if b.cfg.HandoffTimeout <= 0 {
		select {
		case b.dispatchCh <- ev:
			return nil
		default:
			return fmt.Errorf("%w: dispatch queue is full", domain.ErrBackpressure)
		}
	}

	timer := time.NewTimer(b.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case b.dispatchCh <- ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: dispatch queue is full", domain.ErrBackpressure)
	case <-b.stopCh:
		return fmt.Errorf("%w: bus is shutting down", domain.ErrBackpressure)
	}
}

// Subscribe registers a handler for the given event type and returns the
// subscription id. Subscriptions for one type are delivered independently.
func (b *Bus) Subscribe(eventType string, handler Handler, opts SubscriptionOptions) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("%w: event type is required", domain.ErrInvalidInput)
	}
	if handler == nil {
		return "", fmt.Errorf("%w: handler is required", domain.ErrInvalidInput)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = b.cfg.MaxRetries
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = b.cfg.RetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = b.cfg.RetryMax
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = b.cfg.SubscriberQueue
	}

	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		opts:      opts,
		queue:     make(chan delivery, opts.QueueSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: bus is shutting down", domain.ErrBackpressure)
	}
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[string]*subscription)
	}
	b.subs[eventType][sub.id] = sub
	b.byID[sub.id] = sub
	b.mu.Unlock()

	b.workerWG.Add(1)
	go b.worker(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its worker. Deliveries
// already queued for it are discarded.
func (b *Bus) Unsubscribe(subID string) error {
	b.mu.Lock()
	sub, ok := b.byID[subID]
	if ok {
		delete(b.byID, subID)
		delete(b.subs[sub.eventType], subID)
		if len(b.subs[sub.eventType]) == 0 {
			delete(b.subs, sub.eventType)
		}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown subscription %s", domain.ErrInvalidInput, subID)
	}
	close(sub.done)
	return nil
}

func (b *Bus) dispatch() {
	defer b.dispatcherWG.Done()
	for {
		select {
		case ev := <-b.dispatchCh:
			b.fanOut(ev)
		case <-b.stopCh:
			// Drain what was accepted before shutdown began.
			for {
				select {
				case ev := <-b.dispatchCh:
					b.fanOut(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(ev domain.Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[ev.Type]))
	for _, sub := range b.subs[ev.Type] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- delivery{ev: ev}:
		default:
			// A full subscription queue is a failed attempt for that
			// subscription only.
			b.recordFailure(sub, delivery{ev: ev, attempt: 1,
				lastErr: fmt.Errorf("subscription queue full (%d)", sub.opts.QueueSize)})
		}
	}
}

func (b *Bus) worker(sub *subscription) {
	defer b.workerWG.Done()
	for {
		select {
		case d := <-sub.queue:
			b.deliver(sub, d)
		case <-sub.done:
			return
		case <-b.drainCh:
			b.drain(sub)
			return
		}
	}
}

// drain empties the subscription queue at shutdown. Everything the bus
// accepted is still delivered once; failures skip the retry budget and
// go straight to the dead-letter buffer via recordFailure.
func (b *Bus) drain(sub *subscription) {
	for {
		select {
		case d := <-sub.queue:
			b.deliver(sub, d)
		default:
			return
		}
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	err := b.invoke(sub, d.ev)
	if err == nil {
		b.delivered.Add(1)
		metrics.EventsDelivered.Inc()
		return
	}
	d.attempt++
	d.lastErr = err
	b.recordFailure(sub, d)
}

func (b *Bus) invoke(sub *subscription, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrFatal, r)
			b.logger.WithFields(log.Fields{
				"subscription": sub.id,
				"event_type":   sub.eventType,
				"event_id":     ev.ID,
			}).Errorf("subscriber panicked: %v", r)
		}
	}()
	return sub.handler(b.ctx, ev)
}

func (b *Bus) recordFailure(sub *subscription, d delivery) {
	b.failures.Add(1)
	sub.failures.Add(1)
	metrics.DeliveryFailures.WithLabelValues(sub.eventType).Inc()

	if d.attempt > sub.opts.MaxRetries || b.stopped() {
		b.deadLetter(sub, d)
		return
	}
	b.scheduleRetry(sub, d)
}

func (b *Bus) stopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

func (b *Bus) scheduleRetry(sub *subscription, d delivery) {
	delay := exponentialBackoff(d.attempt, sub.opts.RetryInitial, sub.opts.RetryMax)
	b.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer b.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case sub.queue <- d:
			case <-sub.done:
			case <-b.stopCh:
				b.deadLetter(sub, d)
			}
		case <-sub.done:
		case <-b.stopCh:
			// Shutdown cuts the retry budget short; the delivery is
			// retained rather than dropped.
			b.deadLetter(sub, d)
		}
	}()
}

func (b *Bus) deadLetter(sub *subscription, d delivery) {
	b.logger.WithFields(log.Fields{
		"subscription": sub.id,
		"event_type":   sub.eventType,
		"event_id":     d.ev.ID,
		"attempts":     d.attempt,
	}).WithError(d.lastErr).Error("delivery retries exhausted")

	if sub.opts.DisableDeadLetter {
		return
	}
	entry := domain.DeadLetterEntry{
		Event:          d.ev,
		SubscriptionID: sub.id,
		EventType:      sub.eventType,
		Attempts:       d.attempt,
		LastError:      d.lastErr.Error(),
		FailedAt:       time.Now().UTC().UnixNano(),
	}
	b.dlq.append(entry)

	if b.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.sink.Enqueue(ctx, entry); err != nil {
			b.logger.WithError(err).Error("dead-letter sink enqueue failed")
		}
	}
}

// DeadLetters returns up to limit dead-letter entries, most recent first.
func (b *Bus) DeadLetters(limit int) []domain.DeadLetterEntry {
	return b.dlq.list(limit)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	active := len(b.byID)
	b.mu.RUnlock()
	return Metrics{
		EventsPublished:     b.published.Load(),
		EventsDelivered:     b.delivered.Load(),
		DeliveryFailures:    b.failures.Load(),
		ActiveSubscriptions: active,
		DeadLetterSize:      b.dlq.size(),
	}
}

// Close stops accepting publishes, drains the dispatch queue into the
// subscription queues and keeps workers alive until those are empty, so
// every event accepted before shutdown is still delivered once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	b.mu.Unlock()

	close(b.stopCh)
	b.dispatcherWG.Wait()
	b.retryWG.Wait()
	close(b.drainCh)
	b.workerWG.Wait()
	b.cancel()
}
