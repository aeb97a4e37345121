package tx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/bus"
	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/eventstore"
	"github.com/primoscope/Spotify-echo-sub018/mesh"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

const coordinatorSource = "tx-coordinator"

// Caller contacts transaction participants. Satisfied by *mesh.Client.
type Caller interface {
	Call(ctx context.Context, serviceName, method, path string, opts mesh.CallOptions) (mesh.Response, error)
}

// Journal records phase transitions as events. Satisfied by
// *eventstore.Store. Nil disables recording.
type Journal interface {
	Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (eventstore.AppendResult, error)
}

// Publisher announces terminal outcomes. Satisfied by *bus.Bus. Nil
// disables announcements.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data []byte, opts bus.PublishOptions) (string, error)
}

// Request describes one transaction to run.
type Request struct {
	Type         string               `json:"type"`
	Participants []domain.Participant `json:"participants"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
}

// Result is the outcome of a driven transaction.
type Result struct {
	TransactionID string                  `json:"transactionId"`
	State         domain.TransactionState `json:"state"`
	Prepared      []string                `json:"prepared,omitempty"`
	AbortedBy     string                  `json:"abortedBy,omitempty"`
	Cause         string                  `json:"cause,omitempty"`
}

// Statistics summarizes coordinator activity.
type Statistics struct {
	ActiveTransactions int     `json:"activeTransactions"`
	Committed          uint64  `json:"committed"`
	Aborted            uint64  `json:"aborted"`
	AverageDurationMs  float64 `json:"averageDurationMs"`
}

// phaseBody is the wire shape sent to participants.
type phaseBody struct {
	TransactionID string          `json:"transactionId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Coordinator drives two-phase-commit transactions among known
// participants: prepare everyone within a bounded window, then either
// commit everywhere (with retries, since a commit decision is never
// reversed) or send compensating aborts to whoever prepared.
type Coordinator struct {
	cfg       config.TxConfig
	caller    Caller
	journal   Journal
	publisher Publisher
	logger    *log.Logger

	mu           sync.Mutex
	transactions map[string]*domain.Transaction
	committed    uint64
	aborted      uint64
	durationSum  time.Duration
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithJournal records every phase transition in the event store under
// stream "tx-<id>".
func WithJournal(j Journal) CoordinatorOption { return func(c *Coordinator) { c.journal = j } }

// WithPublisher announces terminal outcomes on the bus.
func WithPublisher(p Publisher) CoordinatorOption { return func(c *Coordinator) { c.publisher = p } }

// NewCoordinator creates a coordinator that contacts participants through
// the given caller.
func NewCoordinator(cfg config.TxConfig, caller Caller, logger *log.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = log.New()
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 15 * time.Second
	}
	if cfg.CommitRetryInitial <= 0 {
		cfg.CommitRetryInitial = 250 * time.Millisecond
	}
	if cfg.CommitRetryMax <= 0 {
		cfg.CommitRetryMax = 15 * time.Second
	}
	c := &Coordinator{
		cfg:          cfg,
		caller:       caller,
		logger:       logger,
		transactions: make(map[string]*domain.Transaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the transaction to a terminal state and returns the result.
// An aborted transaction is a valid outcome, not an error; errors are
// reserved for invalid requests and for a commit phase that exhausted its
// configured attempt budget.
func (c *Coordinator) Start(ctx context.Context, req Request) (Result, error) {
	if req.Type == "" {
		req.Type = "2pc"
	}
	if req.Type != "2pc" {
		return Result{}, fmt.Errorf("%w: unsupported transaction type %q", domain.ErrInvalidInput, req.Type)
	}
	if len(req.Participants) == 0 {
		return Result{}, fmt.Errorf("%w: at least one participant is required", domain.ErrInvalidInput)
	}
	for i, p := range req.Participants {
		if p.Service == "" {
			return Result{}, fmt.Errorf("%w: participant %d has no service", domain.ErrInvalidInput, i)
		}
	}

	txn := &domain.Transaction{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Participants: append([]domain.Participant(nil), req.Participants...),
		State:        domain.TxInitiated,
		Payload:      req.Payload,
		StartedAt:    time.Now().UTC(),
	}
	c.mu.Lock()
	c.transactions[txn.ID] = txn
	c.mu.Unlock()
	c.record(ctx, txn, "transaction started")

	prepared, failed, cause := c.prepareAll(ctx, txn)
	if failed != "" {
		c.mu.Lock()
		txn.AbortedBy = failed
		c.mu.Unlock()
		c.setState(ctx, txn, domain.TxAborting, cause)
		c.abortAll(txn, prepared)
		c.finish(ctx, txn, domain.TxAborted, cause)
		return Result{
			TransactionID: txn.ID,
			State:         domain.TxAborted,
			Prepared:      prepared,
			AbortedBy:     failed,
			Cause:         cause,
		}, nil
	}

	c.setState(ctx, txn, domain.TxPrepared, "")
	c.setState(ctx, txn, domain.TxCommitting, "")
	if err := c.commitAll(txn); err != nil {
		// The commit decision stands; the budget ran out before every
		// participant acknowledged. Surface it without declaring a
		// terminal state the participants have not reached.
		return Result{TransactionID: txn.ID, State: txn.State, Prepared: prepared}, err
	}

	c.finish(ctx, txn, domain.TxCommitted, "")
	return Result{TransactionID: txn.ID, State: domain.TxCommitted, Prepared: prepared}, nil
}

// prepareAll asks every participant to reserve resources. It returns the
// services that acknowledged, and the first failing service with its
// cause when the phase did not complete.
func (c *Coordinator) prepareAll(ctx context.Context, txn *domain.Transaction) (prepared []string, failed, cause string) {
	c.setState(ctx, txn, domain.TxPreparing, "")

	prepareCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	body, _ := json.Marshal(phaseBody{TransactionID: txn.ID, Payload: txn.Payload})

	type outcome struct {
		service string
		err     error
	}
	results := make(chan outcome, len(txn.Participants))
	var wg sync.WaitGroup
	for _, p := range txn.Participants {
		wg.Add(1)
		go func(p domain.Participant) {
			defer wg.Done()
			results <- outcome{service: p.Service, err: c.phase(prepareCtx, txn.ID, p, "prepare", body)}
		}(p)
	}
	wg.Wait()
	close(results)

	for out := range results {
		if out.err != nil {
			if failed == "" {
				failed = out.service
				cause = out.err.Error()
				c.logger.WithFields(log.Fields{
					"transaction": txn.ID,
					"participant": out.service,
				}).WithError(out.err).Warn("prepare failed, aborting transaction")
			}
			continue
		}
		prepared = append(prepared, out.service)
	}
	return prepared, failed, cause
}

// abortAll issues compensating aborts to every participant that prepared.
// Aborts are best-effort with a small retry budget.
func (c *Coordinator) abortAll(txn *domain.Transaction, prepared []string) {
	byName := make(map[string]domain.Participant, len(txn.Participants))
	for _, p := range txn.Participants {
		byName[p.Service] = p
	}
	body, _ := json.Marshal(phaseBody{TransactionID: txn.ID, Payload: txn.Payload})

	for _, service := range prepared {
		p := byName[service]
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				time.Sleep(txBackoff(attempt, c.cfg.CommitRetryInitial, c.cfg.CommitRetryMax))
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
			err = c.phase(ctx, txn.ID, p, "abort", body)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			c.logger.WithFields(log.Fields{
				"transaction": txn.ID,
				"participant": service,
			}).WithError(err).Error("compensating abort failed")
		}
	}
}

// commitAll drives the commit call to each participant, retrying with
// backoff. The context is detached from the caller on purpose: once every
// participant has prepared, the commit decision must not be abandoned
// because the original request went away.
func (c *Coordinator) commitAll(txn *domain.Transaction) error {
	body, _ := json.Marshal(phaseBody{TransactionID: txn.ID, Payload: txn.Payload})

	for _, p := range txn.Participants {
		attempt := 0
		for {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
			err := c.phase(ctx, txn.ID, p, "commit", body)
			cancel()
			if err == nil {
				break
			}
			attempt++
			c.logger.WithFields(log.Fields{
				"transaction": txn.ID,
				"participant": p.Service,
				"attempt":     attempt,
			}).WithError(err).Warn("commit attempt failed, retrying")
			if c.cfg.CommitMaxAttempts > 0 && attempt >= c.cfg.CommitMaxAttempts {
				return domain.ParticipantError{
					TransactionID: txn.ID,
					Service:       p.Service,
					Phase:         "commit",
					Err:           err,
				}
			}
			time.Sleep(txBackoff(attempt, c.cfg.CommitRetryInitial, c.cfg.CommitRetryMax))
		}
	}
	return nil
}

// phase performs one prepare/commit/abort call. A non-2xx response is a
// participant rejection.
func (c *Coordinator) phase(ctx context.Context, txID string, p domain.Participant, phase string, body []byte) error {
	path := p.Path
	if path == "" {
		path = "/tx"
	}
	resp, err := c.caller.Call(ctx, p.Service, "POST", path+"/"+phase, mesh.CallOptions{
		Data:          body,
		SourceService: coordinatorSource,
	})
	if err != nil {
		return domain.ParticipantError{TransactionID: txID, Service: p.Service, Phase: phase, Err: err}
	}
	if !resp.OK() {
		return domain.ParticipantError{
			TransactionID: txID,
			Service:       p.Service,
			Phase:         phase,
			Err:           fmt.Errorf("participant returned status %d", resp.Status),
		}
	}
	return nil
}

func (c *Coordinator) setState(ctx context.Context, txn *domain.Transaction, state domain.TransactionState, detail string) {
	c.mu.Lock()
	if txn.State.Terminal() {
		c.mu.Unlock()
		return
	}
	txn.State = state
	c.mu.Unlock()
	c.record(ctx, txn, detail)
}

func (c *Coordinator) finish(ctx context.Context, txn *domain.Transaction, state domain.TransactionState, cause string) {
	now := time.Now().UTC()
	c.mu.Lock()
	txn.State = state
	txn.CompletedAt = now
	elapsed := now.Sub(txn.StartedAt)
	c.durationSum += elapsed
	if state == domain.TxCommitted {
		c.committed++
	} else {
		c.aborted++
	}
	c.mu.Unlock()

	metrics.TransactionsCompleted.WithLabelValues(string(state)).Inc()
	metrics.TransactionDuration.Observe(float64(elapsed) / float64(time.Millisecond))
	c.record(ctx, txn, cause)
	c.announce(ctx, txn)
}

// record appends the current phase as an event on stream "tx-<id>" so a
// restarted coordinator could resume from the last recorded phase.
func (c *Coordinator) record(ctx context.Context, txn *domain.Transaction, detail string) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	state := txn.State
	abortedBy := txn.AbortedBy
	c.mu.Unlock()

	data, err := json.Marshal(struct {
		State     domain.TransactionState `json:"state"`
		AbortedBy string                  `json:"abortedBy,omitempty"`
		Detail    string                  `json:"detail,omitempty"`
	}{State: state, AbortedBy: abortedBy, Detail: detail})
	if err != nil {
		return
	}
	_, err = c.journal.Append(ctx, "tx-"+txn.ID, []domain.Event{{
		Type: "transaction." + string(state),
		Data: data,
		Metadata: domain.EventMetadata{
			Source:        coordinatorSource,
			CorrelationID: txn.ID,
		},
	}}, eventstore.AnyVersion)
	if err != nil {
		c.logger.WithError(err).WithField("transaction", txn.ID).Warn("phase journal append failed")
	}
}

func (c *Coordinator) announce(ctx context.Context, txn *domain.Transaction) {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	payload, err := json.Marshal(txn)
	state := txn.State
	c.mu.Unlock()
	if err != nil {
		return
	}
	_, err = c.publisher.Publish(ctx, "transaction."+string(state), payload, bus.PublishOptions{
		Source:        coordinatorSource,
		CorrelationID: txn.ID,
	})
	if err != nil {
		c.logger.WithError(err).WithField("transaction", txn.ID).Warn("outcome publish failed")
	}
}

// Lookup returns a copy of the transaction record.
func (c *Coordinator) Lookup(txID string) (domain.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.transactions[txID]
	if !ok {
		return domain.Transaction{}, false
	}
	return *txn, true
}

// Statistics reports coordinator counters.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, txn := range c.transactions {
		if !txn.State.Terminal() {
			active++
		}
	}
	stats := Statistics{
		ActiveTransactions: active,
		Committed:          c.committed,
		Aborted:            c.aborted,
	}
	finished := c.committed + c.aborted
	if finished > 0 {
		stats.AverageDurationMs = float64(c.durationSum) / float64(time.Millisecond) / float64(finished)
	}
	return stats
}

func txBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
