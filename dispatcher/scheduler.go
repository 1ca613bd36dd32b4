package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/entities"
	"github.com/Bixcoitoo/harvester-api/pkg/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxWorkers = 2
	defaultInboxSize  = 64
	defaultEventsSize = 256

	// InterruptedReason is recorded on jobs that were downloading when the
	// previous process stopped.
	InterruptedReason = "interrupted by service restart"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotRunning     = errors.New("dispatcher is not running")
)

// Store is the persistence the pool needs. Transition methods are
// conditional on the current status and report whether they applied.
type Store interface {
	Create(ctx context.Context, job *entities.Job) error
	FindQueued(ctx context.Context) ([]*entities.Job, error)
	MarkDownloading(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, outputKey string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	FailInterrupted(ctx context.Context, reason string) (int64, error)
}

type Config struct {
	MaxWorkers int
	// InboxSize is the buffer of the worker to supervisor channel.
	InboxSize int
	// StoreRetries bounds the attempts of a supervisor-side store write.
	StoreRetries       uint
	StoreRetryInterval time.Duration
	// RelaunchInterval is the pause before a ticket whose launch failed is
	// tried again from the head of the queue.
	RelaunchInterval time.Duration
}

type SubmitRequest struct {
	UserID  string
	URL     string
	Format  constant.Format
	Quality constant.Quality
}

// Validate rejects structurally malformed requests. Source allow-listing
// and quotas belong to the caller.
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	if !r.Format.Valid() {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, r.Format)
	}
	if !r.Quality.Valid() {
		return fmt.Errorf("%w: unsupported quality %q", ErrInvalidRequest, r.Quality)
	}
	return nil
}

type Option func(*Pool)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

func WithSinks(sinks ...EventSink) Option {
	return func(p *Pool) {
		p.sinks = append(p.sinks, sinks...)
	}
}

// Pool is the worker pool scheduler. It owns the queue and the set of
// occupied slots; a single supervisor goroutine applies worker messages.
type Pool struct {
	store   Store
	harness *Harness
	cfg     Config
	metrics *metrics.Metrics
	sinks   Sinks

	inbox  chan Message
	events chan Event

	mu       sync.Mutex
	queue    *Queue
	active   map[uuid.UUID]time.Time
	runCtx   context.Context
	relaunch bool
	workers  sync.WaitGroup
	loops    sync.WaitGroup
}

func NewPool(store Store, harness *Harness, cfg Config, opts ...Option) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.InboxSize < 1 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = 3
	}
	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = 100 * time.Millisecond
	}
	if cfg.RelaunchInterval <= 0 {
		cfg.RelaunchInterval = time.Second
	}
	p := &Pool{
		store:   store,
		harness: harness,
		cfg:     cfg,
		inbox:   make(chan Message, cfg.InboxSize),
		events:  make(chan Event, defaultEventsSize),
		queue:   NewQueue(),
		active:  make(map[uuid.UUID]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	return p
}

// Start launches the supervisor and event loops. Workers launched later run
// under ctx; cancelling it stops the pool and abandons running transfers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	p.loops.Add(2)
	go func() {
		defer p.loops.Done()
		p.supervise(ctx)
	}()
	go func() {
		defer p.loops.Done()
		p.publishEvents(ctx)
	}()
	zerolog.Ctx(ctx).Info().Int("max_workers", p.cfg.MaxWorkers).Msg("dispatcher started")
}

// Wait blocks until the loops and all workers have returned.
func (p *Pool) Wait() {
	p.loops.Wait()
	p.workers.Wait()
}

// Submit persists a new queued job and either starts it or queues it. It
// does not wait for the transfer.
func (p *Pool) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	if !p.running() {
		return uuid.Nil, ErrNotRunning
	}

	job := &entities.Job{
		ID:        uuid.New(),
		UserID:    req.UserID,
		URL:       req.URL,
		Format:    req.Format,
		Quality:   req.Quality,
		Status:    constant.JobStatusQueued,
		CreatedAt: time.Now(),
	}
	if err := p.store.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}
	p.metrics.JobSubmitted(ctx, string(job.Format))
	p.emit(ctx, Event{Kind: EventQueued, JobID: job.ID, Status: constant.JobStatusQueued})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.admit(ctx, ticketFor(job)); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// Recover fails jobs a previous process left downloading and admits the
// queued ones in creation order. Call it once after Start and before
// serving submissions.
func (p *Pool) Recover(ctx context.Context) error {
	n, err := p.store.FailInterrupted(ctx, InterruptedReason)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if n > 0 {
		zerolog.Ctx(ctx).Warn().Int64("jobs", n).Msg("marked interrupted jobs as failed")
	}

	queued, err := p.store.FindQueued(ctx)
	if err != nil {
		return fmt.Errorf("find queued jobs: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, job := range queued {
		if err := p.admit(ctx, ticketFor(job)); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to admit recovered job")
		}
	}
	zerolog.Ctx(ctx).Info().Int("jobs", len(queued)).Msg("recovered queued jobs")
	return nil
}

// Stats returns the number of occupied slots and queued tickets.
func (p *Pool) Stats() (active, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active), p.queue.Len()
}

func (p *Pool) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx != nil && p.runCtx.Err() == nil
}

func (p *Pool) MaxWorkers() int {
	return p.cfg.MaxWorkers
}

// admit starts t when a slot is free and nobody is waiting ahead of it,
// otherwise queues it. A persisted job is never dropped: when its launch
// fails it waits at the head of the queue. p.mu must be held.
func (p *Pool) admit(ctx context.Context, t Ticket) error {
	if p.runCtx == nil || p.runCtx.Err() != nil {
		return ErrNotRunning
	}
	if len(p.active) < p.cfg.MaxWorkers && p.queue.Len() == 0 {
		err := p.launch(ctx, t)
		if err == nil {
			return nil
		}
		zerolog.Ctx(ctx).Error().Err(err).Str("job_id", t.ID.String()).Msg("failed to launch job, keeping it queued")
		p.requeue(t)
		return nil
	}
	p.queue.Enqueue(t)
	p.metrics.Enqueued(ctx)
	zerolog.Ctx(ctx).Debug().Str("job_id", t.ID.String()).Int("queue", p.queue.Len()).Msg("job queued")
	return nil
}

// launch moves t to downloading and starts its worker. p.mu must be held.
func (p *Pool) launch(ctx context.Context, t Ticket) error {
	ok, err := p.retryStore(ctx, func() (bool, error) {
		return p.store.MarkDownloading(ctx, t.ID)
	})
	if err != nil {
		return fmt.Errorf("start job %s: %w", t.ID, err)
	}
	if !ok {
		zerolog.Ctx(ctx).Debug().Str("job_id", t.ID.String()).Msg("job is not queued")
		return nil
	}

	p.active[t.ID] = time.Now()
	p.metrics.WorkerStarted(ctx)
	p.emit(ctx, Event{Kind: EventStarted, JobID: t.ID, Status: constant.JobStatusDownloading})

	runCtx := p.runCtx
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		p.harness.Run(runCtx, t, p.inbox)
	}()
	return nil
}

// release frees the slot held by id and hands freed capacity to queued
// tickets in order. It is a no-op for ids without a slot.
func (p *Pool) release(ctx context.Context, id uuid.UUID, status constant.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	started, ok := p.active[id]
	if !ok {
		return
	}
	delete(p.active, id)
	p.metrics.WorkerStopped(ctx)
	p.metrics.TransferFinished(ctx, string(status), time.Since(started))

	p.promote(ctx)
}

// promote hands free slots to queued tickets in order. A ticket whose
// launch fails goes back to the head and promotion stops until the relaunch
// timer fires. p.mu must be held.
func (p *Pool) promote(ctx context.Context) {
	for len(p.active) < p.cfg.MaxWorkers {
		if p.runCtx == nil || p.runCtx.Err() != nil {
			return
		}
		next, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.metrics.Dequeued(ctx)
		if err := p.launch(ctx, next); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("job_id", next.ID.String()).Msg("failed to launch queued job, keeping its place")
			p.requeue(next)
			return
		}
	}
}

// requeue puts t back at the head of the queue and arms a single relaunch
// timer. p.mu must be held.
func (p *Pool) requeue(t Ticket) {
	p.queue.PushFront(t)
	p.metrics.Enqueued(p.runCtx)
	if p.relaunch {
		return
	}
	p.relaunch = true

	runCtx := p.runCtx
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		timer := time.NewTimer(p.cfg.RelaunchInterval)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		p.relaunch = false
		p.promote(runCtx)
	}()
}

func (p *Pool) retryStore(ctx context.Context, op func() (bool, error)) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.StoreRetryInterval
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(p.cfg.StoreRetries))
}

// emit hands e to the event loop without blocking the caller.
func (p *Pool) emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case p.events <- e:
	default:
		zerolog.Ctx(ctx).Warn().Str("job_id", e.JobID.String()).Str("kind", string(e.Kind)).Msg("event buffer full, dropping event")
	}
}

func (p *Pool) publishEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.events:
			if len(p.sinks) == 0 {
				continue
			}
			if err := p.sinks.Publish(ctx, e); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("job_id", e.JobID.String()).Msg("failed to publish event")
			}
		}
	}
}
