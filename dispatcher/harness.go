package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/transfer"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"math"
	"runtime/debug"
	"sync"
	"time"
)

type HarnessConfig struct {
	// Timeout bounds a single transfer attempt. Zero disables it.
	Timeout time.Duration
	// MaxAttempts is the number of tries for retryable failures. Zero and
	// one both mean a single attempt.
	MaxAttempts uint
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
	// ProgressInterval is the minimum gap between two progress messages.
	// Zero forwards every increase.
	ProgressInterval time.Duration
}

// Harness runs one transfer per ticket and turns every outcome into
// messages. It never touches the store.
type Harness struct {
	op  transfer.Operation
	cfg HarnessConfig
}

func NewHarness(op transfer.Operation, cfg HarnessConfig) *Harness {
	return &Harness{op: op, cfg: cfg}
}

// Run executes the transfer for t and reports to out. Exactly one terminal
// message is sent unless ctx is cancelled before it can be delivered. A
// panic inside the transfer is reported as an ErrorMessage.
func (h *Harness) Run(ctx context.Context, t Ticket, out chan<- Message) {
	e := newEmitter(t.ID, out, h.cfg.ProgressInterval)
	log := zerolog.Ctx(ctx).With().Str("job_id", t.ID.String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker crashed")
			e.finish(ctx, ErrorMessage{ID: t.ID, Reason: fmt.Sprintf("worker crashed: %v", r)})
		}
	}()

	res, err := h.run(log.WithContext(ctx), t, e)
	if err != nil {
		log.Warn().Err(err).Msg("transfer failed")
		e.finish(ctx, ErrorMessage{ID: t.ID, Reason: err.Error()})
		return
	}
	e.finish(ctx, CompleteMessage{ID: t.ID, OutputKey: res.OutputKey})
}

func (h *Harness) run(ctx context.Context, t Ticket, e *emitter) (transfer.Result, error) {
	req := transfer.Request{
		JobID:   t.ID,
		URL:     t.URL,
		Format:  t.Format,
		Quality: t.Quality,
	}
	progress := e.progressFunc(ctx)

	attempt := func() (transfer.Result, error) {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if h.cfg.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		}
		defer cancel()

		res, err := h.op.Run(runCtx, req, progress)
		if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("transfer timed out after %s", h.cfg.Timeout)
		}
		if err != nil && !transfer.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	tries := h.cfg.MaxAttempts
	if tries == 0 {
		tries = 1
	}
	bo := backoff.NewExponentialBackOff()
	if h.cfg.RetryInterval > 0 {
		bo.InitialInterval = h.cfg.RetryInterval
	}
	bo.MaxInterval = 30 * time.Second

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			zerolog.Ctx(ctx).Warn().Err(err).Dur("retry_in", next).Msg("transfer failed. Retrying...")
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}

// emitter forwards progress and the terminal message of one job. It is safe
// for concurrent use since transfers may report from several goroutines.
type emitter struct {
	mu      sync.Mutex
	id      uuid.UUID
	out     chan<- Message
	limiter *rate.Limiter
	last    int
	done    bool
}

func newEmitter(id uuid.UUID, out chan<- Message, interval time.Duration) *emitter {
	e := &emitter{id: id, out: out, last: -1}
	if interval > 0 {
		e.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return e
}

func (e *emitter) progressFunc(ctx context.Context) transfer.ProgressFunc {
	return func(p transfer.Progress) {
		pct := clampPercent(p.Percent)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.done || pct <= e.last {
			return
		}
		if e.limiter != nil && !e.limiter.Allow() {
			return
		}
		e.last = pct
		e.send(ctx, ProgressMessage{ID: e.id, Percent: pct, RateInfo: p.Rate})
	}
}

func (e *emitter) finish(ctx context.Context, msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.send(ctx, msg)
}

func (e *emitter) send(ctx context.Context, msg Message) {
	select {
	case e.out <- msg:
	case <-ctx.Done():
	}
}

func clampPercent(p float64) int {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(math.Floor(p))
}
