package dispatcher

import (
	"context"
	"errors"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/entities"
	"github.com/Bixcoitoo/harvester-api/pkg/metrics"
	"github.com/Bixcoitoo/harvester-api/transfer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"sort"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

// memStore mimics the conditional updates of the job repository.
type memStore struct {
	mu             sync.Mutex
	jobs           map[uuid.UUID]*entities.Job
	history        map[uuid.UUID][]constant.JobStatus
	started        []uuid.UUID
	downloading    int
	maxDownloading int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*entities.Job),
		history: make(map[uuid.UUID][]constant.JobStatus),
	}
}

func (s *memStore) put(job *entities.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	if job.Status == constant.JobStatusDownloading {
		s.downloading++
	}
}

func (s *memStore) get(id uuid.UUID) entities.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) status(id uuid.UUID) constant.JobStatus {
	return s.get(id).Status
}

func (s *memStore) startedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.started...)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *memStore) setStatus(job *entities.Job, status constant.JobStatus) {
	if job.Status == constant.JobStatusDownloading {
		s.downloading--
	}
	job.Status = status
	if status == constant.JobStatusDownloading {
		s.downloading++
		if s.downloading > s.maxDownloading {
			s.maxDownloading = s.downloading
		}
	}
	s.history[job.ID] = append(s.history[job.ID], status)
}

func (s *memStore) Create(_ context.Context, job *entities.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return nil
	}
	cp := *job
	s.jobs[job.ID] = &cp
	s.history[job.ID] = append(s.history[job.ID], job.Status)
	return nil
}

func (s *memStore) FindQueued(_ context.Context) ([]*entities.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.Job
	for _, j := range s.jobs {
		if j.Status == constant.JobStatusQueued {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *memStore) MarkDownloading(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != constant.JobStatusQueued {
		return false, nil
	}
	s.setStatus(j, constant.JobStatusDownloading)
	j.Progress = 0
	s.started = append(s.started, id)
	return true, nil
}

func (s *memStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != constant.JobStatusDownloading || j.Progress > progress {
		return false, nil
	}
	j.Progress = progress
	return true, nil
}

func (s *memStore) MarkCompleted(_ context.Context, id uuid.UUID, outputKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != constant.JobStatusDownloading {
		return false, nil
	}
	s.setStatus(j, constant.JobStatusCompleted)
	j.Progress = 100
	j.OutputKey = outputKey
	return true, nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != constant.JobStatusDownloading {
		return false, nil
	}
	s.setStatus(j, constant.JobStatusError)
	j.Error = &reason
	return true, nil
}

func (s *memStore) FailInterrupted(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == constant.JobStatusDownloading {
			s.setStatus(j, constant.JobStatusError)
			r := reason
			j.Error = &r
			n++
		}
	}
	return n, nil
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next n calls of a method before delegating to
// memStore.
type flakyStore struct {
	*memStore

	mu    sync.Mutex
	fail  map[string]int
	calls map[string]int
}

func newFlakyStore(mem *memStore) *flakyStore {
	return &flakyStore{
		memStore: mem,
		fail:     make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (s *flakyStore) failNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = n
}

func (s *flakyStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *flakyStore) check(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if s.fail[method] > 0 {
		s.fail[method]--
		return errStoreDown
	}
	return nil
}

func (s *flakyStore) MarkDownloading(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := s.check("MarkDownloading"); err != nil {
		return false, err
	}
	return s.memStore.MarkDownloading(ctx, id)
}

func (s *flakyStore) MarkCompleted(ctx context.Context, id uuid.UUID, outputKey string) (bool, error) {
	if err := s.check("MarkCompleted"); err != nil {
		return false, err
	}
	return s.memStore.MarkCompleted(ctx, id, outputKey)
}

func (s *flakyStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	if err := s.check("MarkFailed"); err != nil {
		return false, err
	}
	return s.memStore.MarkFailed(ctx, id, reason)
}

// call is one running transfer driven by the test.
type call struct {
	req    transfer.Request
	steps  chan float64
	result chan error
}

func (c *call) step(pct float64) {
	c.steps <- pct
}

func (c *call) finish(err error) {
	c.result <- err
}

// controlledOp blocks every transfer until the test drives it.
type controlledOp struct {
	started chan *call

	mu      sync.Mutex
	pending map[uuid.UUID]*call
}

func newControlledOp() *controlledOp {
	return &controlledOp{
		started: make(chan *call, 64),
		pending: make(map[uuid.UUID]*call),
	}
}

func (o *controlledOp) Run(ctx context.Context, req transfer.Request, progress transfer.ProgressFunc) (transfer.Result, error) {
	c := &call{req: req, steps: make(chan float64), result: make(chan error, 1)}
	o.started <- c
	for {
		select {
		case pct := <-c.steps:
			progress(transfer.Progress{Percent: pct, Rate: "1.00 MB/s"})
		case err := <-c.result:
			if err != nil {
				return transfer.Result{}, err
			}
			return transfer.Result{OutputKey: req.JobID.String() + "." + string(req.Format)}, nil
		case <-ctx.Done():
			return transfer.Result{}, ctx.Err()
		}
	}
}

// waitFor returns the running call of id, buffering calls of other jobs.
func (o *controlledOp) waitFor(t *testing.T, id uuid.UUID) *call {
	t.Helper()
	o.mu.Lock()
	if c, ok := o.pending[id]; ok {
		delete(o.pending, id)
		o.mu.Unlock()
		return c
	}
	o.mu.Unlock()

	deadline := time.After(waitTimeout)
	for {
		select {
		case c := <-o.started:
			if c.req.JobID == id {
				return c
			}
			o.mu.Lock()
			o.pending[c.req.JobID] = c
			o.mu.Unlock()
		case <-deadline:
			t.Fatalf("transfer for job %s never started", id)
			return nil
		}
	}
}

// eventRecorder is a sink that keeps every event for assertions.
type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 1024)}
}

func (r *eventRecorder) Publish(_ context.Context, e Event) error {
	r.ch <- e
	return nil
}

// waitFor returns the first event of kind for id and every event seen
// before it.
func (r *eventRecorder) waitFor(t *testing.T, kind EventKind, id uuid.UUID) (Event, []Event) {
	t.Helper()
	var seen []Event
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind && e.JobID == id {
				return e, seen
			}
			seen = append(seen, e)
		case <-deadline:
			t.Fatalf("no %s event for job %s", kind, id)
			return Event{}, seen
		}
	}
}

type testPool struct {
	*Pool
	store  *memStore
	events *eventRecorder
	ctx    context.Context
}

func newTestPool(t *testing.T, maxWorkers int, op transfer.Operation, hcfg HarnessConfig) *testPool {
	t.Helper()
	store := newMemStore()
	return newTestPoolOn(t, store, store, maxWorkers, op, hcfg)
}

// newTestPoolOn runs the pool against backing, which may wrap mem.
func newTestPoolOn(t *testing.T, backing Store, store *memStore, maxWorkers int, op transfer.Operation, hcfg HarnessConfig) *testPool {
	t.Helper()
	events := newEventRecorder()
	p := NewPool(backing, NewHarness(op, hcfg), Config{
		MaxWorkers:         maxWorkers,
		StoreRetries:       3,
		StoreRetryInterval: time.Millisecond,
		RelaunchInterval:   5 * time.Millisecond,
	}, WithMetrics(metrics.New(noop.NewMeterProvider())), WithSinks(events))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return &testPool{Pool: p, store: store, events: events, ctx: ctx}
}

func (tp *testPool) submit(t *testing.T, url string) uuid.UUID {
	t.Helper()
	id, err := tp.Submit(tp.ctx, SubmitRequest{
		UserID:  "user-1",
		URL:     url,
		Format:  constant.FormatMP3,
		Quality: constant.QualityHigh,
	})
	require.NoError(t, err)
	return id
}
