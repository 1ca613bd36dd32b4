package dispatcher

import (
	"context"
	"errors"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"time"
)

type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is an observability record of a state change that was applied to
// the store.
type Event struct {
	Kind      EventKind          `json:"kind"`
	JobID     uuid.UUID          `json:"jobId"`
	Status    constant.JobStatus `json:"status"`
	Progress  int                `json:"progress"`
	RateInfo  string             `json:"rateInfo,omitempty"`
	Error     string             `json:"error,omitempty"`
	OutputKey string             `json:"outputKey,omitempty"`
	At        time.Time          `json:"at"`
}

type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Sinks fans an event out to every sink.
type Sinks []EventSink

func (s Sinks) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log lines. Progress goes to debug.
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, event Event) error {
	log := zerolog.Ctx(ctx).Info()
	if event.Kind == EventProgress {
		log = zerolog.Ctx(ctx).Debug()
	}
	log.Str("job_id", event.JobID.String()).
		Str("status", string(event.Status)).
		Int("progress", event.Progress).
		Str("rate", event.RateInfo).
		Str("error", event.Error).
		Str("output", event.OutputKey).
		Msg("job " + string(event.Kind))
	return nil
}
