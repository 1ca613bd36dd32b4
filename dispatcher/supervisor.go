package dispatcher

import (
	"context"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/rs/zerolog"
)

// supervise applies worker messages one at a time until ctx is done.
func (p *Pool) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.inbox:
			p.handle(ctx, msg)
		}
	}
}

func (p *Pool) handle(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case ProgressMessage:
		p.onProgress(ctx, m)
	case CompleteMessage:
		p.onComplete(ctx, m)
	case ErrorMessage:
		p.onError(ctx, m)
	default:
		zerolog.Ctx(ctx).Debug().Type("message", msg).Msg("discarding unknown message type")
	}
}

func (p *Pool) onProgress(ctx context.Context, m ProgressMessage) {
	if m.Percent < 0 || m.Percent > 100 {
		zerolog.Ctx(ctx).Debug().Str("job_id", m.ID.String()).Int("progress", m.Percent).Msg("discarding out of range progress")
		return
	}
	ok, err := p.store.UpdateProgress(ctx, m.ID, m.Percent)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", m.ID.String()).Msg("failed to update progress")
		return
	}
	if !ok {
		zerolog.Ctx(ctx).Debug().Str("job_id", m.ID.String()).Int("progress", m.Percent).Msg("discarding stale progress")
		return
	}
	p.emit(ctx, Event{
		Kind:     EventProgress,
		JobID:    m.ID,
		Status:   constant.JobStatusDownloading,
		Progress: m.Percent,
		RateInfo: m.RateInfo,
	})
}

func (p *Pool) onComplete(ctx context.Context, m CompleteMessage) {
	ok, err := p.retryStore(ctx, func() (bool, error) {
		return p.store.MarkCompleted(ctx, m.ID, m.OutputKey)
	})
	switch {
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Str("job_id", m.ID.String()).Msg("failed to mark job completed")
	case !ok:
		zerolog.Ctx(ctx).Debug().Str("job_id", m.ID.String()).Msg("discarding completion for finished job")
	default:
		p.metrics.JobFinished(ctx, string(constant.JobStatusCompleted))
		p.emit(ctx, Event{
			Kind:      EventCompleted,
			JobID:     m.ID,
			Status:    constant.JobStatusCompleted,
			Progress:  100,
			OutputKey: m.OutputKey,
		})
	}
	// the slot is freed even when the write failed
	p.release(ctx, m.ID, constant.JobStatusCompleted)
}

func (p *Pool) onError(ctx context.Context, m ErrorMessage) {
	ok, err := p.retryStore(ctx, func() (bool, error) {
		return p.store.MarkFailed(ctx, m.ID, m.Reason)
	})
	switch {
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Str("job_id", m.ID.String()).Msg("failed to mark job failed")
	case !ok:
		zerolog.Ctx(ctx).Debug().Str("job_id", m.ID.String()).Msg("discarding error for finished job")
	default:
		p.metrics.JobFinished(ctx, string(constant.JobStatusError))
		p.emit(ctx, Event{
			Kind:   EventFailed,
			JobID:  m.ID,
			Status: constant.JobStatusError,
			Error:  m.Reason,
		})
	}
	p.release(ctx, m.ID, constant.JobStatusError)
}
