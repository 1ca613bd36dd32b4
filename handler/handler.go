package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/dto"
	"github.com/Bixcoitoo/harvester-api/service"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"strings"
)

type ServiceDependencies struct {
	DownloadService service.Service
}

// DownloadHandler submits a download request received from the broker.
// Malformed or rejected requests come back as permanent errors so the
// consumer dead-letters them instead of retrying.
func DownloadHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var req dto.DownloadRequestMessage
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal download message")
		return backoff.Permanent(err)
	}

	userID := strings.TrimSpace(req.UserId)
	if userID == "" {
		userID = msg.AppId
	}

	id, err := deps.DownloadService.Submit(ctx, service.SubmitInput{
		UserID:  userID,
		URL:     req.URL,
		Format:  req.Format,
		Quality: req.Quality,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) || errors.Is(err, service.ErrUnsupportedSource) {
			return backoff.Permanent(fmt.Errorf("reject %q: %w", req.URL, err))
		}
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", id.String()).
		Str("message_id", msg.MessageId).
		Msg("download request accepted")
	return nil
}
