package transfer

import (
	"context"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/rs/zerolog"
	"os"
	"path/filepath"
	"strings"
)

// share of the progress bar spent fetching when a transcode follows
const fetchShare = 0.9

// Pipeline is the production Operation: match a source, fetch into a
// per-job temp dir, transcode when needed and hand the result to the store.
type Pipeline struct {
	registry   *Registry
	transcoder *Transcoder
	store      Store
	tempDir    string
}

func NewPipeline(registry *Registry, transcoder *Transcoder, store Store, tempDir string) *Pipeline {
	return &Pipeline{
		registry:   registry,
		transcoder: transcoder,
		store:      store,
		tempDir:    tempDir,
	}
}

func (p *Pipeline) Run(ctx context.Context, req Request, progress ProgressFunc) (result Result, err error) {
	defer func() {
		err = describe(err)
	}()

	source := p.registry.Match(req.URL)
	if source == nil {
		return Result{}, permanent("Unsupported source. Only YouTube and SoundCloud links are accepted.", ErrUnsupportedSource)
	}
	log := zerolog.Ctx(ctx).With().Str("job_id", req.JobID.String()).Str("source", source.Name()).Logger()

	workDir := filepath.Join(p.tempDir, req.JobID.String())
	if err = os.MkdirAll(workDir, os.ModePerm); err != nil {
		log.Error().Err(err).Msg("failed to create work directory")
		return Result{}, errors.Join(ErrNonRetryable, err)
	}
	defer os.RemoveAll(workDir)

	transcode := req.Format == constant.FormatMP3
	scale := 1.0
	if transcode {
		scale = fetchShare
	}

	log.Info().Str("url", req.URL).Msg("fetching media")
	fetched, err := source.Fetch(ctx, req, workDir, func(pr Progress) {
		if progress != nil {
			progress(Progress{Percent: pr.Percent * scale, Rate: pr.Rate})
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch media")
		return Result{}, err
	}

	output := fetched
	if transcode {
		output = filepath.Join(workDir, "output.mp3")
		log.Info().Str("input_file", fetched).Msg("transcode file")
		if err = p.transcoder.ToMP3(ctx, fetched, output, req.Quality); err != nil {
			log.Error().Err(err).Msg("failed to transcode file")
			return Result{}, err
		}
		if progress != nil {
			progress(Progress{Percent: 99})
		}
	}

	if info, statErr := os.Stat(output); statErr != nil || info.Size() == 0 {
		return Result{}, permanent("Generated file is empty.", fmt.Errorf("empty output %s", output))
	}

	key := fmt.Sprintf("%s.%s", req.JobID, strings.ToLower(string(req.Format)))
	location, err := p.store.Put(ctx, output, key)
	if err != nil {
		log.Error().Err(err).Msg("failed to store artifact")
		return Result{}, err
	}

	log.Info().Str("output", location).Msg("transfer finished")
	return Result{OutputKey: location}, nil
}
