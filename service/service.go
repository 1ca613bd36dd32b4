package service

import (
	"context"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/dispatcher"
	"github.com/Bixcoitoo/harvester-api/repository"
	"github.com/Bixcoitoo/harvester-api/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"net/url"
	"os"
	"strings"
)

var (
	ErrInvalidRequest    = dispatcher.ErrInvalidRequest
	ErrNotFound          = repository.ErrJobNotFound
	ErrUnsupportedSource = errors.New("unsupported source")
)

var allowedDomains = []string{"youtube.com", "youtu.be", "soundcloud.com"}

type SubmitInput struct {
	UserID  string
	URL     string
	Format  string
	Quality string
}

type Status struct {
	Status    constant.JobStatus
	Progress  int
	Error     *string
	OutputKey string
}

// Service is the gateway-facing API of the downloader.
type Service interface {
	Submit(ctx context.Context, in SubmitInput) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*Status, error)
	Health(ctx context.Context) error
}

// Dispatcher accepts validated jobs.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (uuid.UUID, error)
}

// SourceMatcher finds the source able to fetch a URL.
type SourceMatcher interface {
	Match(url string) transfer.Source
}

type service struct {
	repo         repository.JobRepository
	dispatcher   Dispatcher
	sources      SourceMatcher
	downloadsDir string
}

// NewService builds the service. Submissions must pass the domain
// allow-list and match one of sources. downloadsDir is checked by Health
// when artifacts are kept on local disk; pass "" otherwise.
func NewService(repo repository.JobRepository, d Dispatcher, sources SourceMatcher, downloadsDir string) Service {
	return &service{
		repo:         repo,
		dispatcher:   d,
		sources:      sources,
		downloadsDir: downloadsDir,
	}
}

func (s service) Submit(ctx context.Context, in SubmitInput) (uuid.UUID, error) {
	if !s.supported(in.URL) {
		return uuid.Nil, ErrUnsupportedSource
	}

	format := constant.Format(strings.ToLower(strings.TrimSpace(in.Format)))
	if format == "" {
		format = constant.DefaultFormat
	}
	quality := constant.Quality(strings.ToLower(strings.TrimSpace(in.Quality)))
	if quality == "" {
		quality = constant.DefaultQuality
	}

	id, err := s.dispatcher.Submit(ctx, dispatcher.SubmitRequest{
		UserID:  in.UserID,
		URL:     strings.TrimSpace(in.URL),
		Format:  format,
		Quality: quality,
	})
	if err != nil {
		return id, err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", id.String()).
		Str("user_id", in.UserID).
		Str("url", in.URL).
		Str("format", string(format)).
		Msg("download submitted")
	return id, nil
}

func (s service) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	job, err := s.repo.FindJobById(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Status:    job.Status,
		Progress:  job.Progress,
		OutputKey: job.OutputKey,
	}
	if job.Status == constant.JobStatusError {
		status.Error = job.Error
	}
	return status, nil
}

func (s service) Health(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.downloadsDir == "" {
		return nil
	}
	info, err := os.Stat(s.downloadsDir)
	if err != nil {
		return fmt.Errorf("downloads directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("downloads directory: %s is not a directory", s.downloadsDir)
	}
	return nil
}

func (s service) supported(rawURL string) bool {
	if !AllowedSource(rawURL) {
		return false
	}
	return s.sources != nil && s.sources.Match(strings.TrimSpace(rawURL)) != nil
}

// AllowedSource reports whether rawURL points at a supported media host.
func AllowedSource(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, domain := range allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
