package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/config"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/dispatcher"
	downloadHandler "github.com/Bixcoitoo/harvester-api/handler"
	"github.com/Bixcoitoo/harvester-api/pkg/metrics"
	"github.com/Bixcoitoo/harvester-api/pkg/rabbitmq"
	"github.com/Bixcoitoo/harvester-api/repository"
	"github.com/Bixcoitoo/harvester-api/service"
	"github.com/Bixcoitoo/harvester-api/transfer"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	isProduction := cfg.App.Environment == constant.EnvironmentProduction.String()
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", isProduction).Send()
	if isProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := repository.NewPostgresRepo(cfg.DB, cfg.App.Environment == constant.EnvironmentDevelop.String())
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("open job repository")
	}
	if cfg.Database.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			zerolog.Ctx(ctx).Fatal().Err(err).Msg("migrate job repository")
		}
	}

	m := metrics.New(otel.GetMeterProvider())

	store, downloadsDir, err := newArtifactStore(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("prepare artifact storage")
	}
	if err := os.MkdirAll(cfg.Transfer.TempDir, 0o755); err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("create temp directory")
	}

	registry := transfer.NewRegistry(transfer.NewYouTube(), transfer.NewSoundCloud(cfg.Transfer.YtDlpPath))
	pipeline := transfer.NewPipeline(registry, transfer.NewTranscoder(cfg.Transfer.FFmpegPath), store, cfg.Transfer.TempDir)
	harness := dispatcher.NewHarness(pipeline, dispatcher.HarnessConfig{
		Timeout:          cfg.Transfer.Timeout,
		MaxAttempts:      cfg.Transfer.MaxAttempts,
		RetryInterval:    cfg.Transfer.RetryInterval,
		ProgressInterval: cfg.Transfer.ProgressInterval,
	})

	sinks := []dispatcher.EventSink{dispatcher.LogSink{}}

	var conn *amqpConn
	if cfg.Queue != nil {
		conn, err = dialQueue(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
		} else {
			sinks = append(sinks, conn.publisher)
		}
	}

	pool := dispatcher.NewPool(repo, harness, dispatcher.Config{
		MaxWorkers:         cfg.Workers.Max,
		InboxSize:          cfg.Workers.InboxSize,
		StoreRetries:       cfg.Workers.StoreRetries,
		StoreRetryInterval: cfg.Workers.StoreRetryInterval,
		RelaunchInterval:   cfg.Workers.RelaunchInterval,
	}, dispatcher.WithMetrics(m), dispatcher.WithSinks(sinks...))
	pool.Start(ctx)
	if err := pool.Recover(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("recover jobs from previous run")
	}

	downloadService := service.NewService(repo, pool, registry, downloadsDir)

	if conn != nil {
		deps := downloadHandler.ServiceDependencies{DownloadService: downloadService}
		consumer := rabbitmq.NewConsumer(conn.Connection, cfg.Queue, rabbitmq.DownloadTopology(), cfg.Queue.Consumers, downloadHandler.DownloadHandler)
		go func() {
			err := consumer.Consume(ctx, deps)
			if err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("download consumer error")
			}
		}()
	}

	handler := http.Server{
		Handler:           NewRouter(ctx, downloadService, m),
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("addr", handler.Addr).Int("max_workers", pool.MaxWorkers()).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	pool.Wait()
	if conn != nil {
		if err := conn.publisher.Close(); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("close event publisher")
		}
	}
	active, queued := pool.Stats()
	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Int("abandoned", active).Int("queued", queued).Msg("server shutdown")
}

// newArtifactStore picks MinIO when configured and local disk otherwise.
// The returned directory is empty for MinIO.
func newArtifactStore(ctx context.Context, cfg *config.Config) (transfer.Store, string, error) {
	if cfg.Storage != nil {
		s := transfer.NewMinioStore(cfg.Storage, cfg.MinIOBucket, "downloads")
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, "", err
		}
		return s, "", nil
	}
	if err := os.MkdirAll(cfg.Transfer.DownloadDir, 0o755); err != nil {
		return nil, "", err
	}
	s := transfer.NewLocalStore(cfg.Transfer.DownloadDir)
	return s, s.Dir(), nil
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
