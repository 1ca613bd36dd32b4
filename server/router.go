package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"github.com/Bixcoitoo/harvester-api/dto"
	"github.com/Bixcoitoo/harvester-api/pkg/metrics"
	"github.com/Bixcoitoo/harvester-api/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"net/http"
	"strings"
	"time"
)

const (
	userIDHeader      = "X-User-Id"
	fingerprintHeader = "Canvas-Fingerprint"
)

type router struct {
	svc     service.Service
	started time.Time
	now     func() time.Time
}

// NewRouter registers the download API on a fresh gin engine. Requests
// inherit the logger carried by ctx.
func NewRouter(ctx context.Context, svc service.Service, m *metrics.Metrics) *gin.Engine {
	rt := &router{svc: svc, started: time.Now(), now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(zerolog.Ctx(ctx)), requestMetrics(m))

	api := r.Group("/api")
	api.POST("/download", rt.submit)
	api.GET("/download/:id/status", rt.status)
	r.GET("/health", rt.health)
	return r
}

func (rt *router) submit(c *gin.Context) {
	var req dto.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "URL é obrigatória"})
		return
	}

	id, err := rt.svc.Submit(c.Request.Context(), service.SubmitInput{
		UserID:  userID(c),
		URL:     req.URL,
		Format:  req.Format,
		Quality: req.Quality,
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrUnsupportedSource):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "URL inválida. Apenas YouTube e SoundCloud são suportados."})
		return
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("submit download")
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Erro ao processar download"})
		return
	}

	c.JSON(http.StatusAccepted, dto.DownloadResponse{
		Success:    true,
		DownloadId: id,
		Message:    "Download iniciado com sucesso",
	})
}

func (rt *router) status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "ID de download inválido"})
		return
	}

	st, err := rt.svc.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Download não encontrado"})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("job_id", id.String()).Msg("get status")
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Erro ao consultar download"})
		return
	}

	c.JSON(http.StatusOK, dto.StatusResponse{
		Status:   string(st.Status),
		Progress: st.Progress,
		Error:    st.Error,
	})
}

func (rt *router) health(c *gin.Context) {
	now := rt.now()
	resp := dto.HealthResponse{
		Status:    "healthy",
		Uptime:    now.Sub(rt.started).Seconds(),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if err := rt.svc.Health(c.Request.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// userID trusts an explicit header and otherwise derives a stable
// fingerprint from the client's canvas fingerprint, user agent and address.
func userID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(userIDHeader)); id != "" {
		return id
	}
	seed := c.GetHeader(fingerprintHeader) + ":" + c.Request.UserAgent() + ":" + c.ClientIP()
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
