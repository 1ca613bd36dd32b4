package dto

import "github.com/google/uuid"

// DownloadRequestMessage is the body of a message on the download request
// queue.
type DownloadRequestMessage struct {
	UserId  string `json:"userId"`
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type DownloadRequest struct {
	URL     string `json:"url" binding:"required"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type DownloadResponse struct {
	Success    bool      `json:"success"`
	DownloadId uuid.UUID `json:"downloadId"`
	Message    string    `json:"message"`
}

type StatusResponse struct {
	Status   string  `json:"status"`
	Progress int     `json:"progress"`
	Error    *string `json:"error"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
	Error     string  `json:"error,omitempty"`
}
