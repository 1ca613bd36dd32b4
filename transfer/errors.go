package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	ErrNonRetryable      = errors.New("non-retryable error")
	ErrUnsupportedSource = errors.New("unsupported source")
)

// Failure carries a user-facing reason for a failed transfer while keeping
// the underlying error for logs and errors.Is.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func permanent(reason string, err error) *Failure {
	return &Failure{Reason: reason, Err: errors.Join(ErrNonRetryable, err)}
}

func transient(reason string, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

// IsRetryable reports whether running the transfer again may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// describe maps a raw error into a Failure with a reason safe to show to
// the requester. Paths and internal details never end up in the reason.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transient("Transfer timed out.", err)
	}
	if errors.Is(err, context.Canceled) {
		return permanent("Transfer cancelled.", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transient("Source unreachable. Network error while fetching media.", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "permission denied"):
		return permanent("Storage permission denied. Please contact system administrator.", err)
	case strings.Contains(msg, "no space left"):
		return permanent("Disk space exhausted. Cannot complete download.", err)
	case strings.Contains(msg, "ffmpeg"):
		return permanent("Media processing error (FFmpeg failed). Please try again.", err)
	case strings.Contains(msg, "cipher") || strings.Contains(msg, "signature"):
		return permanent("Source restricted access to this media (cipher/signature error).", err)
	case strings.Contains(msg, "403"):
		return transient("Access forbidden. The source might be throttling the server.", err)
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout"):
		return transient("Source unreachable. Network error while fetching media.", err)
	default:
		return permanent("An unexpected technical error occurred during processing.", err)
	}
}
