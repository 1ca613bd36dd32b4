// Package transfer fetches a remote media item, converts it to the
// requested format and hands the artifact to a Store.
package transfer

import (
	"context"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/google/uuid"
)

type Request struct {
	JobID   uuid.UUID
	URL     string
	Format  constant.Format
	Quality constant.Quality
}

// Progress is one progress report. Percent is in [0, 100]; Rate is an
// informational transfer-rate string such as "1.25 MB/s".
type Progress struct {
	Percent float64
	Rate    string
}

type ProgressFunc func(Progress)

type Result struct {
	OutputKey string
}

// Operation runs one transfer. It may call progress any number of times and
// returns exactly once.
type Operation interface {
	Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

type OperationFunc func(ctx context.Context, req Request, progress ProgressFunc) (Result, error)

func (f OperationFunc) Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	return f(ctx, req, progress)
}

// Source downloads the raw media for the URLs it matches into dir and
// returns the path of the downloaded file.
type Source interface {
	Name() string
	Match(url string) bool
	Fetch(ctx context.Context, req Request, dir string, progress ProgressFunc) (string, error)
}

// Store persists a finished artifact under key and returns its location.
type Store interface {
	Put(ctx context.Context, localPath, key string) (string, error)
}
