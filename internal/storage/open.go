package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "crosspost/pkg/logx"
)

// Store is the job persistence API used by the scheduler.
//
// Update applies fn to a copy of the stored job and persists the result.
// If fn returns an error nothing is written and the error is returned with
// found=true. An unknown id yields found=false and a nil error.
type Store interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, bool, error)
	List(ctx context.Context) ([]Job, error)
	ListDue(ctx context.Context, asOf time.Time) ([]Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (Job, bool, error)
	Close() error
}

// Open initializes the configured store. Callers must still call Init.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
