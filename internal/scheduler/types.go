package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/content"
	"crosspost/internal/envelope"
	"crosspost/internal/eventbus"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

const DefaultPollInterval = 5 * time.Second

// Config controls the scheduler service.
type Config struct {
	// Enabled turns on the background poll. Schedule, Cancel and the read
	// APIs work either way.
	Enabled      bool
	PollInterval time.Duration
	MediaDir     string
	Key          envelope.Key
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req content.PublishRequest) (content.DispatchOutcome, error)
}

// Validator is satisfied by *validate.Engine.
type Validator interface {
	Validate(ctx context.Context, req content.PublishRequest) error
}

// payload is the sealed part of a job. Media travel on disk, not here.
type payload struct {
	Targets         content.Targets `json:"targets"`
	Segments        []string        `json:"segments"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
}

// TickResult describes one poll.
type TickResult struct {
	Skipped   bool
	Due       int
	Processed int
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log        logx.Logger
	bus        eventbus.Bus
	store      storage.Store
	dispatcher Dispatcher
	validator  Validator
	now        func() time.Time
	newID      func() string

	c       *cron.Cron
	entryID cron.EntryID
	runCtx  context.Context
	cancel  context.CancelFunc

	ticking atomic.Bool
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithValidator makes Schedule reject invalid requests before persisting.
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validator = v }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}
