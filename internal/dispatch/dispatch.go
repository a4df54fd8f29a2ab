// Package dispatch fans a validated publish request out to one Publisher per
// requested platform and aggregates the per-platform results.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/apperr"
	"crosspost/internal/content"
	logx "crosspost/pkg/logx"
)

// ErrAllTargetsFailed is the cause when no requested platform succeeded.
var ErrAllTargetsFailed = errors.New("all targets failed")

// Receipt identifies the first post a Publisher created.
type Receipt struct {
	ExternalID string
	URL        string
	Raw        json.RawMessage
}

// Publisher posts ordered segments as a reply chain on one platform.
type Publisher interface {
	Platform() content.Platform
	Publish(ctx context.Context, creds content.Credentials, segments []content.Segment) (Receipt, error)
}

// Validator is satisfied by *validate.Engine.
type Validator interface {
	Validate(ctx context.Context, req content.PublishRequest) error
}

type Dispatcher struct {
	validator  Validator
	publishers map[content.Platform]Publisher
	limiters   map[content.Platform]*rate.Limiter
	timeout    time.Duration
	now        func() time.Time
	log        logx.Logger
}

type Option func(*Dispatcher)

// WithTimeout bounds each Publisher call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.timeout = d }
}

// WithRateLimit throttles calls to one platform's Publisher.
func WithRateLimit(p content.Platform, perSec float64, burst int) Option {
	return func(x *Dispatcher) {
		if perSec <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		x.limiters[p] = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) {
		if now != nil {
			x.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(x *Dispatcher) { x.log = log }
}

func New(v Validator, publishers []Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		validator:  v,
		publishers: make(map[content.Platform]Publisher, len(publishers)),
		limiters:   map[content.Platform]*rate.Limiter{},
		now:        time.Now,
		log:        logx.Nop(),
	}
	for _, p := range publishers {
		if p != nil {
			d.publishers[p.Platform()] = p
		}
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch validates req, publishes to every requested platform concurrently
// and waits for all of them. It fails unless at least one platform succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, req content.PublishRequest) (content.DispatchOutcome, error) {
	if d.validator != nil {
		if err := d.validator.Validate(ctx, req); err != nil {
			return content.DispatchOutcome{}, err
		}
	}

	platforms := req.Targets.Platforms()
	if len(platforms) == 0 {
		return content.DispatchOutcome{}, apperr.Upstream(ErrAllTargetsFailed, "no targets to dispatch")
	}

	results := make(chan content.DeliveryResult, len(platforms))
	for _, p := range platforms {
		go func(p content.Platform) {
			results <- d.publishOne(ctx, p, req.Targets.Credentials(p), req.Segments)
		}(p)
	}

	deliveries := make(map[content.Platform]content.DeliveryResult, len(platforms))
	succeeded := 0
	for range platforms {
		r := <-results
		deliveries[r.Platform] = r
		if r.OK {
			succeeded++
		}
	}

	if succeeded == 0 {
		return content.DispatchOutcome{}, apperr.Upstream(ErrAllTargetsFailed, "%s", failureSummary(platforms, deliveries))
	}
	overall := content.OverallSuccess
	if succeeded < len(platforms) {
		overall = content.OverallPartial
	}
	d.log.Info("dispatch finished",
		logx.String("overall", string(overall)),
		logx.Int("succeeded", succeeded),
		logx.Int("targets", len(platforms)),
		logx.String("client_request_id", req.ClientRequestID),
	)
	return content.DispatchOutcome{
		Overall:         overall,
		PostedAt:        d.now(),
		ClientRequestID: req.ClientRequestID,
		Deliveries:      deliveries,
	}, nil
}

// publishOne never panics and always returns a result for p.
func (d *Dispatcher) publishOne(ctx context.Context, p content.Platform, creds content.Credentials, segments []content.Segment) (res content.DeliveryResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("publisher panicked", logx.String("platform", string(p)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = content.Failure(p, fmt.Sprintf("publisher panicked: %v", r))
		}
	}()

	pub, ok := d.publishers[p]
	if !ok {
		return content.Failure(p, "no publisher configured for "+string(p))
	}
	if lim := d.limiters[p]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return content.Failure(p, err.Error())
		}
	}

	pctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	rc, err := pub.Publish(pctx, creds, segments)
	if err != nil {
		d.log.Warn("publish failed", logx.String("platform", string(p)), logx.Duration("took", time.Since(start)), logx.Err(err))
		return content.Failure(p, err.Error())
	}
	d.log.Debug("publish ok", logx.String("platform", string(p)), logx.String("id", rc.ExternalID), logx.Duration("took", time.Since(start)))
	return content.Success(p, rc.ExternalID, rc.URL, rc.Raw)
}

func failureSummary(platforms []content.Platform, deliveries map[content.Platform]content.DeliveryResult) string {
	parts := make([]string, 0, len(platforms))
	for _, p := range platforms {
		parts = append(parts, fmt.Sprintf("%s: %s", p, deliveries[p].Error))
	}
	return strings.Join(parts, "; ")
}
