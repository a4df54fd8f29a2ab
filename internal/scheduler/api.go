package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"crosspost/internal/apperr"
	"crosspost/internal/content"
	"crosspost/internal/envelope"
	"crosspost/internal/eventbus"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// ParseRunAt parses an RFC 3339 timestamp that must be strictly after now.
func ParseRunAt(runAt string, now time.Time) (time.Time, error) {
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(runAt))
	if err != nil {
		return time.Time{}, apperr.InvalidSchedule("runAt must be an RFC 3339 timestamp (got %q)", runAt)
	}
	if !at.After(now) {
		return time.Time{}, apperr.InvalidSchedule("runAt must be in the future (got %s, now %s)",
			at.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return at, nil
}

// Schedule stores req for publishing at runAt and returns the new job.
func (s *Service) Schedule(ctx context.Context, runAt string, req content.PublishRequest) (storage.JobSummary, error) {
	now := s.now()
	at, err := ParseRunAt(runAt, now)
	if err != nil {
		return storage.JobSummary{}, err
	}
	if s.cfg.Key.IsZero() {
		return storage.JobSummary{}, apperr.Internal(errors.New("crypto key is not configured"), "cannot schedule")
	}
	if s.validator != nil {
		if err := s.validator.Validate(ctx, req); err != nil {
			return storage.JobSummary{}, err
		}
	}

	id := s.newID()
	refs, err := s.persistMedia(id, req.Segments)
	if err != nil {
		s.removeMedia(id)
		return storage.JobSummary{}, apperr.Internal(err, "persist media")
	}

	token, err := envelope.Seal(payloadOf(req), s.cfg.Key)
	if err != nil {
		s.removeMedia(id)
		return storage.JobSummary{}, apperr.Internal(err, "seal payload")
	}

	job := storage.Job{
		ID:               id,
		CreatedAt:        now.UTC(),
		RunAt:            at.UTC(),
		Status:           storage.StatusScheduled,
		EncryptedPayload: token,
		MediaReferences:  refs,
		AttemptCount:     0,
	}
	if err := s.store.Create(ctx, job); err != nil {
		s.removeMedia(id)
		return storage.JobSummary{}, apperr.Internal(err, "store job")
	}

	s.log.Info("job scheduled",
		logx.String("job", id),
		logx.Time("run_at", job.RunAt),
		logx.Strings("targets", platformNames(req.Targets)),
		logx.Int("segments", len(req.Segments)),
		logx.Int("media", len(refs)),
	)
	s.publish(eventbus.JobScheduled, eventbus.JobEvent{JobID: id, Status: string(job.Status), RunAt: job.RunAt})
	return job.Summary(), nil
}

// Cancel moves a scheduled job to cancelled. Any other status is a conflict.
func (s *Service) Cancel(ctx context.Context, id string) (storage.JobSummary, error) {
	job, found, err := s.store.Update(ctx, id, func(j *storage.Job) error {
		switch {
		case j.Status.Terminal():
			return apperr.Conflict("job %s already finished as %s", j.ID, j.Status)
		case j.Status != storage.StatusScheduled:
			return apperr.Conflict("job %s is %s; only scheduled jobs can be cancelled", j.ID, j.Status)
		}
		done := s.now().UTC()
		j.Status = storage.StatusCancelled
		j.CompletedAt = &done
		return nil
	})
	switch {
	case err != nil && apperr.Is(err, apperr.KindConflict):
		return storage.JobSummary{}, err
	case err != nil:
		return storage.JobSummary{}, apperr.Internal(err, "cancel job %s", id)
	case !found:
		return storage.JobSummary{}, apperr.NotFound("job %s not found", id)
	}

	s.removeMedia(id)
	s.log.Info("job cancelled", logx.String("job", id))
	s.publish(eventbus.JobCancelled, eventbus.JobEvent{JobID: id, Status: string(job.Status), RunAt: job.RunAt})
	return job.Summary(), nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.JobSummary, error) {
	job, found, err := s.store.Get(ctx, id)
	if err != nil {
		return storage.JobSummary{}, apperr.Internal(err, "get job %s", id)
	}
	if !found {
		return storage.JobSummary{}, apperr.NotFound("job %s not found", id)
	}
	return job.Summary(), nil
}

// List returns every job, oldest first.
func (s *Service) List(ctx context.Context) ([]storage.JobSummary, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "list jobs")
	}
	out := make([]storage.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// Counts returns the number of jobs per status. Every status is present.
func (s *Service) Counts(ctx context.Context) (map[storage.JobStatus]int, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "list jobs")
	}
	out := make(map[storage.JobStatus]int, len(storage.Statuses))
	for _, st := range storage.Statuses {
		out[st] = 0
	}
	for _, j := range jobs {
		out[j.Status]++
	}
	return out, nil
}

func payloadOf(req content.PublishRequest) payload {
	texts := make([]string, len(req.Segments))
	for i, seg := range req.Segments {
		texts[i] = seg.Text
	}
	return payload{Targets: req.Targets, Segments: texts, ClientRequestID: req.ClientRequestID}
}

func platformNames(t content.Targets) []string {
	ps := t.Platforms()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
