package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"crosspost/internal/content"
	"crosspost/internal/envelope"
	"crosspost/internal/eventbus"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

var errNotScheduled = errors.New("job is no longer scheduled")

// processJob runs one due job to a terminal status. It returns an error only
// when the store itself fails; publish failures are recorded on the job.
func (s *Service) processJob(ctx context.Context, id string) error {
	job, found, err := s.store.Update(ctx, id, func(j *storage.Job) error {
		if j.Status != storage.StatusScheduled {
			return errNotScheduled
		}
		j.Status = storage.StatusRunning
		j.AttemptCount++
		return nil
	})
	if errors.Is(err, errNotScheduled) || (err == nil && !found) {
		s.log.Debug("job skipped", logx.String("job", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	start := time.Now()
	log := s.log.With(logx.String("job", id), logx.Int("attempt", job.AttemptCount))
	log.Info("job started", logx.Time("run_at", job.RunAt))
	s.publish(eventbus.JobStarted, eventbus.JobEvent{JobID: id, Status: string(job.Status), Attempt: job.AttemptCount, RunAt: job.RunAt})
	defer s.removeMedia(id)

	outcome, runErr := s.execute(ctx, job)
	done := s.now().UTC()
	// The result is recorded even if ctx was cancelled during dispatch.
	rctx := context.WithoutCancel(ctx)

	if runErr != nil {
		final, _, err := s.store.Update(rctx, id, func(j *storage.Job) error {
			j.Status = storage.StatusFailed
			j.CompletedAt = &done
			j.LastError = runErr.Error()
			j.Deliveries = nil
			return nil
		})
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		log.Warn("job failed", logx.Err(runErr), logx.Duration("took", time.Since(start)))
		s.publish(eventbus.JobFailed, eventbus.JobEvent{
			JobID: id, Status: string(final.Status), Attempt: final.AttemptCount,
			Error: final.LastError, RunAt: final.RunAt, Duration: time.Since(start),
		})
		return nil
	}

	status := storage.StatusSucceeded
	if outcome.Overall == content.OverallPartial {
		status = storage.StatusPartial
	}
	final, _, err := s.store.Update(rctx, id, func(j *storage.Job) error {
		j.Status = status
		j.CompletedAt = &done
		j.LastError = ""
		j.Deliveries = outcome.Deliveries
		return nil
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	log.Info("job completed", logx.String("status", string(status)), logx.Duration("took", time.Since(start)))
	s.publish(eventbus.JobCompleted, eventbus.JobEvent{
		JobID: id, Status: string(final.Status), Attempt: final.AttemptCount,
		Overall: string(outcome.Overall), RunAt: final.RunAt, Duration: time.Since(start),
	})
	return nil
}

// execute decrypts, rehydrates and dispatches job. Panics become errors.
func (s *Service) execute(ctx context.Context, job storage.Job) (out content.DispatchOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", job.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	var p payload
	if err := envelope.Open(job.EncryptedPayload, s.cfg.Key, &p); err != nil {
		return content.DispatchOutcome{}, err
	}
	segments, err := rehydrate(p.Segments, job.MediaReferences)
	if err != nil {
		return content.DispatchOutcome{}, err
	}
	if s.dispatcher == nil {
		return content.DispatchOutcome{}, errors.New("no dispatcher configured")
	}
	return s.dispatcher.Dispatch(ctx, content.PublishRequest{
		Targets:         p.Targets,
		Segments:        segments,
		ClientRequestID: p.ClientRequestID,
	})
}
