package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "crosspost/pkg/logx"
)

// fileStore keeps every job in memory and mirrors the full set to one JSON
// array file. Only the writer goroutine mutates state; readers take the
// read lock and receive clones.
type fileStore struct {
	path string
	log  logx.Logger
	lock *flock.Flock

	mu     sync.RWMutex
	jobs   []Job // creation order
	index  map[string]int
	loaded bool

	writes    chan writeOp
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// writeOp computes the next state from the current one. The writer flushes
// next to disk and commits it to memory only if apply and the flush succeed.
type writeOp struct {
	apply func(cur []Job) (next []Job, res Job, found bool, err error)
	reply chan writeResult
	init  bool
}

type writeResult struct {
	job   Job
	found bool
	err   error
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// The writer owns the whole file, so a second process would overwrite
	// its changes on the next flush.
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock job file: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	s := &fileStore{
		path:   path,
		lock:   lock,
		log:    log.With(logx.String("comp", "storage.file")),
		index:  map[string]int{},
		writes: make(chan writeOp),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Init loads the backing file, creating it as an empty array when missing.
// Any other read or parse failure is returned and must abort startup.
func (s *fileStore) Init(ctx context.Context) error {
	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		_, _, err = s.enqueue(ctx, writeOp{init: true, apply: func([]Job) ([]Job, Job, bool, error) {
			return []Job{}, Job{}, false, nil
		}})
		if err != nil {
			return fmt.Errorf("create job file: %w", err)
		}
		s.log.Info("job file created", logx.String("path", s.path))
		return nil
	case err != nil:
		return fmt.Errorf("read job file: %w", err)
	}

	var jobs []Job
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jobs); err != nil {
		return fmt.Errorf("parse job file %s: %w", s.path, err)
	}
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("parse job file %s: job %d has no id", s.path, i)
		}
		if _, dup := index[j.ID]; dup {
			return fmt.Errorf("parse job file %s: duplicate job id %q", s.path, j.ID)
		}
		index[j.ID] = i
	}

	s.mu.Lock()
	s.jobs, s.index, s.loaded = jobs, index, true
	s.mu.Unlock()
	s.log.Info("job file loaded",
		logx.String("path", s.path),
		logx.Int("jobs", len(jobs)),
		logx.Bytes("size", int64(len(b))),
	)
	return nil
}

func (s *fileStore) Create(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("storage: job id is required")
	}
	job = job.Clone()
	_, _, err := s.submit(ctx, func(cur []Job) ([]Job, Job, bool, error) {
		for _, j := range cur {
			if j.ID == job.ID {
				return nil, Job{}, false, fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
			}
		}
		next := append(cloneAll(cur), job)
		return next, job, true, nil
	})
	return err
}

func (s *fileStore) Get(_ context.Context, id string) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return Job{}, false, ErrNotInitialized
	}
	i, ok := s.index[id]
	if !ok {
		return Job{}, false, nil
	}
	return s.jobs[i].Clone(), true, nil
}

func (s *fileStore) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotInitialized
	}
	out := cloneAll(s.jobs)
	sortByCreated(out)
	return out, nil
}

func (s *fileStore) ListDue(_ context.Context, asOf time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return nil, ErrNotInitialized
	}
	var out []Job
	for _, j := range s.jobs {
		if due(j, asOf) {
			out = append(out, j.Clone())
		}
	}
	sortByRunAt(out)
	return out, nil
}

func (s *fileStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, bool, error) {
	return s.submit(ctx, func(cur []Job) ([]Job, Job, bool, error) {
		pos := -1
		for i, j := range cur {
			if j.ID == id {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, Job{}, false, nil
		}
		updated := cur[pos].Clone()
		if err := fn(&updated); err != nil {
			return nil, Job{}, true, err
		}
		updated.ID = id
		next := cloneAll(cur)
		next[pos] = updated
		return next, updated.Clone(), true, nil
	})
}

// Close stops the writer after the write in progress, if any, completes.
func (s *fileStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.done
		err = s.lock.Unlock()
	})
	return err
}

// submit enqueues op and waits for its result. Once accepted a write always
// runs to completion, even if ctx is cancelled meanwhile.
func (s *fileStore) submit(ctx context.Context, apply func([]Job) ([]Job, Job, bool, error)) (Job, bool, error) {
	return s.enqueue(ctx, writeOp{apply: apply})
}

func (s *fileStore) enqueue(ctx context.Context, op writeOp) (Job, bool, error) {
	op.reply = make(chan writeResult, 1)
	select {
	case s.writes <- op:
	case <-s.closed:
		return Job{}, false, ErrClosed
	case <-ctx.Done():
		return Job{}, false, ctx.Err()
	}
	r := <-op.reply
	return r.job, r.found, r.err
}

func (s *fileStore) writer() {
	defer close(s.done)
	for {
		select {
		case <-s.closed:
			return
		case op := <-s.writes:
			op.reply <- s.apply(op)
		}
	}
}

func (s *fileStore) apply(op writeOp) (res writeResult) {
	defer func() {
		if r := recover(); r != nil {
			res = writeResult{found: true, err: fmt.Errorf("storage: mutation panicked: %v", r)}
		}
	}()

	s.mu.RLock()
	cur, loaded := s.jobs, s.loaded
	s.mu.RUnlock()
	if !loaded && !op.init {
		return writeResult{err: ErrNotInitialized}
	}

	next, job, found, err := op.apply(cur)
	if err != nil || next == nil {
		return writeResult{job: job, found: found, err: err}
	}

	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return writeResult{found: found, err: fmt.Errorf("encode jobs: %w", err)}
	}
	start := time.Now()
	if err := writeFileAtomic(s.path, b); err != nil {
		s.log.Error("job file flush failed", logx.String("path", s.path), logx.Err(err))
		return writeResult{found: found, err: fmt.Errorf("flush jobs: %w", err)}
	}
	s.log.Trace("job file flushed",
		logx.Int("jobs", len(next)),
		logx.Bytes("size", int64(len(b))),
		logx.Duration("took", time.Since(start)),
	)

	index := make(map[string]int, len(next))
	for i, j := range next {
		index[j.ID] = i
	}
	s.mu.Lock()
	s.jobs, s.index, s.loaded = next, index, true
	s.mu.Unlock()
	return writeResult{job: job, found: found}
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func cloneAll(in []Job) []Job {
	out := make([]Job, len(in))
	for i, j := range in {
		out[i] = j.Clone()
	}
	return out
}
