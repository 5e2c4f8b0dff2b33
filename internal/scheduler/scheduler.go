// Package scheduler serialises sync requests onto a single worker and
// coalesces requests that arrive while a job is queued or running.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/state"
	"github.com/alexjbarnes/kullo-sync/internal/syncer"
)

// KindAttachments is the run kind recorded for attachment downloads.
const KindAttachments = "attachments"

// Runner is the subset of syncer.Syncer the scheduler drives.
type Runner interface {
	Run(ctx context.Context, mode syncer.Mode, cancel *atomic.Bool) (syncer.SyncProgress, error)
	DownloadAttachmentsForMessage(ctx context.Context, msgID int64, cancel *atomic.Bool) (syncer.SyncProgress, error)
}

// Recorder persists job outcomes. Implemented by *state.State.
type Recorder interface {
	RecordRun(r state.SyncRun) error
}

// Listener is told how every job ended. Calls are made from the worker
// goroutine without holding the scheduler lock.
type Listener interface {
	Finished(job Job, p syncer.SyncProgress)
	Failed(job Job, p syncer.SyncProgress, err error)
	Canceled(job Job, p syncer.SyncProgress)
}

// Job is one unit of work: a sync in some mode, or the attachment download
// of a single message.
type Job struct {
	Attachments bool
	Mode        syncer.Mode
	MessageID   int64
}

// Kind names the job for logs and the run record.
func (j Job) Kind() string {
	if j.Attachments {
		return KindAttachments
	}

	return j.Mode.String()
}

// Status is a snapshot of the queue.
type Status struct {
	Running            *Job
	PendingSync        *syncer.Mode
	PendingAttachments []int64
}

// Scheduler owns the pending requests and runs them one at a time.
type Scheduler struct {
	runner   Runner
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	// wake has capacity one; a send that would block means the worker is
	// already due to look at the queue.
	wake chan struct{}

	mu                 sync.Mutex
	listener           Listener
	pendingSync        *syncer.Mode
	pendingAttachments []int64
	running            *Job
	cancel             *atomic.Bool
}

// New creates a Scheduler. recorder may be nil.
func New(runner Runner, recorder Recorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// SetListener replaces the listener. A nil listener disables callbacks.
func (s *Scheduler) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// RequestSync queues a sync. A pending sync is upgraded to the stronger of
// the two modes, so a queued SendOnly is absorbed by a later
// WithoutAttachments or Everything. A pending Everything makes any queued
// attachment download redundant.
func (s *Scheduler) RequestSync(mode syncer.Mode) {
	s.mu.Lock()

	if s.pendingSync != nil {
		mode = max(mode, *s.pendingSync)
	}

	s.pendingSync = &mode

	if mode == syncer.Everything {
		s.pendingAttachments = nil
	}

	s.mu.Unlock()

	s.logger.Debug("sync requested", slog.String("mode", mode.String()))
	s.signal()
}

// RequestAttachments queues the attachment download of one message. The
// request is dropped when the same message is already queued or when an
// Everything sync is pending.
func (s *Scheduler) RequestAttachments(msgID int64) {
	s.mu.Lock()

	if s.pendingSync != nil && *s.pendingSync == syncer.Everything {
		s.mu.Unlock()
		return
	}

	if slices.Contains(s.pendingAttachments, msgID) {
		s.mu.Unlock()
		return
	}

	s.pendingAttachments = append(s.pendingAttachments, msgID)
	s.mu.Unlock()

	s.logger.Debug("attachments requested", slog.Int64("message_id", msgID))
	s.signal()
}

// Cancel aborts the running job at its next cancellation check and drops
// everything queued.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingSync = nil
	s.pendingAttachments = nil

	if s.cancel != nil {
		s.cancel.Store(true)
	}
}

// Status returns the running job and the queue.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{PendingAttachments: slices.Clone(s.pendingAttachments)}

	if s.running != nil {
		job := *s.running
		st.Running = &job
	}

	if s.pendingSync != nil {
		mode := *s.pendingSync
		st.PendingSync = &mode
	}

	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It blocks until ctx is done; a job running at
// that moment sees the canceled context and stops.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")

	for {
		for {
			job, cancel, ok := s.next()
			if !ok {
				break
			}

			s.execute(ctx, job, cancel)

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// next dequeues the next job. Attachment downloads go before a queued
// sync.
func (s *Scheduler) next() (Job, *atomic.Bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job Job

	switch {
	case len(s.pendingAttachments) > 0:
		job = Job{Attachments: true, MessageID: s.pendingAttachments[0]}
		s.pendingAttachments = s.pendingAttachments[1:]
	case s.pendingSync != nil:
		job = Job{Mode: *s.pendingSync}
		s.pendingSync = nil
	default:
		return Job{}, nil, false
	}

	s.running = &job
	s.cancel = &atomic.Bool{}

	return job, s.cancel, true
}

func (s *Scheduler) execute(ctx context.Context, job Job, cancel *atomic.Bool) {
	started := s.now()

	var (
		p   syncer.SyncProgress
		err error
	)

	if job.Attachments {
		p, err = s.runner.DownloadAttachmentsForMessage(ctx, job.MessageID, cancel)
	} else {
		p, err = s.runner.Run(ctx, job.Mode, cancel)
	}

	s.mu.Lock()
	s.running = nil
	s.cancel = nil
	l := s.listener
	s.mu.Unlock()

	s.record(job, p, started, err)

	canceled := errors.Is(err, apperrors.ErrSyncCanceled)

	switch {
	case err == nil:
		if l != nil {
			l.Finished(job, p)
		}
	case canceled:
		if l != nil {
			l.Canceled(job, p)
		}
	default:
		if l != nil {
			l.Failed(job, p, err)
		}
	}
}

func (s *Scheduler) record(job Job, p syncer.SyncProgress, started time.Time, err error) {
	if s.recorder == nil {
		return
	}

	run := state.SyncRun{
		Kind:             job.Kind(),
		Started:          started,
		Finished:         s.now(),
		MessagesNew:      p.Incoming.CountNew,
		MessagesModified: p.Incoming.CountModified,
		MessagesDeleted:  p.Incoming.CountDeleted,
		UploadedBytes:    p.Outgoing.UploadedBytes,
		DownloadedBytes:  p.Attachments.DownloadedBytes,
	}

	if errors.Is(err, apperrors.ErrSyncCanceled) {
		run.Canceled = true
	} else if err != nil {
		run.Error = err.Error()
	}

	if err := s.recorder.RecordRun(run); err != nil {
		s.logger.Warn("failed to record sync run",
			slog.String("kind", run.Kind),
			slog.String("error", err.Error()),
		)
	}
}
