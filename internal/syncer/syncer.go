package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
)

// Syncer runs the sync phases in their fixed order: keys, outgoing
// messages, profile, incoming messages and incoming attachments. A Syncer
// is not safe for concurrent runs; the scheduler serialises them.
type Syncer struct {
	s      *session
	logger *slog.Logger
}

// New creates a Syncer. cfg.API, cfg.Store and cfg.Credentials are
// required.
func New(cfg Config, logger *slog.Logger) *Syncer {
	return &Syncer{
		s:      newSession(cfg, logger),
		logger: logger,
	}
}

// run is the progress of one Run or DownloadAttachmentsForMessage call.
type run struct {
	s        *session
	progress SyncProgress
}

func (s *Syncer) newRun() *run {
	return &run{
		s: s.s,
		progress: SyncProgress{
			Incoming: IncomingMessagesProgress{CountLeft: -1, CountTotal: -1},
		},
	}
}

func (r *run) enter(p Phase) {
	r.progress.Phase = p
	r.report()
}

func (r *run) report() {
	r.s.events.progressed(r.progress.clone())
}

// Run syncs according to mode. Setting cancel aborts the run at the next
// check with ErrSyncCanceled; work committed before that stays committed.
// Finished is emitted only for a complete run.
func (s *Syncer) Run(ctx context.Context, mode Mode, cancel *atomic.Bool) (SyncProgress, error) {
	start := s.s.now()
	r := s.newRun()

	s.logger.Info("sync started", slog.String("mode", mode.String()))

	err := s.runPhases(ctx, r, mode, cancel)
	r.progress.RunTime = s.s.now().Sub(start)

	if err != nil {
		s.logFailure(r.progress, err)
		return r.progress.clone(), err
	}

	s.logger.Info("sync finished",
		slog.String("mode", mode.String()),
		slog.Duration("run_time", r.progress.RunTime),
		slog.Int("messages_new", r.progress.Incoming.CountNew),
		slog.Int("messages_modified", r.progress.Incoming.CountModified),
		slog.Int("messages_deleted", r.progress.Incoming.CountDeleted),
		slog.Int64("uploaded_bytes", r.progress.Outgoing.UploadedBytes),
		slog.Int64("downloaded_bytes", r.progress.Attachments.DownloadedBytes),
	)

	s.s.events.finished(r.progress.clone())

	return r.progress.clone(), nil
}

func (s *Syncer) runPhases(ctx context.Context, r *run, mode Mode, cancel *atomic.Bool) error {
	keys := &KeysSyncer{s: s.s}

	r.enter(PhaseKeys)

	if err := keys.Run(ctx, cancel); err != nil {
		return err
	}

	outgoing := &outgoingTracker{emit: func(p OutgoingProgress) {
		r.progress.Outgoing = p
		r.report()
	}}

	r.enter(PhaseOutgoingMessages)

	if err := (&MessagesUploader{s: s.s, outgoing: outgoing}).Run(ctx, cancel); err != nil {
		return err
	}

	if err := (&MessagesSender{s: s.s, outgoing: outgoing}).Run(ctx, cancel); err != nil {
		return err
	}

	if mode == SendOnly {
		return nil
	}

	r.enter(PhaseProfile)

	if err := (&ProfileSyncer{s: s.s}).Run(ctx, cancel); err != nil {
		return err
	}

	r.enter(PhaseIncomingMessages)

	messages := &MessagesSyncer{
		s: s.s,
		refreshKeys: func(ctx context.Context) error {
			return keys.Run(ctx, cancel)
		},
		progress: r.progress.Incoming,
		emit: func(p IncomingMessagesProgress) {
			r.progress.Incoming = p
			r.report()
		},
	}

	if err := messages.Run(ctx, cancel); err != nil {
		return err
	}

	if mode != Everything {
		return nil
	}

	r.enter(PhaseIncomingAttachments)

	return s.attachmentSyncer(r).Run(ctx, cancel)
}

func (s *Syncer) attachmentSyncer(r *run) *AttachmentSyncer {
	return &AttachmentSyncer{
		s: s.s,
		emit: func(p AttachmentsProgress) {
			r.progress.Attachments = p
			r.report()
		},
	}
}

// DownloadAttachmentsForMessage downloads the attachments of one message
// outside a full run.
func (s *Syncer) DownloadAttachmentsForMessage(ctx context.Context, msgID int64, cancel *atomic.Bool) (SyncProgress, error) {
	start := s.s.now()
	r := s.newRun()

	r.enter(PhaseIncomingAttachments)

	err := s.attachmentSyncer(r).DownloadForMessage(ctx, cancel, msgID)
	r.progress.RunTime = s.s.now().Sub(start)

	if err != nil {
		s.logFailure(r.progress, fmt.Errorf("message %d: %w", msgID, err))
		return r.progress.clone(), err
	}

	s.s.events.finished(r.progress.clone())

	return r.progress.clone(), nil
}

func (s *Syncer) logFailure(p SyncProgress, err error) {
	if errors.Is(err, apperrors.ErrSyncCanceled) {
		s.logger.Info("sync canceled", slog.String("phase", p.Phase.String()))
		return
	}

	s.logger.Error("sync failed",
		slog.String("phase", p.Phase.String()),
		slog.String("error", err.Error()),
	)
}
