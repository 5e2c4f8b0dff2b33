package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/kullo-sync/internal/codec"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// AttachmentSyncer downloads pending message attachments one message at a
// time.
type AttachmentSyncer struct {
	s *session

	est estimator
	// skipped is the declared size of attachments that failed this run and
	// stay pending.
	skipped  int64
	progress AttachmentsProgress
	emit     func(AttachmentsProgress)
}

// Run downloads attachments in message id order until none are pending. A
// message whose attachments fail verification is skipped for the rest of
// the run.
func (a *AttachmentSyncer) Run(ctx context.Context, cancel *atomic.Bool) error {
	db := a.s.store.DB()

	var after int64

	for {
		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		remaining, err := store.SizeOfAllDownloadable(ctx, db)
		if err != nil {
			return err
		}

		a.est.reset(remaining - a.skipped)
		a.set(a.est.totals())

		id, ok, err := store.MessageIDForFirstDownloadable(ctx, db, after)
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		if err := a.DownloadForMessage(ctx, cancel, id); err != nil {
			return err
		}

		after = id
	}
}

// DownloadForMessage downloads and stores all attachments of one message.
// All of them are stored or none: the content is written in one
// transaction that a failed download rolls back.
func (a *AttachmentSyncer) DownloadForMessage(ctx context.Context, cancel *atomic.Bool, msgID int64) error {
	db := a.s.store.DB()

	msg, err := store.LoadMessage(ctx, db, msgID, false)
	if err != nil {
		return err
	}

	if msg == nil || msg.Deleted {
		a.s.logger.Debug("no attachments to download for missing message", slog.Int64("message_id", msgID))
		return nil
	}

	done, err := store.AllAttachmentsDownloaded(ctx, db, msgID)
	if err != nil {
		return err
	}

	if done {
		return nil
	}

	atts, err := store.LoadAttachments(ctx, db, false, msgID)
	if err != nil {
		return err
	}

	var blockTotal int64
	for _, att := range atts {
		blockTotal += att.Size
	}

	// Downloading a single message on request starts without an estimate.
	if a.est.remaining == 0 {
		a.est.reset(blockTotal)
	}

	a.setBlock(msgID, AttachmentsBlockProgress{TotalBytes: blockTotal})

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	downloaded, err := a.download(ctx, cancel, msg, atts, blockTotal)
	a.est.finish(downloaded)

	if skippable(err) {
		a.skipped += blockTotal

		a.s.logger.Error("skipping attachments of message",
			slog.Int64("message_id", msgID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if err != nil {
		return err
	}

	a.setBlock(msgID, AttachmentsBlockProgress{DownloadedBytes: downloaded, TotalBytes: max(downloaded, blockTotal)})
	a.s.logger.Info("downloaded attachments", slog.Int64("message_id", msgID), slog.Int("count", len(atts)))
	a.s.events.messageAttachmentsDownloaded(msg.ConversationID, msgID)

	return nil
}

// download runs the transfer through the attachment pipeline inside one
// transaction and returns the number of raw bytes received.
func (a *AttachmentSyncer) download(ctx context.Context, cancel *atomic.Bool, msg *store.Message, atts []store.Attachment, blockTotal int64) (int64, error) {
	var received int64

	err := a.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		chain, err := codec.NewAttachmentDownloadChain(msg.SymmetricKey, atts, codec.NewStoreAttachmentFactory(ctx, tx, msg.ID))
		if err != nil {
			return err
		}

		defer chain.Abort()

		// Empty attachments are not sent by the server.
		if blockTotal > 0 {
			tctx, poll, stop := transferContext(ctx, cancel)
			defer stop()

			cw := &countingWriter{w: chain}

			err := a.s.api.DownloadAttachments(tctx, msg.ID, cw, func(tp kullo.TransferProgress) {
				a.transfer(msg.ID, blockTotal, tp)
				poll()
			})

			received = cw.n

			if err != nil {
				return fmt.Errorf("downloading attachments of message %d: %w", msg.ID, transportErr(err))
			}
		}

		return chain.Close()
	})

	return received, err
}

// transfer reports a running download. Once the transport knows the real
// size it replaces the block's declared size in the estimate.
func (a *AttachmentSyncer) transfer(msgID, blockTotal int64, tp kullo.TransferProgress) {
	a.progress.Blocks = ensureBlocks(a.progress.Blocks)
	a.progress.Blocks[msgID] = AttachmentsBlockProgress{
		DownloadedBytes: tp.DownloadTransferred,
		TotalBytes:      max(tp.DownloadTotal, tp.DownloadTransferred),
	}

	a.progress.DownloadedBytes, a.progress.TotalBytes = a.est.during(blockTotal, tp.DownloadTransferred, tp.DownloadTotal)
	a.report()
}

func (a *AttachmentSyncer) setBlock(msgID int64, b AttachmentsBlockProgress) {
	a.progress.Blocks = ensureBlocks(a.progress.Blocks)
	a.progress.Blocks[msgID] = b
	a.report()
}

func (a *AttachmentSyncer) set(downloaded, total int64) {
	if a.progress.DownloadedBytes == downloaded && a.progress.TotalBytes == total {
		return
	}

	a.progress.DownloadedBytes = downloaded
	a.progress.TotalBytes = total
	a.report()
}

func (a *AttachmentSyncer) report() {
	if a.emit != nil {
		a.emit(a.progress)
	}
}

func ensureBlocks(m map[int64]AttachmentsBlockProgress) map[int64]AttachmentsBlockProgress {
	if m == nil {
		return map[int64]AttachmentsBlockProgress{}
	}

	return m
}
