package syncer

import (
	"context"

	"github.com/alexjbarnes/kullo-sync/internal/store"
)

// outgoingTracker is the upload progress shared by the uploader and the
// sender of one run.
type outgoingTracker struct {
	est      estimator
	progress OutgoingProgress
	emit     func(OutgoingProgress)
}

// refresh re-estimates the bytes left to upload from the queued drafts and
// the undelivered messages, and reports the result.
func (t *outgoingTracker) refresh(ctx context.Context, q store.DBTX) error {
	drafts, err := store.SizeOfAllSendable(ctx, q)
	if err != nil {
		return err
	}

	undelivered, err := store.SizeOfAllUndelivered(ctx, q)
	if err != nil {
		return err
	}

	t.est.reset(drafts + undelivered)
	t.set(t.est.totals())

	return nil
}

// transfer reports a running upload whose static estimate is est.
func (t *outgoingTracker) transfer(est, transferred, liveTotal int64) {
	t.set(t.est.during(est, transferred, liveTotal))
}

func (t *outgoingTracker) finish(n int64) {
	t.est.finish(n)
}

func (t *outgoingTracker) set(uploaded, total int64) {
	next := OutgoingProgress{UploadedBytes: uploaded, TotalBytes: total}
	if next == t.progress {
		return
	}

	t.progress = next

	if t.emit != nil {
		t.emit(next)
	}
}
