package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/kullo-sync/internal/codec"
	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// Config holds the collaborators of a Syncer.
type Config struct {
	API         API
	Store       *store.Store
	Credentials kullo.Credentials
	Crypto      kullo.Crypto
	Events      Events
	// Now defaults to time.Now.
	Now func() time.Time
}

// session is what every phase shares.
type session struct {
	api    API
	store  *store.Store
	creds  kullo.Credentials
	crypto kullo.Crypto
	keys   *codec.PrivateKeyProvider
	events *Events
	logger *slog.Logger
	now    func() time.Time
}

func newSession(cfg Config, logger *slog.Logger) *session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	events := cfg.Events

	return &session{
		api:    cfg.API,
		store:  cfg.Store,
		creds:  cfg.Credentials,
		crypto: cfg.Crypto,
		keys:   codec.NewPrivateKeyProvider(cfg.Store.DB()),
		events: &events,
		logger: logger,
		now:    now,
	}
}

func (s *session) user() kullo.Address {
	return s.creds.Address
}

// privateDataKey loads the key that protects meta and profile values. Key
// sync stores it first, so its absence is an integrity error.
func (s *session) privateDataKey(ctx context.Context) ([]byte, error) {
	key, err := store.SymmetricKey(ctx, s.store.DB(), store.PrivateDataKey)
	if err != nil {
		return nil, err
	}

	if key == nil {
		return nil, fmt.Errorf("%w: private data key missing", apperrors.ErrDatabaseIntegrity)
	}

	return key, nil
}

// SignatureKey resolves a sender's public signature key from the local
// key pairs for the user's own messages and from the public key cache for
// everyone else.
func (s *session) SignatureKey(ctx context.Context, address kullo.Address, id int64) ([]byte, error) {
	if address == s.user() {
		kp, err := store.LoadKeyPair(ctx, s.store.DB(), string(kullo.KeyTypeSignature), id)
		if err != nil {
			return nil, err
		}

		if kp != nil {
			return kp.PublicKey, nil
		}
	}

	return store.PublicKey(ctx, s.store.DB(), address.String(), string(kullo.KeyTypeSignature), id)
}

// checkCanceled returns ErrSyncCanceled once the flag is set or ctx is done.
func checkCanceled(ctx context.Context, cancel *atomic.Bool) error {
	if cancel != nil && cancel.Load() {
		return apperrors.ErrSyncCanceled
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrSyncCanceled, err)
	}

	return nil
}

// transportErr turns a canceled request into ErrSyncCanceled.
func transportErr(err error) error {
	if errors.Is(err, apperrors.ErrCanceled) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", apperrors.ErrSyncCanceled, err)
	}

	return err
}

// transferContext derives the context of a long transfer. poll is called
// from progress callbacks and aborts the transfer once the flag is set.
func transferContext(ctx context.Context, cancel *atomic.Bool) (tctx context.Context, poll func(), stop context.CancelFunc) {
	tctx, stop = context.WithCancel(ctx)

	poll = func() {
		if cancel != nil && cancel.Load() {
			stop()
		}
	}

	return tctx, poll, stop
}

// skippable reports errors that make one message, attachment block or
// profile value unusable without affecting the rest of the run. The item is
// left as it is so a later client may handle it.
func skippable(err error) bool {
	for _, target := range []error{
		apperrors.ErrInvalidContentFormat,
		apperrors.ErrUnsupportedContentVersion,
		apperrors.ErrDecryptionKeyMissing,
		apperrors.ErrSignatureVerificationKeyMissing,
		apperrors.ErrSignatureVerificationFailed,
		apperrors.ErrIntegrityFailure,
		apperrors.ErrGZipStream,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// estimator tracks bytes moved over a sequence of transfers against an
// estimate of what is left. While a transfer runs, its static estimate is
// replaced by the transport's total once that is known. Only convergence
// is guaranteed: when nothing is left the total equals the bytes moved.
type estimator struct {
	done      int64
	remaining int64
}

func (e *estimator) reset(remaining int64) {
	e.remaining = max(remaining, 0)
}

// during returns transferred and total bytes while a transfer with the
// static estimate est has moved transferred of liveTotal bytes.
func (e *estimator) during(est, transferred, liveTotal int64) (int64, int64) {
	remaining := e.remaining
	if liveTotal > 0 {
		remaining = remaining - est + max(liveTotal, transferred)
	}

	return e.done + transferred, e.done + max(remaining, transferred)
}

// finish books n bytes of a completed transfer.
func (e *estimator) finish(n int64) {
	e.done += n
}

func (e *estimator) totals() (int64, int64) {
	return e.done, e.done + e.remaining
}

// countingWriter counts bytes accepted by w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)

	return n, err
}
