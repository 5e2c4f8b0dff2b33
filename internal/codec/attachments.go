package codec

import (
	"context"
	"fmt"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/internal/stream"
)

// AttachmentStreamFactory makes the sink one attachment's bytes are
// written to.
type AttachmentStreamFactory func(a store.Attachment) (stream.Sink, error)

// AttachmentSplittingSink splits the concatenated attachments of a message
// into one stream per attachment using the declared sizes. Each stream is
// opened and closed exactly once.
type AttachmentSplittingSink struct {
	pending []store.Attachment
	factory AttachmentStreamFactory

	current stream.Sink
	left    int64
}

// NewAttachmentSplittingSink creates a sink for attachments in index order.
func NewAttachmentSplittingSink(attachments []store.Attachment, factory AttachmentStreamFactory) *AttachmentSplittingSink {
	return &AttachmentSplittingSink{pending: attachments, factory: factory}
}

func (s *AttachmentSplittingSink) Write(p []byte) (int, error) {
	if s.current == nil {
		if err := s.next(); err != nil {
			return 0, err
		}
	}

	written := 0

	for s.current != nil && len(p) > 0 {
		n := int(min(int64(len(p)), s.left))

		if n > 0 {
			if _, err := s.current.Write(p[:n]); err != nil {
				return written, err
			}
		}

		p = p[n:]
		written += n
		s.left -= int64(n)

		if s.left == 0 {
			if err := s.closeCurrent(); err != nil {
				return written, err
			}

			if err := s.next(); err != nil {
				return written, err
			}
		}
	}

	if len(p) > 0 {
		return written, fmt.Errorf("%w: attachment stream is too long", apperrors.ErrIntegrityFailure)
	}

	return written, nil
}

// Close finishes trailing empty attachments and fails when the stream ended
// before all declared bytes arrived.
func (s *AttachmentSplittingSink) Close() error {
	if s.current == nil {
		if err := s.next(); err != nil {
			return err
		}
	}

	for s.current != nil && s.left == 0 {
		if err := s.closeCurrent(); err != nil {
			return err
		}

		if err := s.next(); err != nil {
			return err
		}
	}

	if s.current != nil || len(s.pending) > 0 {
		return fmt.Errorf("%w: attachment stream is too short", apperrors.ErrIntegrityFailure)
	}

	return nil
}

func (s *AttachmentSplittingSink) next() error {
	if len(s.pending) == 0 {
		return nil
	}

	a := s.pending[0]
	s.pending = s.pending[1:]

	sink, err := s.factory(a)
	if err != nil {
		return err
	}

	s.current = sink
	s.left = a.Size

	return nil
}

func (s *AttachmentSplittingSink) closeCurrent() error {
	sink := s.current
	s.current = nil

	return sink.Close()
}

// NewStoreAttachmentFactory returns a factory writing verified attachment
// content of messageID into the store through q.
func NewStoreAttachmentFactory(ctx context.Context, q store.DBTX, messageID int64) AttachmentStreamFactory {
	return func(a store.Attachment) (stream.Sink, error) {
		c := stream.NewChain(store.NewMessageAttachmentSink(ctx, q, messageID, a.Index, a.Size))
		if err := c.PushFilter(stream.NewHashVerifier(a.Hash)); err != nil {
			return nil, err
		}

		return c, nil
	}
}

// NewAttachmentDownloadChain builds the pipeline for a message's attachment
// download: raw size limit, decryption, gunzip, plaintext size limit and the
// splitting sink. The caller writes the server response into the chain and
// must close it; the stored content is only complete after Close succeeds.
func NewAttachmentDownloadChain(symmKey []byte, attachments []store.Attachment, factory AttachmentStreamFactory) (*stream.Chain, error) {
	var total int64
	for _, a := range attachments {
		total += a.Size
	}

	if total > AttachmentsMaxBytes {
		return nil, fmt.Errorf("%w: attachments declare %d bytes", apperrors.ErrInvalidContentFormat, total)
	}

	c := stream.NewChain(NewAttachmentSplittingSink(attachments, factory))

	// Nothing was encrypted when all attachments are empty.
	if total == 0 {
		return c, c.PushFilter(stream.NewSizeLimiter(0))
	}

	dec, err := stream.NewDecryptor(symmKey)
	if err != nil {
		return nil, fmt.Errorf("%w: message key: %v", apperrors.ErrInvalidContentFormat, err)
	}

	for _, f := range []stream.Filter{
		stream.NewSizeLimiter(AttachmentsMaxBytes),
		stream.NewGzipDecompressor(),
		dec,
		stream.NewSizeLimiter(maxAttachmentsWireBytes),
	} {
		if err := c.PushFilter(f); err != nil {
			return nil, err
		}
	}

	return c, nil
}
