package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
)

// Attachment is the metadata of a draft or message attachment. For drafts
// MessageID holds the conversation id.
type Attachment struct {
	Draft     bool   `db:"draft"`
	MessageID int64  `db:"message_id"`
	Index     int64  `db:"idx"`
	Filename  string `db:"filename"`
	MimeType  string `db:"mime_type"`
	Size      int64  `db:"size"`
	Hash      string `db:"hash"`
	Note      string `db:"note"`
}

const attachmentColumns = "draft, message_id, idx, filename, mime_type, size, hash, note"

// SaveAttachment inserts or updates attachment metadata. content is stored
// when non-nil; a message attachment saved with nil content is pending
// download.
func SaveAttachment(ctx context.Context, q DBTX, a *Attachment, content []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO attachments (`+attachmentColumns+`, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CASE WHEN ? THEN NULL ELSE coalesce(?, x'') END)
		ON CONFLICT (draft, message_id, idx) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size = excluded.size,
			hash = excluded.hash,
			note = excluded.note,
			content = coalesce(excluded.content, attachments.content)`,
		a.Draft, a.MessageID, a.Index, a.Filename, a.MimeType, a.Size, a.Hash, a.Note, content == nil, content)
	if err != nil {
		return fmt.Errorf("saving attachment %d of %d: %w", a.Index, a.MessageID, err)
	}

	return nil
}

// LoadAttachments returns the attachments of a draft or message in index
// order.
func LoadAttachments(ctx context.Context, q DBTX, draft bool, messageID int64) ([]Attachment, error) {
	var out []Attachment

	err := q.SelectContext(ctx, &out,
		"SELECT "+attachmentColumns+" FROM attachments WHERE draft = ? AND message_id = ? ORDER BY idx",
		draft, messageID)
	if err != nil {
		return nil, fmt.Errorf("loading attachments of %d: %w", messageID, err)
	}

	return out, nil
}

// AttachmentContent returns the stored bytes, or nil when not downloaded.
func AttachmentContent(ctx context.Context, q DBTX, draft bool, messageID, index int64) ([]byte, error) {
	var content []byte

	err := q.GetContext(ctx, &content,
		"SELECT content FROM attachments WHERE draft = ? AND message_id = ? AND idx = ?",
		draft, messageID, index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %d of %d: %w", index, messageID, apperrors.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("loading attachment %d of %d: %w", index, messageID, err)
	}

	return content, nil
}

// SizeOfAttachments sums the declared sizes of a draft's or message's
// attachments.
func SizeOfAttachments(ctx context.Context, q DBTX, draft bool, messageID int64) (int64, error) {
	var size int64

	err := q.GetContext(ctx, &size,
		"SELECT coalesce(sum(size), 0) FROM attachments WHERE draft = ? AND message_id = ?",
		draft, messageID)
	if err != nil {
		return 0, fmt.Errorf("sizing attachments of %d: %w", messageID, err)
	}

	return size, nil
}

// SizeOfAllDownloadable sums the declared sizes of all message attachments
// not yet downloaded.
func SizeOfAllDownloadable(ctx context.Context, q DBTX) (int64, error) {
	var size int64

	err := q.GetContext(ctx, &size,
		"SELECT coalesce(sum(size), 0) FROM attachments WHERE draft = 0 AND content IS NULL")
	if err != nil {
		return 0, fmt.Errorf("sizing downloadable attachments: %w", err)
	}

	return size, nil
}

// MessageIDForFirstDownloadable returns the lowest message id above after
// with an attachment pending download. ok is false when nothing is pending.
func MessageIDForFirstDownloadable(ctx context.Context, q DBTX, after int64) (id int64, ok bool, err error) {
	err = q.GetContext(ctx, &id,
		"SELECT message_id FROM attachments WHERE draft = 0 AND content IS NULL AND message_id > ? ORDER BY message_id LIMIT 1",
		after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("finding downloadable attachments: %w", err)
	}

	return id, true, nil
}

// AllAttachmentsDownloaded reports whether every attachment of a message
// has content.
func AllAttachmentsDownloaded(ctx context.Context, q DBTX, messageID int64) (bool, error) {
	var pending int

	err := q.GetContext(ctx, &pending,
		"SELECT count(*) FROM attachments WHERE draft = 0 AND message_id = ? AND content IS NULL", messageID)
	if err != nil {
		return false, fmt.Errorf("checking attachments of %d: %w", messageID, err)
	}

	return pending == 0, nil
}

// ConvertDraftAttachments moves a conversation's draft attachments to a
// message, keeping their indexes and content.
func ConvertDraftAttachments(ctx context.Context, q DBTX, conversationID, messageID int64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE attachments SET draft = 0, message_id = ? WHERE draft = 1 AND message_id = ?",
		messageID, conversationID)
	if err != nil {
		return fmt.Errorf("converting draft attachments of conversation %d: %w", conversationID, err)
	}

	return nil
}

// DeleteAttachments removes all attachments of a draft or message.
func DeleteAttachments(ctx context.Context, q DBTX, draft bool, messageID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM attachments WHERE draft = ? AND message_id = ?", draft, messageID); err != nil {
		return fmt.Errorf("deleting attachments of %d: %w", messageID, err)
	}

	return nil
}

func setAttachmentContent(ctx context.Context, q DBTX, messageID, index int64, content []byte) error {
	res, err := q.ExecContext(ctx,
		"UPDATE attachments SET content = coalesce(?, x'') WHERE draft = 0 AND message_id = ? AND idx = ?",
		content, messageID, index)
	if err != nil {
		return fmt.Errorf("storing attachment %d of %d: %w", index, messageID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: attachment %d of message %d is gone", apperrors.ErrDatabaseIntegrity, index, messageID)
	}

	return nil
}

// MessageAttachmentSink receives the content of one message attachment.
// Writes beyond the declared size fail immediately; Close fails unless
// exactly the declared size was written, and only then stores the content.
// database/sql offers no incremental blob handle, so the content is
// collected in memory and written with a single statement.
type MessageAttachmentSink struct {
	ctx       context.Context
	q         DBTX
	messageID int64
	index     int64
	size      int64

	buf    []byte
	closed bool
}

// NewMessageAttachmentSink creates a sink for attachment index of messageID
// with the declared size.
func NewMessageAttachmentSink(ctx context.Context, q DBTX, messageID, index, size int64) *MessageAttachmentSink {
	return &MessageAttachmentSink{
		ctx:       ctx,
		q:         q,
		messageID: messageID,
		index:     index,
		size:      size,
	}
}

func (s *MessageAttachmentSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write to closed attachment sink")
	}

	if int64(len(s.buf))+int64(len(p)) > s.size {
		return 0, fmt.Errorf("%w: attachment %d of message %d is larger than its declared %d bytes",
			apperrors.ErrIntegrityFailure, s.index, s.messageID, s.size)
	}

	if s.buf == nil {
		s.buf = make([]byte, 0, s.size)
	}

	s.buf = append(s.buf, p...)

	return len(p), nil
}

// Close verifies the size and stores the content.
func (s *MessageAttachmentSink) Close() error {
	if s.closed {
		return errors.New("attachment sink closed twice")
	}

	s.closed = true

	if int64(len(s.buf)) != s.size {
		return fmt.Errorf("%w: attachment %d of message %d has %d bytes, declared %d",
			apperrors.ErrIntegrityFailure, s.index, s.messageID, len(s.buf), s.size)
	}

	return setAttachmentContent(s.ctx, s.q, s.messageID, s.index, s.buf)
}
