package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DraftState says whether a draft is being composed or queued for sending.
type DraftState string

const (
	DraftEditing DraftState = "editing"
	DraftSending DraftState = "sending"
)

// Draft is the single compose buffer of a conversation.
type Draft struct {
	ConversationID       int64      `db:"conversation_id"`
	State                DraftState `db:"state"`
	Text                 string     `db:"text"`
	Footer               string     `db:"footer"`
	SenderName           string     `db:"sender_name"`
	SenderOrganization   string     `db:"sender_organization"`
	SenderAvatarMimeType string     `db:"sender_avatar_mime_type"`
	SenderAvatar         []byte     `db:"sender_avatar"`
	LastModified         int64      `db:"last_modified"`
}

const draftColumns = `conversation_id, state, text, footer, sender_name, sender_organization,
	sender_avatar_mime_type, sender_avatar, last_modified`

// Clear resets the draft to an empty editing state. The row itself is kept
// so the conversation always has exactly one draft.
func (d *Draft) Clear() {
	d.State = DraftEditing
	d.Text = ""
	d.Footer = ""
}

// LoadDraft returns the draft of a conversation or nil.
func LoadDraft(ctx context.Context, q DBTX, conversationID int64) (*Draft, error) {
	var d Draft

	err := q.GetContext(ctx, &d, "SELECT "+draftColumns+" FROM drafts WHERE conversation_id = ?", conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading draft of conversation %d: %w", conversationID, err)
	}

	return &d, nil
}

// SaveDraft inserts or replaces the draft of d.ConversationID.
func SaveDraft(ctx context.Context, q DBTX, d *Draft) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO drafts (`+draftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ConversationID, string(d.State), d.Text, d.Footer, d.SenderName, d.SenderOrganization,
		d.SenderAvatarMimeType, d.SenderAvatar, d.LastModified)
	if err != nil {
		return fmt.Errorf("saving draft of conversation %d: %w", d.ConversationID, err)
	}

	return nil
}

// FirstSendableDraft returns the oldest draft in the sending state or nil.
func FirstSendableDraft(ctx context.Context, q DBTX) (*Draft, error) {
	var d Draft

	err := q.GetContext(ctx, &d,
		"SELECT "+draftColumns+" FROM drafts WHERE state = ? ORDER BY last_modified, conversation_id LIMIT 1",
		string(DraftSending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("finding sendable draft: %w", err)
	}

	return &d, nil
}

// SizeOfAllSendable estimates the bytes the uploader and sender will move
// for all queued drafts: one copy per participant plus the sender's own.
func SizeOfAllSendable(ctx context.Context, q DBTX) (int64, error) {
	const query = `
		WITH attsizes (message_id, total_size) AS (
			SELECT message_id, sum(size) FROM attachments WHERE draft = 1 GROUP BY message_id
		)
		SELECT coalesce(sum(
			(? + length(d.text) + coalesce(a.total_size, 0))
			* (length(c.participants) - length(replace(c.participants, ',', '')) + 2)
		), 0)
		FROM drafts d
		JOIN conversations c ON c.id = d.conversation_id
		LEFT JOIN attsizes a ON a.message_id = c.id
		WHERE d.state = ?`

	var size int64
	if err := q.GetContext(ctx, &size, query, PerMessageOverhead, string(DraftSending)); err != nil {
		return 0, fmt.Errorf("sizing sendable drafts: %w", err)
	}

	return size, nil
}
