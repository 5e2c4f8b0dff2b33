package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sender is the sender snapshot stored with each message.
type Sender struct {
	MessageID      int64  `db:"message_id"`
	Address        string `db:"address"`
	Name           string `db:"name"`
	Organization   string `db:"organization"`
	AvatarMimeType string `db:"avatar_mime_type"`
	Avatar         []byte `db:"avatar"`
}

// SaveSender inserts or replaces the sender of a message.
func SaveSender(ctx context.Context, q DBTX, s *Sender) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO senders (message_id, address, name, organization, avatar_mime_type, avatar)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.MessageID, s.Address, s.Name, s.Organization, s.AvatarMimeType, s.Avatar)
	if err != nil {
		return fmt.Errorf("saving sender of message %d: %w", s.MessageID, err)
	}

	return nil
}

// LoadSender returns the sender of a message or nil.
func LoadSender(ctx context.Context, q DBTX, messageID int64) (*Sender, error) {
	var s Sender

	err := q.GetContext(ctx, &s, `
		SELECT message_id, address, name, organization, avatar_mime_type, avatar
		FROM senders WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading sender of message %d: %w", messageID, err)
	}

	return &s, nil
}

// DeleteSender removes the sender of a message.
func DeleteSender(ctx context.Context, q DBTX, messageID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM senders WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("deleting sender of message %d: %w", messageID, err)
	}

	return nil
}
