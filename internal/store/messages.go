package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is a local message. A message may exist twice: the current row
// and an "old" shadow holding the last state known to match the server.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	LastModified   int64
	Deleted        bool
	MetaVersion    int
	Read           bool
	Done           bool
	DateSent       time.Time
	DateReceived   time.Time
	Text           string
	Footer         string
	SymmetricKey   []byte
	Old            bool
}

// ClearData turns the message into a tombstone body: all content is
// removed, only id, lastModified and the deleted flag stay meaningful.
func (m *Message) ClearData() {
	m.ConversationID = 0
	m.Sender = ""
	m.DateSent = time.Time{}
	m.DateReceived = time.Time{}
	m.Text = ""
	m.Footer = ""
	m.SymmetricKey = nil
	m.MetaVersion = 0
	m.Read = false
	m.Done = false
}

type messageRow struct {
	ID             int64  `db:"id"`
	ConversationID int64  `db:"conversation_id"`
	Sender         string `db:"sender"`
	LastModified   int64  `db:"last_modified"`
	Deleted        bool   `db:"deleted"`
	MetaVersion    int    `db:"meta_version"`
	Read           bool   `db:"read"`
	Done           bool   `db:"done"`
	Sent           string `db:"sent"`
	Received       string `db:"received"`
	Text           string `db:"text"`
	Footer         string `db:"footer"`
	SymmetricKey   []byte `db:"symmetric_key"`
	Old            bool   `db:"old"`
}

const messageColumns = `id, conversation_id, sender, last_modified, deleted, meta_version,
	read, done, sent, received, text, footer, symmetric_key, old`

func (r *messageRow) message() *Message {
	return &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Sender:         r.Sender,
		LastModified:   r.LastModified,
		Deleted:        r.Deleted,
		MetaVersion:    r.MetaVersion,
		Read:           r.Read,
		Done:           r.Done,
		DateSent:       parseTime(r.Sent),
		DateReceived:   parseTime(r.Received),
		Text:           r.Text,
		Footer:         r.Footer,
		SymmetricKey:   r.SymmetricKey,
		Old:            r.Old,
	}
}

// LoadMessage returns the current (old=false) or shadow (old=true) row, or
// nil if it does not exist.
func LoadMessage(ctx context.Context, q DBTX, id int64, old bool) (*Message, error) {
	var r messageRow

	err := q.GetContext(ctx, &r, "SELECT "+messageColumns+" FROM messages WHERE id = ? AND old = ?", id, old)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading message %d: %w", id, err)
	}

	return r.message(), nil
}

// SaveMessage inserts or updates m. With createOld set and m being the
// current row, the persisted current row is first copied into a shadow
// unless one already exists, so the last synced state survives the edit.
func SaveMessage(ctx context.Context, q DBTX, m *Message, createOld bool) error {
	if createOld && !m.Old {
		const copyOld = `
			INSERT INTO messages (` + messageColumns + `)
			SELECT id, conversation_id, sender, last_modified, deleted, meta_version,
				read, done, sent, received, text, footer, symmetric_key, 1
			FROM messages
			WHERE id = ? AND old = 0
				AND NOT EXISTS (SELECT 1 FROM messages WHERE id = ? AND old = 1)`

		if _, err := q.ExecContext(ctx, copyOld, m.ID, m.ID); err != nil {
			return fmt.Errorf("creating shadow of message %d: %w", m.ID, err)
		}
	}

	const upsert = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, old) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender = excluded.sender,
			last_modified = excluded.last_modified,
			deleted = excluded.deleted,
			meta_version = excluded.meta_version,
			read = excluded.read,
			done = excluded.done,
			sent = excluded.sent,
			received = excluded.received,
			text = excluded.text,
			footer = excluded.footer,
			symmetric_key = excluded.symmetric_key`

	_, err := q.ExecContext(ctx, upsert,
		m.ID, m.ConversationID, m.Sender, m.LastModified, m.Deleted, m.MetaVersion,
		m.Read, m.Done, formatTime(m.DateSent), formatTime(m.DateReceived),
		m.Text, m.Footer, m.SymmetricKey, m.Old)
	if err != nil {
		return fmt.Errorf("saving message %d: %w", m.ID, err)
	}

	return nil
}

// DropOldMessage removes the shadow row of a message.
func DropOldMessage(ctx context.Context, q DBTX, id int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND old = 1", id); err != nil {
		return fmt.Errorf("dropping shadow of message %d: %w", id, err)
	}

	return nil
}

// LocallyModifiedMessageIDs returns ids of messages with pending local
// changes whose meta version this client can write.
func LocallyModifiedMessageIDs(ctx context.Context, q DBTX, maxMetaVersion int) ([]int64, error) {
	var ids []int64

	err := q.SelectContext(ctx, &ids,
		"SELECT id FROM messages WHERE old = 1 AND meta_version <= ? ORDER BY id", maxMetaVersion)
	if err != nil {
		return nil, fmt.Errorf("listing locally modified messages: %w", err)
	}

	return ids, nil
}

// ListMessages returns the live messages of a conversation in id order.
func ListMessages(ctx context.Context, q DBTX, conversationID int64) ([]*Message, error) {
	var rows []messageRow

	err := q.SelectContext(ctx, &rows,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? AND old = 0 AND deleted = 0 ORDER BY id",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of conversation %d: %w", conversationID, err)
	}

	out := make([]*Message, len(rows))
	for i := range rows {
		out[i] = rows[i].message()
	}

	return out, nil
}

// PerMessageOverhead approximates the bytes a message adds on the wire on
// top of its text and attachments. Used only for progress estimates.
const PerMessageOverhead = 1024

// SizeOfAllUndelivered estimates the bytes still to be sent for messages
// with unsent delivery rows, counting one copy per pending recipient.
func SizeOfAllUndelivered(ctx context.Context, q DBTX) (int64, error) {
	const query = `
		WITH pending (message_id, recipients) AS (
			SELECT message_id, count(*) FROM delivery WHERE state = 'unsent' GROUP BY message_id
		), attsizes (message_id, total_size) AS (
			SELECT message_id, sum(size) FROM attachments WHERE draft = 0 GROUP BY message_id
		)
		SELECT coalesce(sum((? + length(m.text) + coalesce(a.total_size, 0)) * p.recipients), 0)
		FROM pending p
		JOIN messages m ON m.id = p.message_id AND m.old = 0
		LEFT JOIN attsizes a ON a.message_id = p.message_id`

	var size int64
	if err := q.GetContext(ctx, &size, query, PerMessageOverhead); err != nil {
		return 0, fmt.Errorf("sizing undelivered messages: %w", err)
	}

	return size, nil
}
