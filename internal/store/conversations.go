package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// participantSeparator joins the sorted participant set in one column.
const participantSeparator = ","

// Conversation is a participant set. The local user is never a member.
type Conversation struct {
	ID           int64  `db:"id"`
	Participants string `db:"participants"`
}

// ParticipantList splits the stored participant set.
func (c *Conversation) ParticipantList() []string {
	if c.Participants == "" {
		return nil
	}

	return strings.Split(c.Participants, participantSeparator)
}

// JoinParticipants returns the canonical, sorted and deduplicated form of a
// participant set.
func JoinParticipants(addrs []string) string {
	set := make([]string, 0, len(addrs))

	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			set = append(set, a)
		}
	}

	slices.Sort(set)

	return strings.Join(slices.Compact(set), participantSeparator)
}

// LoadConversation returns the conversation or nil if it does not exist.
func LoadConversation(ctx context.Context, q DBTX, id int64) (*Conversation, error) {
	var c Conversation

	err := q.GetContext(ctx, &c, "SELECT id, participants FROM conversations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading conversation %d: %w", id, err)
	}

	return &c, nil
}

// FindOrCreateConversation returns the conversation for the participant set,
// creating it together with its empty draft when absent. created reports
// whether a new row was inserted.
func FindOrCreateConversation(ctx context.Context, q DBTX, participants []string) (conv *Conversation, created bool, err error) {
	joined := JoinParticipants(participants)
	if joined == "" {
		return nil, false, errors.New("conversation needs at least one participant")
	}

	var c Conversation

	err = q.GetContext(ctx, &c, "SELECT id, participants FROM conversations WHERE participants = ?", joined)
	if err == nil {
		return &c, false, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("finding conversation: %w", err)
	}

	res, err := q.ExecContext(ctx, "INSERT INTO conversations (participants) VALUES (?)", joined)
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("reading conversation id: %w", err)
	}

	if err := SaveDraft(ctx, q, &Draft{ConversationID: id, State: DraftEditing}); err != nil {
		return nil, false, err
	}

	return &Conversation{ID: id, Participants: joined}, true, nil
}

// ConversationSummary is a conversation with counters for listings.
type ConversationSummary struct {
	Conversation
	Messages      int    `db:"messages"`
	Unread        int    `db:"unread"`
	LatestMessage string `db:"latest_message"`
}

// ListConversations returns all conversations, most recently active first.
func ListConversations(ctx context.Context, q DBTX) ([]ConversationSummary, error) {
	const query = `
		SELECT c.id, c.participants,
			count(m.id) AS messages,
			coalesce(sum(CASE WHEN m.read = 0 THEN 1 ELSE 0 END), 0) AS unread,
			coalesce(max(m.received), '') AS latest_message
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id AND m.old = 0 AND m.deleted = 0
		GROUP BY c.id
		ORDER BY latest_message DESC, c.id ASC`

	var out []ConversationSummary
	if err := q.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return out, nil
}
