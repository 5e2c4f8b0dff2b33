package mcpserver

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/kullo-sync/internal/state"
	"github.com/alexjbarnes/kullo-sync/internal/store"
)

// SyncResult is returned by sync_run and sync_download_attachments.
type SyncResult struct {
	Queued             string                   `json:"queued"`
	Running            string                   `json:"running,omitempty"`
	PendingSync        string                   `json:"pending_sync,omitempty"`
	PendingAttachments []int64                  `json:"pending_attachments,omitempty"`
	LastRuns           map[string]state.SyncRun `json:"last_runs,omitempty"`
}

// ConversationEntry is one conversation in a listing.
type ConversationEntry struct {
	ID            int64    `json:"id"`
	Participants  []string `json:"participants"`
	Messages      int      `json:"messages"`
	Unread        int      `json:"unread"`
	LatestMessage string   `json:"latest_message,omitempty"`
}

// ConversationsResult is returned by conversations_list.
type ConversationsResult struct {
	Total         int                 `json:"total"`
	Conversations []ConversationEntry `json:"conversations"`
}

// MessageEntry summarises one message.
type MessageEntry struct {
	ID                    int64     `json:"id"`
	ConversationID        int64     `json:"conversation_id"`
	Sender                string    `json:"sender"`
	DateSent              time.Time `json:"date_sent"`
	Read                  bool      `json:"read"`
	Done                  bool      `json:"done"`
	Preview               string    `json:"preview,omitempty"`
	Attachments           int       `json:"attachments"`
	AttachmentsDownloaded bool      `json:"attachments_downloaded"`
}

// MessagesResult is returned by messages_list.
type MessagesResult struct {
	ConversationID int64          `json:"conversation_id"`
	Participants   []string       `json:"participants"`
	Total          int            `json:"total"`
	Offset         int            `json:"offset"`
	Messages       []MessageEntry `json:"messages"`
}

// AttachmentEntry is the metadata of one message attachment.
type AttachmentEntry struct {
	Index      int64  `json:"index"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	Note       string `json:"note,omitempty"`
	Downloaded bool   `json:"downloaded"`
}

// MessageResult is returned by message_read.
type MessageResult struct {
	ID                    int64     `json:"id"`
	ConversationID        int64     `json:"conversation_id"`
	Sender                string    `json:"sender"`
	DateSent              time.Time `json:"date_sent"`
	Read                  bool      `json:"read"`
	Done                  bool      `json:"done"`
	AttachmentsDownloaded bool      `json:"attachments_downloaded"`

	SenderName         string            `json:"sender_name,omitempty"`
	SenderOrganization string            `json:"sender_organization,omitempty"`
	DateReceived       time.Time         `json:"date_received"`
	Text               string            `json:"text"`
	Footer             string            `json:"footer,omitempty"`
	Attachments        []AttachmentEntry `json:"attachments,omitempty"`
}

// EMLResult is returned by message_export_eml.
type EMLResult struct {
	MessageID          int64    `json:"message_id"`
	EML                string   `json:"eml"`
	PendingAttachments []string `json:"pending_attachments,omitempty"`
}

// DeliveryEntry is the delivery outcome for one recipient.
type DeliveryEntry struct {
	Recipient string     `json:"recipient"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
}

// DeliveryResult is returned by delivery_status.
type DeliveryResult struct {
	MessageID  int64           `json:"message_id"`
	Recipients []DeliveryEntry `json:"recipients"`
}

func messageEntry(ctx context.Context, q store.DBTX, m *store.Message) (MessageEntry, error) {
	entry := MessageEntry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		DateSent:       m.DateSent,
		Read:           m.Read,
		Done:           m.Done,
		Preview:        preview(m.Text),
	}

	atts, err := store.LoadAttachments(ctx, q, false, m.ID)
	if err != nil {
		return MessageEntry{}, err
	}

	entry.Attachments = len(atts)

	if len(atts) > 0 {
		done, err := store.AllAttachmentsDownloaded(ctx, q, m.ID)
		if err != nil {
			return MessageEntry{}, err
		}

		entry.AttachmentsDownloaded = done
	}

	return entry, nil
}

// preview collapses whitespace and cuts the text to previewLen runes.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}

	return string([]rune(text)[:previewLen]) + "…"
}
