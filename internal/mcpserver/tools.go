// Package mcpserver registers MCP tools that expose the local mailbox and
// let an agent trigger syncs. It adapts the store, delivery and scheduler
// packages to the MCP SDK's tool handler interface.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/kullo-sync/internal/delivery"
	"github.com/alexjbarnes/kullo-sync/internal/eml"
	"github.com/alexjbarnes/kullo-sync/internal/scheduler"
	"github.com/alexjbarnes/kullo-sync/internal/state"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/internal/syncer"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

const (
	// defaultMessagesLimit applies when messages_list gets no limit.
	defaultMessagesLimit = 50

	// previewLen is the number of characters shown per message in
	// listings.
	previewLen = 120
)

// Scheduler is the subset of scheduler.Scheduler the tools use.
type Scheduler interface {
	RequestSync(mode syncer.Mode)
	RequestAttachments(msgID int64)
	Status() scheduler.Status
}

// Runs reports the last outcome of each job kind. Implemented by
// *state.State.
type Runs interface {
	AllRuns() (map[string]state.SyncRun, error)
}

// Deps are the collaborators of the tools.
type Deps struct {
	Store     *store.Store
	Scheduler Scheduler
	Runs      Runs
	Self      kullo.Address
}

// RegisterTools adds all mailbox tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_run",
		Description: "Queue a sync with the server. mode is send_only, without_attachments (default) or everything. Returns the queue state and the outcome of the last run of each kind; call again later to see the new outcome.",
	}, syncRunHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_download_attachments",
		Description: "Queue the download of one message's attachments without running a full sync.",
	}, downloadAttachmentsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversations_list",
		Description: "List conversations with their participants, message and unread counts, most recently active first.",
	}, conversationsListHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "messages_list",
		Description: "List the messages of a conversation, oldest first, with a short text preview. Supports offset/limit pagination.",
	}, messagesListHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_read",
		Description: "Read one message: sender, full text, footer, flags and attachment metadata.",
	}, messageReadHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_export_eml",
		Description: "Render one message as an RFC 5322 .eml document including downloaded attachments.",
	}, exportEMLHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delivery_status",
		Description: "Show per-recipient delivery state (unsent, delivered, failed with reason) of a message you sent.",
	}, deliveryStatusHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SyncRunInput holds parameters for sync_run.
type SyncRunInput struct {
	Mode string `json:"mode,omitempty" jsonschema:"send_only, without_attachments or everything; defaults to without_attachments"`
}

// MessageInput identifies one message.
type MessageInput struct {
	MessageID int64 `json:"message_id" jsonschema:"required,message id"`
}

// ConversationsListInput has no parameters.
type ConversationsListInput struct{}

// MessagesListInput holds parameters for messages_list.
type MessagesListInput struct {
	ConversationID int64 `json:"conversation_id" jsonschema:"required,conversation id"`
	Offset         int   `json:"offset,omitempty" jsonschema:"number of messages to skip"`
	Limit          int   `json:"limit,omitempty" jsonschema:"maximum number of messages, defaults to 50"`
}

// --- Handlers ---

func syncRunHandler(d Deps) mcp.ToolHandlerFor[SyncRunInput, *SyncResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SyncRunInput) (*mcp.CallToolResult, *SyncResult, error) {
		mode, err := syncer.ParseMode(input.Mode)
		if err != nil {
			return nil, nil, err
		}

		d.Scheduler.RequestSync(mode)

		result, err := syncResult(d, mode.String())
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func downloadAttachmentsHandler(d Deps) mcp.ToolHandlerFor[MessageInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *SyncResult, error) {
		if _, err := liveMessage(ctx, d, input.MessageID); err != nil {
			return nil, nil, err
		}

		atts, err := store.LoadAttachments(ctx, d.Store.DB(), false, input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		if len(atts) == 0 {
			return nil, nil, fmt.Errorf("message %d has no attachments", input.MessageID)
		}

		d.Scheduler.RequestAttachments(input.MessageID)

		result, err := syncResult(d, scheduler.KindAttachments)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func conversationsListHandler(d Deps) mcp.ToolHandlerFor[ConversationsListInput, *ConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ConversationsListInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		convs, err := store.ListConversations(ctx, d.Store.DB())
		if err != nil {
			return nil, nil, err
		}

		result := &ConversationsResult{Conversations: make([]ConversationEntry, 0, len(convs))}

		for _, c := range convs {
			result.Conversations = append(result.Conversations, ConversationEntry{
				ID:            c.ID,
				Participants:  c.ParticipantList(),
				Messages:      c.Messages,
				Unread:        c.Unread,
				LatestMessage: c.LatestMessage,
			})
		}

		result.Total = len(result.Conversations)

		return textResult(result), result, nil
	}
}

func messagesListHandler(d Deps) mcp.ToolHandlerFor[MessagesListInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessagesListInput) (*mcp.CallToolResult, *MessagesResult, error) {
		db := d.Store.DB()

		conv, err := store.LoadConversation(ctx, db, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		if conv == nil {
			return nil, nil, fmt.Errorf("conversation %d not found", input.ConversationID)
		}

		msgs, err := store.ListMessages(ctx, db, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessagesLimit
		}

		offset := min(max(input.Offset, 0), len(msgs))
		page := msgs[offset:min(offset+limit, len(msgs))]

		result := &MessagesResult{
			ConversationID: conv.ID,
			Participants:   conv.ParticipantList(),
			Total:          len(msgs),
			Offset:         offset,
			Messages:       make([]MessageEntry, 0, len(page)),
		}

		for _, m := range page {
			entry, err := messageEntry(ctx, db, m)
			if err != nil {
				return nil, nil, err
			}

			result.Messages = append(result.Messages, entry)
		}

		return textResult(result), result, nil
	}
}

func messageReadHandler(d Deps) mcp.ToolHandlerFor[MessageInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *MessageResult, error) {
		db := d.Store.DB()

		m, err := liveMessage(ctx, d, input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		entry, err := messageEntry(ctx, db, m)
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{
			ID:                    entry.ID,
			ConversationID:        entry.ConversationID,
			Sender:                entry.Sender,
			DateSent:              entry.DateSent,
			Read:                  entry.Read,
			Done:                  entry.Done,
			AttachmentsDownloaded: entry.AttachmentsDownloaded,
			Text:                  m.Text,
			Footer:                m.Footer,
			DateReceived:          m.DateReceived,
		}

		sender, err := store.LoadSender(ctx, db, m.ID)
		if err != nil {
			return nil, nil, err
		}

		if sender != nil {
			result.SenderName = sender.Name
			result.SenderOrganization = sender.Organization
		}

		atts, err := store.LoadAttachments(ctx, db, false, m.ID)
		if err != nil {
			return nil, nil, err
		}

		for _, a := range atts {
			content, err := store.AttachmentContent(ctx, db, false, m.ID, a.Index)
			if err != nil {
				return nil, nil, err
			}

			result.Attachments = append(result.Attachments, AttachmentEntry{
				Index:      a.Index,
				Filename:   a.Filename,
				MimeType:   a.MimeType,
				Size:       a.Size,
				Note:       a.Note,
				Downloaded: content != nil,
			})
		}

		return textResult(result), result, nil
	}
}

func exportEMLHandler(d Deps) mcp.ToolHandlerFor[MessageInput, *EMLResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *EMLResult, error) {
		m, err := eml.Load(ctx, d.Store.DB(), d.Self, input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		var buf bytes.Buffer
		if err := eml.Write(&buf, m); err != nil {
			return nil, nil, err
		}

		result := &EMLResult{MessageID: m.ID, EML: buf.String()}

		for _, a := range m.Attachments {
			if a.Content == nil {
				result.PendingAttachments = append(result.PendingAttachments, a.Filename)
			}
		}

		return textResult(result), result, nil
	}
}

func deliveryStatusHandler(d Deps) mcp.ToolHandlerFor[MessageInput, *DeliveryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *DeliveryResult, error) {
		if _, err := liveMessage(ctx, d, input.MessageID); err != nil {
			return nil, nil, err
		}

		ds, err := delivery.Load(ctx, d.Store.DB(), input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		result := &DeliveryResult{MessageID: input.MessageID, Recipients: make([]DeliveryEntry, 0, len(ds))}

		for _, dl := range ds {
			entry := DeliveryEntry{Recipient: dl.Recipient, State: string(dl.State)}

			if dl.State == delivery.Failed {
				entry.Reason = string(dl.Reason)
			}

			if !dl.Date.IsZero() {
				date := dl.Date
				entry.Date = &date
			}

			result.Recipients = append(result.Recipients, entry)
		}

		return textResult(result), result, nil
	}
}

var errMessageNotFound = errors.New("message not found")

func liveMessage(ctx context.Context, d Deps, id int64) (*store.Message, error) {
	m, err := store.LoadMessage(ctx, d.Store.DB(), id, false)
	if err != nil {
		return nil, err
	}

	if m == nil || m.Deleted {
		return nil, fmt.Errorf("message %d: %w", id, errMessageNotFound)
	}

	return m, nil
}

func syncResult(d Deps, queued string) (*SyncResult, error) {
	st := d.Scheduler.Status()

	result := &SyncResult{Queued: queued, PendingAttachments: st.PendingAttachments}

	if st.Running != nil {
		result.Running = st.Running.Kind()
	}

	if st.PendingSync != nil {
		result.PendingSync = st.PendingSync.String()
	}

	if d.Runs != nil {
		runs, err := d.Runs.AllRuns()
		if err != nil {
			return nil, fmt.Errorf("loading last runs: %w", err)
		}

		result.LastRuns = runs
	}

	return result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
