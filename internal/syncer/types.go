package syncer

import (
	"fmt"
	"maps"
	"time"
)

// Mode selects how far a sync run goes.
type Mode int

const (
	// SendOnly uploads drafts and sends pending deliveries.
	SendOnly Mode = iota
	// WithoutAttachments also syncs the profile and incoming messages.
	WithoutAttachments
	// Everything also downloads all pending attachments.
	Everything
)

func (m Mode) String() string {
	switch m {
	case SendOnly:
		return "send_only"
	case WithoutAttachments:
		return "without_attachments"
	case Everything:
		return "everything"
	}

	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps the configuration spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "send_only":
		return SendOnly, nil
	case "without_attachments", "":
		return WithoutAttachments, nil
	case "everything":
		return Everything, nil
	}

	return 0, fmt.Errorf("unknown sync mode %q (expected send_only, without_attachments or everything)", s)
}

// Phase is the part of a run currently executing.
type Phase int

const (
	PhaseKeys Phase = iota
	PhaseOutgoingMessages
	PhaseProfile
	PhaseIncomingMessages
	PhaseIncomingAttachments
)

func (p Phase) String() string {
	switch p {
	case PhaseKeys:
		return "keys"
	case PhaseOutgoingMessages:
		return "outgoing_messages"
	case PhaseProfile:
		return "profile"
	case PhaseIncomingMessages:
		return "incoming_messages"
	case PhaseIncomingAttachments:
		return "incoming_attachments"
	}

	return fmt.Sprintf("phase(%d)", int(p))
}

// OutgoingProgress counts bytes uploaded by the uploader and the sender.
type OutgoingProgress struct {
	UploadedBytes int64
	TotalBytes    int64
}

// IncomingMessagesProgress counts downloaded messages. CountLeft and
// CountTotal are -1 until the first page arrived.
type IncomingMessagesProgress struct {
	CountLeft      int
	CountProcessed int
	CountTotal     int
	CountNew       int
	CountNewUnread int
	CountModified  int
	CountDeleted   int
}

// AttachmentsBlockProgress is the download of one message's attachments.
type AttachmentsBlockProgress struct {
	DownloadedBytes int64
	TotalBytes      int64
}

// AttachmentsProgress counts attachment bytes over all messages.
type AttachmentsProgress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Blocks          map[int64]AttachmentsBlockProgress
}

// SyncProgress is the state of a run. Only the sub-progress of Phase is
// moving; earlier phases keep their final values.
type SyncProgress struct {
	Phase       Phase
	Outgoing    OutgoingProgress
	Incoming    IncomingMessagesProgress
	Attachments AttachmentsProgress
	RunTime     time.Duration
}

// clone returns a copy that shares no map with p.
func (p SyncProgress) clone() SyncProgress {
	p.Attachments.Blocks = maps.Clone(p.Attachments.Blocks)
	return p
}

// DraftPart names the part of a draft that exceeded a size limit.
type DraftPart string

const (
	DraftPartContent     DraftPart = "content"
	DraftPartAttachments DraftPart = "attachments"
)

// Events are called from the goroutine running the sync. Nil fields are
// skipped.
type Events struct {
	Progressed func(SyncProgress)
	Finished   func(SyncProgress)

	ConversationAdded    func(convID int64)
	ConversationModified func(convID int64)

	MessageAdded                 func(convID, msgID int64)
	MessageModified              func(convID, msgID int64)
	MessageDeleted               func(convID, msgID int64)
	MessageAttachmentsDownloaded func(convID, msgID int64)
	SenderAdded                  func(convID, msgID int64)

	DraftModified          func(convID int64)
	DraftAttachmentDeleted func(convID, index int64)
	DraftPartTooBig        func(convID int64, part DraftPart, size, limit int64)

	ProfileModified func(key string)
}

func (e *Events) progressed(p SyncProgress) {
	if e.Progressed != nil {
		e.Progressed(p.clone())
	}
}

func (e *Events) finished(p SyncProgress) {
	if e.Finished != nil {
		e.Finished(p.clone())
	}
}

func (e *Events) conversationAdded(convID int64) {
	if e.ConversationAdded != nil {
		e.ConversationAdded(convID)
	}
}

func (e *Events) conversationModified(convID int64) {
	if e.ConversationModified != nil {
		e.ConversationModified(convID)
	}
}

func (e *Events) messageAdded(convID, msgID int64) {
	if e.MessageAdded != nil {
		e.MessageAdded(convID, msgID)
	}
}

func (e *Events) messageModified(convID, msgID int64) {
	if e.MessageModified != nil {
		e.MessageModified(convID, msgID)
	}
}

func (e *Events) messageDeleted(convID, msgID int64) {
	if e.MessageDeleted != nil {
		e.MessageDeleted(convID, msgID)
	}
}

func (e *Events) messageAttachmentsDownloaded(convID, msgID int64) {
	if e.MessageAttachmentsDownloaded != nil {
		e.MessageAttachmentsDownloaded(convID, msgID)
	}
}

func (e *Events) senderAdded(convID, msgID int64) {
	if e.SenderAdded != nil {
		e.SenderAdded(convID, msgID)
	}
}

func (e *Events) draftModified(convID int64) {
	if e.DraftModified != nil {
		e.DraftModified(convID)
	}
}

func (e *Events) draftAttachmentDeleted(convID, index int64) {
	if e.DraftAttachmentDeleted != nil {
		e.DraftAttachmentDeleted(convID, index)
	}
}

func (e *Events) draftPartTooBig(convID int64, part DraftPart, size, limit int64) {
	if e.DraftPartTooBig != nil {
		e.DraftPartTooBig(convID, part, size, limit)
	}
}

func (e *Events) profileModified(key string) {
	if e.ProfileModified != nil {
		e.ProfileModified(key)
	}
}
