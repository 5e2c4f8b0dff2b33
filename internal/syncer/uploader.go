package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/kullo-sync/internal/codec"
	"github.com/alexjbarnes/kullo-sync/internal/delivery"
	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// MessagesUploader turns drafts in the sending state into messages in the
// user's own mailbox and queues their deliveries.
type MessagesUploader struct {
	s        *session
	outgoing *outgoingTracker
}

// preparedDraft is a draft encoded and encrypted for upload.
type preparedDraft struct {
	conv        *store.Conversation
	dateSent    time.Time
	sendable    kullo.SendableMessage
	meta        []byte
	recipients  []string
	attachments []store.Attachment
	// estimate must be computed the same way as store.SizeOfAllSendable.
	estimate int64
}

// Run uploads one draft at a time until none is left in the sending state.
func (u *MessagesUploader) Run(ctx context.Context, cancel *atomic.Bool) error {
	for {
		draft, err := store.FirstSendableDraft(ctx, u.s.store.DB())
		if err != nil {
			return err
		}

		if draft == nil {
			return nil
		}

		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		if err := u.outgoing.refresh(ctx, u.s.store.DB()); err != nil {
			return err
		}

		if err := u.upload(ctx, cancel, draft); err != nil {
			return err
		}
	}
}

func (u *MessagesUploader) upload(ctx context.Context, cancel *atomic.Bool, draft *store.Draft) error {
	convID := draft.ConversationID

	p, tooBig, err := u.prepare(ctx, cancel, draft)
	if err != nil {
		return u.handleFailure(ctx, draft, err)
	}

	if tooBig {
		return nil
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	tctx, poll, stop := transferContext(ctx, cancel)
	defer stop()

	sent, err := u.s.api.SendMessageToSelf(tctx, p.sendable, p.meta, func(tp kullo.TransferProgress) {
		u.outgoing.transfer(p.estimate, tp.UploadTransferred, tp.UploadTotal)
		poll()
	})
	if err != nil {
		return u.handleFailure(ctx, draft, transportErr(err))
	}

	u.outgoing.finish(sent.Size)

	if err := u.record(ctx, draft, p, sent); err != nil {
		return err
	}

	u.s.logger.Info("uploaded draft",
		slog.Int64("conversation_id", convID),
		slog.Int64("message_id", sent.ID),
		slog.Int("recipients", len(p.recipients)),
	)

	u.s.events.conversationModified(convID)
	u.s.events.messageAdded(convID, sent.ID)
	u.s.events.senderAdded(convID, sent.ID)
	u.s.events.messageAttachmentsDownloaded(convID, sent.ID)

	for _, a := range p.attachments {
		u.s.events.draftAttachmentDeleted(convID, a.Index)
	}

	u.s.events.draftModified(convID)

	return nil
}

// prepare encodes, compresses and encrypts a draft for the user's own
// mailbox. tooBig reports a draft that was sent back to editing.
func (u *MessagesUploader) prepare(ctx context.Context, cancel *atomic.Bool, draft *store.Draft) (*preparedDraft, bool, error) {
	db := u.s.store.DB()

	conv, err := store.LoadConversation(ctx, db, draft.ConversationID)
	if err != nil {
		return nil, false, err
	}

	if conv == nil {
		return nil, false, fmt.Errorf("%w: draft of missing conversation %d", apperrors.ErrDatabaseIntegrity, draft.ConversationID)
	}

	attachments, err := store.LoadAttachments(ctx, db, true, conv.ID)
	if err != nil {
		return nil, false, err
	}

	var attachmentsSize int64
	for _, a := range attachments {
		attachmentsSize += a.Size
	}

	if attachmentsSize > codec.AttachmentsMaxBytes {
		return nil, true, u.tooBig(ctx, draft, DraftPartAttachments, attachmentsSize, codec.AttachmentsMaxBytes)
	}

	content := make([]codec.AttachmentContent, 0, len(attachments))

	for _, a := range attachments {
		data, err := store.AttachmentContent(ctx, db, true, conv.ID, a.Index)
		if err != nil {
			return nil, false, err
		}

		content = append(content, codec.AttachmentContent{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Note:     a.Note,
			Size:     a.Size,
			Hash:     a.Hash,
			Content:  data,
		})
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return nil, false, err
	}

	p := &preparedDraft{
		conv:        conv,
		dateSent:    u.s.now().UTC(),
		recipients:  conv.ParticipantList(),
		attachments: attachments,
	}

	encoded, err := codec.EncodeMessage(codec.DraftContent{
		Sender: codec.SenderInfo{
			Address:        u.s.user(),
			Name:           draft.SenderName,
			Organization:   draft.SenderOrganization,
			AvatarMimeType: draft.SenderAvatarMimeType,
			Avatar:         draft.SenderAvatar,
		},
		Recipients:  p.recipients,
		DateSent:    p.dateSent,
		Text:        draft.Text,
		Footer:      draft.Footer,
		Attachments: content,
	})
	if err != nil {
		return nil, false, err
	}

	p.estimate = store.PerMessageOverhead + int64(len(draft.Text)) + int64(len(encoded.Attachments))

	if err := codec.Compress(&encoded); err != nil {
		return nil, false, err
	}

	encKey, err := u.s.keys.LatestKey(ctx, kullo.KeyTypeEncryption)
	if err != nil {
		return nil, false, err
	}

	sigKey, err := u.s.keys.LatestKey(ctx, kullo.KeyTypeSignature)
	if err != nil {
		return nil, false, err
	}

	enc := codec.Encryptor{Crypto: u.s.crypto}

	p.sendable, err = enc.EncryptMessage(encoded, codec.RecipientKey{ID: encKey.ID, Key: encKey.Public}, sigKey)
	if err != nil {
		return nil, false, err
	}

	if n := int64(len(p.sendable.Content)); n > codec.ContentMaxBytes {
		return nil, true, u.tooBig(ctx, draft, DraftPartContent, n, codec.ContentMaxBytes)
	}

	if n := int64(len(p.sendable.Attachments)); n > codec.AttachmentsMaxBytes {
		return nil, true, u.tooBig(ctx, draft, DraftPartAttachments, n, codec.AttachmentsMaxBytes)
	}

	pdk, err := u.s.privateDataKey(ctx)
	if err != nil {
		return nil, false, err
	}

	p.meta, err = enc.EncryptMeta(codec.EncodeMeta(true, true), pdk)
	if err != nil {
		return nil, false, err
	}

	return p, false, nil
}

// tooBig sends the draft back to editing and reports the oversized part.
func (u *MessagesUploader) tooBig(ctx context.Context, draft *store.Draft, part DraftPart, size, limit int64) error {
	u.s.logger.Warn("draft part too large",
		slog.Int64("conversation_id", draft.ConversationID),
		slog.String("part", string(part)),
		slog.Int64("size", size),
		slog.Int64("limit", limit),
	)

	draft.State = store.DraftEditing
	if err := store.SaveDraft(ctx, u.s.store.DB(), draft); err != nil {
		return err
	}

	u.s.events.draftModified(draft.ConversationID)
	u.s.events.draftPartTooBig(draft.ConversationID, part, size, limit)

	return nil
}

// handleFailure decides what a failed upload means for the draft.
// Cancellation, integrity problems and network failures end the run and
// leave the draft queued. Anything else means this draft cannot be sent:
// its attachments are dropped and it goes back to editing.
func (u *MessagesUploader) handleFailure(ctx context.Context, draft *store.Draft, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrSyncCanceled),
		errors.Is(err, apperrors.ErrDatabaseIntegrity),
		kullo.IsTransient(err):
		return err
	}

	convID := draft.ConversationID

	u.s.logger.Error("uploading draft failed",
		slog.Int64("conversation_id", convID),
		slog.String("error", err.Error()),
	)

	var dropped []store.Attachment

	txErr := u.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		var loadErr error

		dropped, loadErr = store.LoadAttachments(ctx, tx, true, convID)
		if loadErr != nil {
			return loadErr
		}

		if err := store.DeleteAttachments(ctx, tx, true, convID); err != nil {
			return err
		}

		draft.State = store.DraftEditing

		return store.SaveDraft(ctx, tx, draft)
	})
	if txErr != nil {
		return txErr
	}

	for _, a := range dropped {
		u.s.events.draftAttachmentDeleted(convID, a.Index)
	}

	u.s.events.draftModified(convID)

	return nil
}

// record stores the sent message, its sender snapshot and its deliveries,
// moves the draft attachments to the message and clears the draft, all in
// one transaction.
func (u *MessagesUploader) record(ctx context.Context, draft *store.Draft, p *preparedDraft, sent *kullo.MessageSent) error {
	return u.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		if err := store.ConvertDraftAttachments(ctx, tx, p.conv.ID, sent.ID); err != nil {
			return err
		}

		msg := &store.Message{
			ID:             sent.ID,
			ConversationID: p.conv.ID,
			Sender:         u.s.user().String(),
			LastModified:   sent.LastModified,
			MetaVersion:    codec.LatestMetaVersion,
			Read:           true,
			Done:           true,
			DateSent:       p.dateSent,
			DateReceived:   sent.DateReceived,
			Text:           draft.Text,
			Footer:         draft.Footer,
		}
		if err := store.SaveMessage(ctx, tx, msg, false); err != nil {
			return err
		}

		sender := &store.Sender{
			MessageID:      sent.ID,
			Address:        u.s.user().String(),
			Name:           draft.SenderName,
			Organization:   draft.SenderOrganization,
			AvatarMimeType: draft.SenderAvatarMimeType,
			Avatar:         draft.SenderAvatar,
		}
		if err := store.SaveSender(ctx, tx, sender); err != nil {
			return err
		}

		deliveries := make([]delivery.Delivery, 0, len(p.recipients))
		for _, r := range p.recipients {
			deliveries = append(deliveries, delivery.New(sent.ID, r))
		}

		if err := delivery.Insert(ctx, tx, deliveries); err != nil {
			return err
		}

		draft.Clear()
		draft.LastModified = u.s.now().UnixMicro()

		return store.SaveDraft(ctx, tx, draft)
	})
}
