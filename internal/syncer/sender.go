package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/kullo-sync/internal/codec"
	"github.com/alexjbarnes/kullo-sync/internal/delivery"
	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// MessagesSender delivers uploaded messages to their recipients.
type MessagesSender struct {
	s        *session
	outgoing *outgoingTracker
}

// outgoingMessage is one message encoded and compressed once and then
// encrypted for each recipient.
type outgoingMessage struct {
	msg      *store.Message
	encoded  codec.EncodedMessage
	estimate int64
	// gone marks a message deleted before all deliveries went out.
	gone bool
}

// Run walks the unsent deliveries in (message, recipient) order. A
// recipient whose account does not exist is marked failed and the next
// recipient is tried.
func (m *MessagesSender) Run(ctx context.Context, cancel *atomic.Bool) error {
	pending, err := delivery.UnsentDeliveries(ctx, m.s.store.DB())
	if err != nil {
		return err
	}

	var current *outgoingMessage

	for _, p := range pending {
		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		if current == nil || current.msg.ID != p.MessageID {
			if err := m.outgoing.refresh(ctx, m.s.store.DB()); err != nil {
				return err
			}

			current, err = m.load(ctx, p.MessageID)
			if err != nil {
				return err
			}
		}

		if current.gone {
			continue
		}

		if err := m.sendTo(ctx, cancel, current, p.Recipient); err != nil {
			return err
		}
	}

	return nil
}

// load encodes a message for sending. A message that no longer exists
// loses its deliveries and is returned as gone.
func (m *MessagesSender) load(ctx context.Context, id int64) (*outgoingMessage, error) {
	db := m.s.store.DB()

	msg, err := store.LoadMessage(ctx, db, id, false)
	if err != nil {
		return nil, err
	}

	if msg == nil || msg.Deleted {
		m.s.logger.Info("dropping deliveries of deleted message", slog.Int64("message_id", id))

		if err := delivery.Remove(ctx, db, id); err != nil {
			return nil, err
		}

		return &outgoingMessage{msg: &store.Message{ID: id}, gone: true}, nil
	}

	sender, err := store.LoadSender(ctx, db, id)
	if err != nil {
		return nil, err
	}

	if sender == nil {
		return nil, fmt.Errorf("%w: message %d has no sender", apperrors.ErrDatabaseIntegrity, id)
	}

	conv, err := store.LoadConversation(ctx, db, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	if conv == nil {
		return nil, fmt.Errorf("%w: message %d has no conversation", apperrors.ErrDatabaseIntegrity, id)
	}

	atts, err := store.LoadAttachments(ctx, db, false, id)
	if err != nil {
		return nil, err
	}

	content := make([]codec.AttachmentContent, 0, len(atts))

	for _, a := range atts {
		data, err := store.AttachmentContent(ctx, db, false, id, a.Index)
		if err != nil {
			return nil, err
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

	encoded, err := codec.EncodeMessage(codec.DraftContent{
		Sender: codec.SenderInfo{
			Address:        kullo.Address(sender.Address),
			Name:           sender.Name,
			Organization:   sender.Organization,
			AvatarMimeType: sender.AvatarMimeType,
			Avatar:         sender.Avatar,
		},
		Recipients:  conv.ParticipantList(),
		DateSent:    msg.DateSent,
		Text:        msg.Text,
		Footer:      msg.Footer,
		Attachments: content,
	})
	if err != nil {
		return nil, err
	}

	out := &outgoingMessage{
		msg:      msg,
		estimate: store.PerMessageOverhead + int64(len(msg.Text)) + int64(len(encoded.Attachments)),
	}

	if err := codec.Compress(&encoded); err != nil {
		return nil, err
	}

	out.encoded = encoded

	return out, nil
}

func (m *MessagesSender) sendTo(ctx context.Context, cancel *atomic.Bool, out *outgoingMessage, recipient string) error {
	msgID := out.msg.ID

	addr, err := kullo.ParseAddress(recipient)
	if err != nil {
		m.s.logger.Warn("invalid recipient address", slog.Int64("message_id", msgID), slog.String("recipient", recipient))
		return m.fail(ctx, out, recipient, delivery.ReasonDoesntExist)
	}

	key, err := m.s.api.GetPublicKey(ctx, addr, kullo.KeyTypeEncryption, kullo.LatestKeyID)
	if errors.Is(err, apperrors.ErrNotFound) {
		m.s.logger.Info("recipient does not exist", slog.Int64("message_id", msgID), slog.String("recipient", recipient))
		return m.fail(ctx, out, recipient, delivery.ReasonDoesntExist)
	}

	if err != nil {
		return fmt.Errorf("fetching key of %s: %w", recipient, transportErr(err))
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	sigKey, err := m.s.keys.LatestKey(ctx, kullo.KeyTypeSignature)
	if err != nil {
		return err
	}

	enc := codec.Encryptor{Crypto: m.s.crypto}

	sendable, err := enc.EncryptMessage(out.encoded, codec.RecipientKey{ID: key.ID, Key: key.Key}, sigKey)
	if err != nil {
		return err
	}

	if n := int64(len(sendable.Attachments)); n > codec.AttachmentsMaxBytes {
		return m.fail(ctx, out, recipient, delivery.ReasonTooLarge)
	}

	tctx, poll, stop := transferContext(ctx, cancel)
	defer stop()

	err = m.s.api.SendMessage(tctx, addr, sendable, func(tp kullo.TransferProgress) {
		m.outgoing.transfer(out.estimate, tp.UploadTransferred, tp.UploadTotal)
		poll()
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return m.fail(ctx, out, recipient, delivery.ReasonDoesntExist)
	}

	if err != nil {
		return fmt.Errorf("sending message %d to %s: %w", msgID, recipient, transportErr(err))
	}

	m.outgoing.finish(out.estimate)

	if err := delivery.MarkDelivered(ctx, m.s.store.DB(), msgID, recipient, m.s.now().UTC()); err != nil {
		return err
	}

	m.s.logger.Info("delivered message", slog.Int64("message_id", msgID), slog.String("recipient", recipient))
	m.s.events.messageModified(out.msg.ConversationID, msgID)

	return nil
}

func (m *MessagesSender) fail(ctx context.Context, out *outgoingMessage, recipient string, reason delivery.Reason) error {
	if err := delivery.MarkFailed(ctx, m.s.store.DB(), out.msg.ID, recipient, reason, m.s.now().UTC()); err != nil {
		return err
	}

	m.s.events.messageModified(out.msg.ConversationID, out.msg.ID)

	return nil
}
