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

// MessagesSyncer downloads message changes since the last checkpoint,
// merges them into the local store and uploads local meta changes.
type MessagesSyncer struct {
	s *session

	// refreshKeys re-downloads the key pairs after a message turned up
	// encrypted for an unknown key. It is tried once per run.
	refreshKeys   func(ctx context.Context) error
	keysRefreshed bool

	progress IncomingMessagesProgress
	emit     func(IncomingMessagesProgress)

	decryptor *codec.Decryptor
	decoder   *codec.Decoder
}

// Run downloads and merges first, then uploads modifications.
func (m *MessagesSyncer) Run(ctx context.Context, cancel *atomic.Bool) error {
	pdk, err := m.s.privateDataKey(ctx)
	if err != nil {
		return err
	}

	m.decryptor = &codec.Decryptor{Keys: m.s.keys, PrivateDataKey: pdk, Crypto: m.s.crypto}
	m.decoder = &codec.Decoder{User: m.s.user(), Keys: m.s, Crypto: m.s.crypto}

	if err := m.download(ctx, cancel); err != nil {
		return err
	}

	return m.uploadModifications(ctx, cancel, pdk)
}

func (m *MessagesSyncer) report() {
	if m.emit != nil {
		m.emit(m.progress)
	}
}

// download pages through the changes. The checkpoint moves to each
// message's lastModified once that message is committed, so a resumed run
// starts after the last finished message.
func (m *MessagesSyncer) download(ctx context.Context, cancel *atomic.Bool) error {
	db := m.s.store.DB()

	for {
		since, err := store.SyncTimestamp(ctx, db, store.SyncMessages)
		if err != nil {
			return err
		}

		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		page, err := m.s.api.GetMessages(ctx, since)
		if err != nil {
			return fmt.Errorf("downloading messages: %w", transportErr(err))
		}

		m.progress.CountLeft = page.CountLeft
		m.progress.CountTotal = page.CountLeft + m.progress.CountProcessed
		m.report()

		for i := range page.Messages {
			msg := &page.Messages[i]

			if err := checkCanceled(ctx, cancel); err != nil {
				return err
			}

			if err := m.process(ctx, msg); err != nil {
				return err
			}

			m.progress.CountProcessed++
			m.report()

			if err := store.SetSyncTimestamp(ctx, db, store.SyncMessages, msg.LastModified); err != nil {
				return err
			}
		}

		if len(page.Messages) == 0 || page.CountReturned >= page.CountLeft {
			return nil
		}
	}
}

// process dispatches on whether a local copy exists and whether the server
// has deleted the message.
func (m *MessagesSyncer) process(ctx context.Context, msg *kullo.Message) error {
	local, err := store.LoadMessage(ctx, m.s.store.DB(), msg.ID, false)
	if err != nil {
		return err
	}

	switch {
	case local == nil && msg.Deleted:
		return m.newTombstone(ctx, msg)
	case local == nil:
		return m.newMessage(ctx, msg)
	case msg.Deleted:
		return m.deletedMessage(ctx, msg, local)
	default:
		return m.modifiedMessage(ctx, msg, local)
	}
}

// newTombstone records a message deleted before this client saw it. There
// is nothing to show, so nothing is emitted.
func (m *MessagesSyncer) newTombstone(ctx context.Context, msg *kullo.Message) error {
	return store.SaveMessage(ctx, m.s.store.DB(), &store.Message{
		ID:           msg.ID,
		LastModified: msg.LastModified,
		Deleted:      true,
	}, false)
}

func (m *MessagesSyncer) newMessage(ctx context.Context, msg *kullo.Message) error {
	dec, err := m.decode(ctx, msg, true)
	if dec == nil {
		return err
	}

	participants := dec.Participants
	if len(participants) == 0 {
		participants = []string{m.s.user().String()}
	}

	var created bool

	err = m.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		conv, isNew, err := store.FindOrCreateConversation(ctx, tx, participants)
		if err != nil {
			return err
		}

		created = isNew
		dec.Message.ConversationID = conv.ID

		if err := store.SaveMessage(ctx, tx, &dec.Message, false); err != nil {
			return err
		}

		// An older meta format gets rewritten in the current one by the
		// next upload of modifications.
		if dec.Message.MetaVersion < codec.LatestMetaVersion {
			dec.Message.MetaVersion = codec.LatestMetaVersion
			if err := store.SaveMessage(ctx, tx, &dec.Message, true); err != nil {
				return err
			}
		}

		if err := store.SaveSender(ctx, tx, &dec.Sender); err != nil {
			return err
		}

		for i := range dec.Attachments {
			if err := store.SaveAttachment(ctx, tx, &dec.Attachments[i], nil); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.progress.CountNew++
	if !dec.Message.Read {
		m.progress.CountNewUnread++
	}

	convID := dec.Message.ConversationID

	m.s.events.messageAdded(convID, msg.ID)
	m.s.events.senderAdded(convID, msg.ID)

	if created {
		m.s.events.conversationAdded(convID)
	} else {
		m.s.events.conversationModified(convID)
	}

	return nil
}

// deletedMessage applies a server tombstone. It overrides any local edit
// because the server cannot restore the message.
func (m *MessagesSyncer) deletedMessage(ctx context.Context, msg *kullo.Message, local *store.Message) error {
	wasDeleted := local.Deleted
	convID := local.ConversationID

	err := m.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		if err := clearMessage(ctx, tx, local); err != nil {
			return err
		}

		local.LastModified = msg.LastModified

		return store.SaveMessage(ctx, tx, local, false)
	})
	if err != nil {
		return err
	}

	if wasDeleted {
		return nil
	}

	m.progress.CountDeleted++
	m.s.events.messageDeleted(convID, msg.ID)

	return nil
}

// clearMessage removes everything that depends on a message and turns it
// into a tombstone. The caller saves it.
func clearMessage(ctx context.Context, tx store.DBTX, msg *store.Message) error {
	if err := store.DeleteAttachments(ctx, tx, false, msg.ID); err != nil {
		return err
	}

	if err := store.DeleteSender(ctx, tx, msg.ID); err != nil {
		return err
	}

	if err := delivery.Remove(ctx, tx, msg.ID); err != nil {
		return err
	}

	if err := store.DropOldMessage(ctx, tx, msg.ID); err != nil {
		return err
	}

	msg.ClearData()
	msg.Deleted = true

	return nil
}

func (m *MessagesSyncer) modifiedMessage(ctx context.Context, msg *kullo.Message, local *store.Message) error {
	db := m.s.store.DB()

	shadow, err := store.LoadMessage(ctx, db, msg.ID, true)
	if err != nil {
		return err
	}

	// A tombstone without pending changes cannot come back to life.
	if local.Deleted && shadow == nil {
		m.s.logger.Debug("ignoring modification of deleted message", slog.Int64("message_id", msg.ID))
		return nil
	}

	dec, err := m.decode(ctx, msg, false)
	if dec == nil {
		return err
	}

	var res mergeResult

	err = m.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		current, err := store.LoadMessage(ctx, tx, msg.ID, false)
		if err != nil {
			return err
		}

		if current == nil {
			return fmt.Errorf("%w: message %d vanished during merge", apperrors.ErrDatabaseIntegrity, msg.ID)
		}

		base, err := store.LoadMessage(ctx, tx, msg.ID, true)
		if err != nil {
			return err
		}

		res = mergeMessage(*current, base, dec.Message)

		switch {
		case res.dropShadow:
			if err := store.DropOldMessage(ctx, tx, msg.ID); err != nil {
				return err
			}
		case res.shadow != nil:
			if err := store.SaveMessage(ctx, tx, res.shadow, false); err != nil {
				return err
			}
		}

		if !res.changed {
			return nil
		}

		return store.SaveMessage(ctx, tx, &res.local, false)
	})
	if err != nil {
		return err
	}

	if res.changed {
		m.progress.CountModified++
		m.s.events.messageModified(res.local.ConversationID, msg.ID)
	}

	if res.stateChanged {
		m.s.events.conversationModified(res.local.ConversationID)
	}

	return nil
}

// decode decrypts and decodes a message. A message that cannot be used is
// logged and returned as nil without error; the next client version may be
// able to read it. A missing decryption key triggers one key refresh per
// run and a missing signature key one download, each followed by one retry.
func (m *MessagesSyncer) decode(ctx context.Context, msg *kullo.Message, verify bool) (*codec.DecodedMessage, error) {
	dm, err := m.decryptor.Decrypt(ctx, msg)
	if errors.Is(err, apperrors.ErrDecryptionKeyMissing) && m.refreshKeys != nil && !m.keysRefreshed {
		m.keysRefreshed = true

		m.s.logger.Info("decryption key missing, refreshing keys", slog.Int64("message_id", msg.ID))

		if err := m.refreshKeys(ctx); err != nil {
			return nil, err
		}

		dm, err = m.decryptor.Decrypt(ctx, msg)
	}

	if err != nil {
		return nil, m.skip(msg.ID, err)
	}

	dec, err := m.decoder.Decode(ctx, dm, verify)

	var missing *codec.SignatureKeyMissingError
	if errors.As(err, &missing) {
		fetched, ferr := m.fetchSignatureKey(ctx, missing)
		if ferr != nil {
			return nil, ferr
		}

		if !fetched {
			return nil, m.skip(msg.ID, err)
		}

		dec, err = m.decoder.Decode(ctx, dm, verify)
	}

	if err != nil {
		return nil, m.skip(msg.ID, err)
	}

	return dec, nil
}

// skip swallows errors that only affect one message.
func (m *MessagesSyncer) skip(id int64, err error) error {
	if !skippable(err) {
		return err
	}

	m.s.logger.Warn("skipping message",
		slog.Int64("message_id", id),
		slog.String("error", err.Error()),
	)

	return nil
}

// fetchSignatureKey downloads and caches a sender's public signature key.
// It reports false when the server does not know the key.
func (m *MessagesSyncer) fetchSignatureKey(ctx context.Context, missing *codec.SignatureKeyMissingError) (bool, error) {
	key, err := m.s.api.GetPublicKey(ctx, missing.Address, kullo.KeyTypeSignature, missing.KeyID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("downloading signature key %d of %s: %w", missing.KeyID, missing.Address, transportErr(err))
	}

	err = store.SavePublicKey(ctx, m.s.store.DB(), missing.Address.String(), string(kullo.KeyTypeSignature), key.ID, key.Key)
	if err != nil {
		return false, err
	}

	return true, nil
}

// uploadModifications sends local meta changes and deletions, based on
// the lastModified of the shadow. A conflict leaves the message for the
// next run, which downloads and merges the newer version first.
func (m *MessagesSyncer) uploadModifications(ctx context.Context, cancel *atomic.Bool, pdk []byte) error {
	db := m.s.store.DB()

	ids, err := store.LocallyModifiedMessageIDs(ctx, db, codec.LatestMetaVersion)
	if err != nil {
		return err
	}

	enc := codec.Encryptor{Crypto: m.s.crypto}

	for _, id := range ids {
		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		local, err := store.LoadMessage(ctx, db, id, false)
		if err != nil {
			return err
		}

		if local == nil {
			return fmt.Errorf("%w: modified message %d missing", apperrors.ErrDatabaseIntegrity, id)
		}

		shadow, err := store.LoadMessage(ctx, db, id, true)
		if err != nil {
			return err
		}

		if shadow == nil {
			continue
		}

		if sameSyncState(local, shadow) {
			if err := store.DropOldMessage(ctx, db, id); err != nil {
				return err
			}

			continue
		}

		idlm := kullo.IDLastModified{ID: id, LastModified: shadow.LastModified}

		var res *kullo.IDLastModified

		if local.Deleted {
			res, err = m.s.api.DeleteMessage(ctx, idlm)
		} else {
			meta, encErr := enc.EncryptMeta(codec.EncodeMeta(local.Read, local.Done), pdk)
			if encErr != nil {
				return encErr
			}

			res, err = m.s.api.ModifyMeta(ctx, idlm, meta)
		}

		if errors.Is(err, apperrors.ErrConflict) {
			m.s.logger.Info("message changed remotely, retrying next sync", slog.Int64("message_id", id))
			continue
		}

		if err != nil {
			return fmt.Errorf("uploading modification of message %d: %w", id, transportErr(err))
		}

		if err := m.modificationUploaded(ctx, res); err != nil {
			return err
		}
	}

	return nil
}

func (m *MessagesSyncer) modificationUploaded(ctx context.Context, idlm *kullo.IDLastModified) error {
	var saved store.Message

	err := m.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		msg, err := store.LoadMessage(ctx, tx, idlm.ID, false)
		if err != nil {
			return err
		}

		if msg == nil {
			return fmt.Errorf("%w: uploaded message %d missing", apperrors.ErrDatabaseIntegrity, idlm.ID)
		}

		if msg.Deleted {
			if err := clearMessage(ctx, tx, msg); err != nil {
				return err
			}
		} else {
			msg.MetaVersion = codec.LatestMetaVersion
		}

		msg.LastModified = idlm.LastModified

		if err := store.SaveMessage(ctx, tx, msg, false); err != nil {
			return err
		}

		saved = *msg

		return store.DropOldMessage(ctx, tx, idlm.ID)
	})
	if err != nil {
		return err
	}

	if !saved.Deleted {
		m.s.events.messageModified(saved.ConversationID, saved.ID)
	}

	return nil
}
