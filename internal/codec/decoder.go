package codec

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// SignatureKeys resolves other accounts' public signature keys. A key
// that is not known locally is returned as nil without error.
type SignatureKeys interface {
	SignatureKey(ctx context.Context, address kullo.Address, id int64) ([]byte, error)
}

// SignatureKeyMissingError reports a signature key that has to be fetched
// before the message can be verified.
type SignatureKeyMissingError struct {
	Address kullo.Address
	KeyID   int64
}

func (e *SignatureKeyMissingError) Error() string {
	return fmt.Sprintf("signature key %d of %s missing", e.KeyID, e.Address)
}

func (e *SignatureKeyMissingError) Is(target error) bool {
	return target == apperrors.ErrSignatureVerificationKeyMissing
}

// DecodedMessage is a message ready to be stored. Message.ConversationID is
// left zero; callers resolve Participants to a conversation.
type DecodedMessage struct {
	Message      store.Message
	Sender       store.Sender
	Participants []string
	Attachments  []store.Attachment
}

// Decoder parses decrypted messages for the local user.
type Decoder struct {
	User   kullo.Address
	Keys   SignatureKeys
	Crypto kullo.Crypto
}

// Decode decompresses and parses the content, optionally verifies its
// signature and applies the meta. Messages sent by the local user are
// always read and done.
func (d *Decoder) Decode(ctx context.Context, dm *DecryptedMessage, verify bool) (*DecodedMessage, error) {
	data, err := Decompress(dm.Content.Data)
	if err != nil {
		return nil, err
	}

	out, err := d.parseContent(dm, data)
	if err != nil {
		return nil, err
	}

	if verify {
		if err := d.verify(ctx, kullo.Address(out.Sender.Address), dm.Content); err != nil {
			return nil, err
		}
	}

	if err := d.applyMeta(&out.Message, dm.MetaVersion, dm.Meta); err != nil {
		return nil, err
	}

	return out, nil
}

func (d *Decoder) parseContent(dm *DecryptedMessage, data []byte) (*DecodedMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: content is not JSON", apperrors.ErrInvalidContentFormat)
	}

	doc := gjson.ParseBytes(data)

	switch {
	case !doc.IsObject():
		return nil, fmt.Errorf("%w: content is not an object", apperrors.ErrInvalidContentFormat)
	case !doc.Get("sender").IsObject():
		return nil, fmt.Errorf("%w: sender is not an object", apperrors.ErrInvalidContentFormat)
	case !doc.Get("recipients").IsArray():
		return nil, fmt.Errorf("%w: recipients is not an array", apperrors.ErrInvalidContentFormat)
	case len(doc.Get("recipients").Array()) == 0:
		return nil, fmt.Errorf("%w: recipients are empty", apperrors.ErrInvalidContentFormat)
	}

	if av := doc.Get("sender.avatar"); av.Exists() && av.Type != gjson.Null && !av.IsObject() {
		return nil, fmt.Errorf("%w: sender.avatar must be null or an object", apperrors.ErrInvalidContentFormat)
	}

	var c contentJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidContentFormat, err)
	}

	sender, err := kullo.ParseAddress(c.Sender.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: sender address: %v", apperrors.ErrInvalidContentFormat, err)
	}

	participants := map[string]struct{}{}
	if sender != d.User {
		participants[sender.String()] = struct{}{}
	}

	for _, r := range c.Recipients {
		addr, err := kullo.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient address: %v", apperrors.ErrInvalidContentFormat, err)
		}

		if addr != d.User {
			participants[addr.String()] = struct{}{}
		}
	}

	dateSent, err := time.Parse(dateFormat, c.DateSent)
	if err != nil {
		return nil, fmt.Errorf("%w: dateSent: %v", apperrors.ErrInvalidContentFormat, err)
	}

	out := &DecodedMessage{
		Message: store.Message{
			ID:           dm.ID,
			Sender:       sender.String(),
			LastModified: dm.LastModified,
			DateSent:     dateSent,
			DateReceived: dm.DateReceived,
			Text:         c.Text,
			Footer:       c.Footer,
			SymmetricKey: dm.KeySafe.SymmKey,
		},
		Sender: store.Sender{
			MessageID:    dm.ID,
			Address:      sender.String(),
			Name:         c.Sender.Name,
			Organization: c.Sender.Organization,
		},
	}

	if av := c.Sender.Avatar; av != nil && (av.MimeType != "" || len(av.Data) > 0) {
		if av.MimeType == "" || len(av.Data) == 0 {
			return nil, fmt.Errorf("%w: sender.avatar needs mimeType and data", apperrors.ErrInvalidContentFormat)
		}

		out.Sender.AvatarMimeType = av.MimeType
		out.Sender.Avatar = av.Data
	}

	for p := range participants {
		out.Participants = append(out.Participants, p)
	}

	slices.Sort(out.Participants)

	for i, a := range c.AttachmentsIndex {
		hash := strings.ToLower(a.Hash)
		if _, err := hex.DecodeString(hash); err != nil || hash == "" {
			return nil, fmt.Errorf("%w: attachment %d hash", apperrors.ErrInvalidContentFormat, i)
		}

		out.Attachments = append(out.Attachments, store.Attachment{
			MessageID: dm.ID,
			Index:     int64(i),
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			Note:      a.Note,
			Size:      int64(a.Size),
			Hash:      hash,
		})
	}

	return out, nil
}

func (d *Decoder) verify(ctx context.Context, sender kullo.Address, c DecryptedContent) error {
	key, err := d.Keys.SignatureKey(ctx, sender, c.SigKeyID)
	if err != nil {
		return err
	}

	if key == nil {
		return &SignatureKeyMissingError{Address: sender, KeyID: c.SigKeyID}
	}

	if !d.Crypto.Verify(key, c.Data, c.Signature) {
		return fmt.Errorf("%w: key %d of %s", apperrors.ErrSignatureVerificationFailed, c.SigKeyID, sender)
	}

	return nil
}

func (d *Decoder) applyMeta(m *store.Message, version int, meta []byte) error {
	if kullo.Address(m.Sender) == d.User {
		m.MetaVersion = LatestMetaVersion
		m.Read = true
		m.Done = true

		return nil
	}

	switch version {
	case 0:
		var v struct {
			Read bool `json:"read"`
			Done bool `json:"done"`
		}

		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &v); err != nil {
				return fmt.Errorf("%w: meta version 0: %v", apperrors.ErrInvalidContentFormat, err)
			}
		}

		m.Read, m.Done = v.Read, v.Done
	case 1:
		var v struct {
			Read uint32 `json:"read"`
			Done uint32 `json:"done"`
		}

		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &v); err != nil {
				return fmt.Errorf("%w: meta version 1: %v", apperrors.ErrInvalidContentFormat, err)
			}
		}

		m.Read, m.Done = v.Read != 0, v.Done != 0
	default:
		// Written by a newer client: assume the message was handled there.
		m.Read, m.Done = true, true
	}

	m.MetaVersion = version

	return nil
}
