package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// SenderInfo is the sender block embedded in every message.
type SenderInfo struct {
	Address        kullo.Address
	Name           string
	Organization   string
	AvatarMimeType string
	Avatar         []byte
}

// AttachmentContent is an attachment with its bytes, ready to encode.
type AttachmentContent struct {
	Filename string
	MimeType string
	Note     string
	Size     int64
	Hash     string
	Content  []byte
}

// DraftContent is everything needed to encode one outgoing message.
type DraftContent struct {
	Sender      SenderInfo
	Recipients  []string
	DateSent    time.Time
	Text        string
	Footer      string
	Attachments []AttachmentContent
}

// EncodedMessage holds the structured content and the concatenated
// attachment bytes of a message, before encryption.
type EncodedMessage struct {
	Content     []byte
	Attachments []byte
}

type contentJSON struct {
	Sender           senderJSON       `json:"sender"`
	Recipients       []string         `json:"recipients"`
	DateSent         string           `json:"dateSent"`
	Text             string           `json:"text"`
	Footer           string           `json:"footer"`
	AttachmentsIndex []attachmentJSON `json:"attachmentsIndex"`
}

type senderJSON struct {
	Address      string      `json:"address"`
	Name         string      `json:"name"`
	Organization string      `json:"organization"`
	Avatar       *avatarJSON `json:"avatar"`
}

type avatarJSON struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type attachmentJSON struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Note     string `json:"note"`
	Size     uint32 `json:"size"`
	Hash     string `json:"hash"`
}

type metaJSON struct {
	Read int `json:"read"`
	Done int `json:"done"`
}

// dateFormat is the wire format of dateSent. Sub-second precision is not
// transmitted.
const dateFormat = time.RFC3339

// EncodeMessage builds the wire JSON and the attachment blob of a draft.
// Attachment content must match its declared size.
func EncodeMessage(d DraftContent) (EncodedMessage, error) {
	avatar := &avatarJSON{}
	if d.Sender.AvatarMimeType != "" && len(d.Sender.Avatar) > 0 {
		avatar = &avatarJSON{MimeType: d.Sender.AvatarMimeType, Data: d.Sender.Avatar}
	}

	doc := contentJSON{
		Sender: senderJSON{
			Address:      d.Sender.Address.String(),
			Name:         d.Sender.Name,
			Organization: d.Sender.Organization,
			Avatar:       avatar,
		},
		Recipients:       d.Recipients,
		DateSent:         d.DateSent.UTC().Format(dateFormat),
		Text:             d.Text,
		Footer:           d.Footer,
		AttachmentsIndex: make([]attachmentJSON, 0, len(d.Attachments)),
	}

	var blob []byte

	for i, a := range d.Attachments {
		if int64(len(a.Content)) != a.Size {
			return EncodedMessage{}, fmt.Errorf("%w: attachment %d has %d bytes, declared %d",
				apperrors.ErrDatabaseIntegrity, i, len(a.Content), a.Size)
		}

		if a.Size > AttachmentsMaxBytes {
			return EncodedMessage{}, fmt.Errorf("%w: attachment %d is too large", apperrors.ErrInvalidContentFormat, i)
		}

		blob = append(blob, a.Content...)
		doc.AttachmentsIndex = append(doc.AttachmentsIndex, attachmentJSON{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Note:     a.Note,
			Size:     uint32(a.Size),
			Hash:     a.Hash,
		})
	}

	content, err := json.Marshal(doc)
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("encoding message: %w", err)
	}

	return EncodedMessage{Content: content, Attachments: blob}, nil
}

// EncodeMeta returns the current-version meta JSON for the read and done
// flags.
func EncodeMeta(read, done bool) []byte {
	m := metaJSON{}
	if read {
		m.Read = 1
	}

	if done {
		m.Done = 1
	}

	// Marshalling a struct of ints cannot fail.
	out, _ := json.Marshal(m)

	return out
}

// Compress gzips both parts of m in place. An empty attachment blob stays
// empty.
func Compress(m *EncodedMessage) error {
	content, err := gzipBytes(m.Content)
	if err != nil {
		return err
	}

	m.Content = content

	if len(m.Attachments) > 0 {
		atts, err := gzipBytes(m.Attachments)
		if err != nil {
			return err
		}

		m.Attachments = atts
	}

	return nil
}

// Decompress reverses the gzip step of Compress for one part.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGZipStream, err)
	}

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGZipStream, err)
	}

	return out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}

	return buf.Bytes(), nil
}
