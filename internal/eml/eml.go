// Package eml renders stored messages as RFC 5322 MIME messages so they can
// be opened by ordinary mail clients.
package eml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// subjectMaxLen caps the subject taken from the first line of the text.
const subjectMaxLen = 78

// ErrMessageNotFound is returned by Load for unknown or deleted messages.
var ErrMessageNotFound = errors.New("message not found")

// Person is a message participant.
type Person struct {
	Address      kullo.Address
	Name         string
	Organization string
}

// Attachment is one file of the message. Content is nil when it has not
// been downloaded yet.
type Attachment struct {
	Filename string
	MimeType string
	Note     string
	Content  []byte
}

// Message is everything needed to render one message.
type Message struct {
	ID          int64
	From        Person
	To          []kullo.Address
	Date        time.Time
	Text        string
	Footer      string
	Attachments []Attachment
}

// Load assembles message msgID from the store. self is the local user,
// who is not stored as a conversation member but is a recipient of every
// message someone else sent.
func Load(ctx context.Context, q store.DBTX, self kullo.Address, msgID int64) (*Message, error) {
	m, err := store.LoadMessage(ctx, q, msgID, false)
	if err != nil {
		return nil, err
	}

	if m == nil || m.Deleted {
		return nil, fmt.Errorf("message %d: %w", msgID, ErrMessageNotFound)
	}

	conv, err := store.LoadConversation(ctx, q, m.ConversationID)
	if err != nil {
		return nil, err
	}

	out := &Message{
		ID:     m.ID,
		From:   Person{Address: kullo.Address(m.Sender)},
		Date:   m.DateSent,
		Text:   m.Text,
		Footer: m.Footer,
	}

	sender, err := store.LoadSender(ctx, q, msgID)
	if err != nil {
		return nil, err
	}

	if sender != nil {
		out.From.Name = sender.Name
		out.From.Organization = sender.Organization
	}

	if conv != nil {
		out.To = recipients(conv.ParticipantList(), out.From.Address, self)
	}

	atts, err := store.LoadAttachments(ctx, q, false, msgID)
	if err != nil {
		return nil, err
	}

	for _, a := range atts {
		content, err := store.AttachmentContent(ctx, q, false, msgID, a.Index)
		if err != nil {
			return nil, err
		}

		out.Attachments = append(out.Attachments, Attachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Note:     a.Note,
			Content:  content,
		})
	}

	return out, nil
}

func recipients(participants []string, sender, self kullo.Address) []kullo.Address {
	var to []kullo.Address

	for _, p := range participants {
		if kullo.Address(p) != sender {
			to = append(to, kullo.Address(p))
		}
	}

	if (sender != self || len(to) == 0) && !slices.Contains(to, self) {
		to = append(to, self)
	}

	return to
}

// Write renders m to w. Attachments that are not downloaded are left out
// and listed in an X-Kullo-Pending-Attachments header.
func Write(w io.Writer, m *Message) error {
	var h mail.Header

	h.SetDate(m.Date)
	h.SetSubject(subject(m.Text))
	h.SetMessageID(strconv.FormatInt(m.ID, 10) + "@" + m.From.Address.Domain())
	h.SetAddressList("From", []*mail.Address{mailAddress(m.From.Address, m.From.Name)})

	to := make([]*mail.Address, 0, len(m.To))
	for _, a := range m.To {
		to = append(to, mailAddress(a, ""))
	}

	h.SetAddressList("To", to)
	h.Set("X-Kullo-Sender", string(m.From.Address))

	if m.From.Organization != "" {
		h.Set("Organization", m.From.Organization)
	}

	var (
		ready   []Attachment
		pending []string
	)

	for _, a := range m.Attachments {
		if a.Content == nil {
			pending = append(pending, a.Filename)
			continue
		}

		ready = append(ready, a)
	}

	if len(pending) > 0 {
		h.Set("X-Kullo-Pending-Attachments", strings.Join(pending, ", "))
	}

	if len(ready) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

		body, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("creating message writer: %w", err)
		}

		if _, err := io.WriteString(body, bodyText(m)); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}

		return body.Close()
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	if err := writeText(mw, bodyText(m)); err != nil {
		return err
	}

	for _, a := range ready {
		if err := writeAttachment(mw, a); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeText(mw *mail.Writer, text string) error {
	var th mail.InlineHeader

	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}

	if _, err := io.WriteString(tw, text); err != nil {
		return fmt.Errorf("writing text part: %w", err)
	}

	return tw.Close()
}

func writeAttachment(mw *mail.Writer, a Attachment) error {
	var ah mail.AttachmentHeader

	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ah.SetContentType(mimeType, nil)
	ah.SetFilename(a.Filename)

	if a.Note != "" {
		ah.Set("Content-Description", a.Note)
	}

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", a.Filename, err)
	}

	if _, err := aw.Write(a.Content); err != nil {
		return fmt.Errorf("writing attachment %s: %w", a.Filename, err)
	}

	return aw.Close()
}

// mailAddress maps user#domain onto user@domain so mail clients accept it.
func mailAddress(a kullo.Address, name string) *mail.Address {
	return &mail.Address{Name: name, Address: a.User() + "@" + a.Domain()}
}

func bodyText(m *Message) string {
	if m.Footer == "" {
		return m.Text
	}

	return m.Text + "\n\n-- \n" + m.Footer
}

// subject is the first non-empty line of the text, shortened to
// subjectMaxLen.
func subject(text string) string {
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if utf8.RuneCountInString(line) <= subjectMaxLen {
			return line
		}

		runes := []rune(line)

		return string(runes[:subjectMaxLen-3]) + "..."
	}

	return "(no text)"
}
