// Package outbox turns markdown files dropped into a directory into queued
// drafts. Each file names its recipients and attachments in YAML
// frontmatter; the body is the message text.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/kullo-sync/internal/state"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/internal/syncer"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// ErrDraftBusy means the conversation's draft is still queued from an
// earlier file. The file is retried once that draft has been sent.
var ErrDraftBusy = errors.New("draft already queued")

// Tracker remembers which files were queued. Implemented by *state.State.
type Tracker interface {
	OutboxEntry(path string) (*state.OutboxEntry, error)
	SetOutboxEntry(e state.OutboxEntry) error
	DeleteOutboxEntry(path string) error
}

// Config holds the collaborators of an Outbox.
type Config struct {
	Dir     string
	Store   *store.Store
	Tracker Tracker

	// Self is the local user; a file without recipients becomes a note to
	// self.
	Self         kullo.Address
	Name         string
	Organization string
	Footer       string

	// RequestSync is called after a draft was queued.
	RequestSync func(syncer.Mode)

	Now func() time.Time
}

// Outbox queues outbox files as drafts.
type Outbox struct {
	cfg    Config
	logger *slog.Logger

	// deferred holds files that could not be queued yet, keyed by
	// absolute path. They are retried on every watcher tick.
	deferred map[string]struct{}
}

// New creates an Outbox for cfg.Dir.
func New(cfg Config, logger *slog.Logger) *Outbox {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Outbox{
		cfg:      cfg,
		logger:   logger,
		deferred: make(map[string]struct{}),
	}
}

// Dir returns the watched directory.
func (o *Outbox) Dir() string {
	return o.cfg.Dir
}

// Queue reads the file at absPath and stores it as the sending draft of
// its conversation. A file whose content was already queued is skipped and
// reported as not queued.
func (o *Outbox) Queue(ctx context.Context, absPath string) (bool, error) {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", absPath, err)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	prev, err := o.cfg.Tracker.OutboxEntry(absPath)
	if err != nil {
		return false, fmt.Errorf("loading outbox entry: %w", err)
	}

	if prev != nil && prev.Hash == hash {
		return false, nil
	}

	df, err := ParseDraft(content)
	if err != nil {
		return false, err
	}

	participants, err := o.participants(df.To)
	if err != nil {
		return false, err
	}

	files, err := o.readAttachments(df.Attachments)
	if err != nil {
		return false, err
	}

	footer := o.cfg.Footer
	if df.Footer != nil {
		footer = *df.Footer
	}

	var convID int64

	err = o.cfg.Store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		conv, _, err := store.FindOrCreateConversation(ctx, tx, participants)
		if err != nil {
			return err
		}

		convID = conv.ID

		draft, err := store.LoadDraft(ctx, tx, conv.ID)
		if err != nil {
			return err
		}

		if draft == nil {
			draft = &store.Draft{ConversationID: conv.ID}
		}

		if draft.State == store.DraftSending {
			return fmt.Errorf("conversation %d: %w", conv.ID, ErrDraftBusy)
		}

		draft.State = store.DraftSending
		draft.Text = df.Text
		draft.Footer = footer
		draft.SenderName = o.cfg.Name
		draft.SenderOrganization = o.cfg.Organization
		draft.LastModified = o.cfg.Now().UnixMicro()

		if err := store.SaveDraft(ctx, tx, draft); err != nil {
			return err
		}

		if err := store.DeleteAttachments(ctx, tx, true, conv.ID); err != nil {
			return err
		}

		for i, f := range files {
			a := &store.Attachment{
				Draft:     true,
				MessageID: conv.ID,
				Index:     int64(i),
				Filename:  f.name,
				MimeType:  f.mimeType,
				Size:      int64(len(f.data)),
				Hash:      kullo.SHA512Hex(f.data),
			}

			if err := store.SaveAttachment(ctx, tx, a, f.data); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	err = o.cfg.Tracker.SetOutboxEntry(state.OutboxEntry{
		Path:           absPath,
		Hash:           hash,
		ConversationID: convID,
		Queued:         o.cfg.Now(),
	})
	if err != nil {
		return true, fmt.Errorf("recording outbox entry: %w", err)
	}

	o.logger.Info("outbox draft queued",
		slog.String("path", absPath),
		slog.Int64("conversation_id", convID),
		slog.Int("attachments", len(files)),
	)

	if o.cfg.RequestSync != nil {
		o.cfg.RequestSync(syncer.SendOnly)
	}

	return true, nil
}

// Forget drops the record of a removed file, so a new file at the same
// path is queued even if its content matches.
func (o *Outbox) Forget(absPath string) error {
	delete(o.deferred, absPath)
	return o.cfg.Tracker.DeleteOutboxEntry(absPath)
}

func (o *Outbox) participants(to []string) ([]string, error) {
	if len(to) == 0 {
		return []string{string(o.cfg.Self)}, nil
	}

	out := make([]string, 0, len(to))

	for _, raw := range to {
		addr, err := kullo.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}

		// The local user is never a conversation member.
		if addr == o.cfg.Self {
			continue
		}

		out = append(out, string(addr))
	}

	if len(out) == 0 {
		return []string{string(o.cfg.Self)}, nil
	}

	return out, nil
}

type attachmentFile struct {
	name     string
	mimeType string
	data     []byte
}

func (o *Outbox) readAttachments(paths []string) ([]attachmentFile, error) {
	files := make([]attachmentFile, 0, len(paths))

	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(o.cfg.Dir, p)
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}

		files = append(files, attachmentFile{
			name:     filepath.Base(p),
			mimeType: detectMimeType(p, data),
			data:     data,
		})
	}

	return files, nil
}

func detectMimeType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}

	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))

	return mt
}
