package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alexjbarnes/kullo-sync/internal/codec"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

const (
	user  kullo.Address = "alice#example.com"
	bob   kullo.Address = "bob#example.com"
	carol kullo.Address = "carol#example.com"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects events as "name arg..." strings.
type recorder struct {
	mu       sync.Mutex
	events   []string
	progress []SyncProgress
	finished []SyncProgress
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) hooks() Events {
	return Events{
		Progressed: func(p SyncProgress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		Finished: func(p SyncProgress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, p)
		},
		ConversationAdded:            func(c int64) { r.add("conversationAdded %d", c) },
		ConversationModified:         func(c int64) { r.add("conversationModified %d", c) },
		MessageAdded:                 func(c, m int64) { r.add("messageAdded %d %d", c, m) },
		MessageModified:              func(c, m int64) { r.add("messageModified %d %d", c, m) },
		MessageDeleted:               func(c, m int64) { r.add("messageDeleted %d %d", c, m) },
		MessageAttachmentsDownloaded: func(c, m int64) { r.add("messageAttachmentsDownloaded %d %d", c, m) },
		SenderAdded:                  func(c, m int64) { r.add("senderAdded %d %d", c, m) },
		DraftModified:                func(c int64) { r.add("draftModified %d", c) },
		DraftAttachmentDeleted:       func(c, i int64) { r.add("draftAttachmentDeleted %d %d", c, i) },
		DraftPartTooBig: func(c int64, part DraftPart, size, limit int64) {
			r.add("draftPartTooBig %d %s %d %d", c, part, size, limit)
		},
		ProfileModified: func(key string) { r.add("profileModified %s", key) },
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

// count returns how many events start with prefix.
func (r *recorder) count(prefix string) int {
	n := 0

	for _, e := range r.list() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}

	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
	r.progress = nil
	r.finished = nil
}

// harness is a signed-in user with keys in a fresh store and a mocked
// server.
type harness struct {
	ctx    context.Context
	api    *MockAPI
	store  *store.Store
	crypto kullo.Crypto
	creds  kullo.Credentials
	pdk    []byte
	encKey kullo.PrivateKey
	sigKey kullo.PrivateKey
	bobEnc kullo.PrivateKey
	bobSig kullo.PrivateKey
	events *recorder
	s      *session
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	ctrl := gomock.NewController(t)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		ctx:    ctx,
		api:    NewMockAPI(ctrl),
		store:  st,
		events: &recorder{},
	}

	h.pdk = h.newKey(t)
	h.creds = kullo.Credentials{Address: user, DataKey: h.newKey(t), LoginKey: "login"}
	h.encKey = h.newPair(t, kullo.KeyTypeEncryption, 1)
	h.sigKey = h.newPair(t, kullo.KeyTypeSignature, 2)
	h.bobEnc = h.newPair(t, kullo.KeyTypeEncryption, 3)
	h.bobSig = h.newPair(t, kullo.KeyTypeSignature, 5)

	db := st.DB()
	require.NoError(t, store.SaveSymmetricKey(ctx, db, store.PrivateDataKey, h.pdk))

	for _, k := range []kullo.PrivateKey{h.encKey, h.sigKey} {
		require.NoError(t, store.SaveKeyPair(ctx, db, &store.KeyPair{
			Type:       string(k.Type),
			ID:         k.ID,
			PublicKey:  k.Public,
			PrivateKey: k.Private,
		}))
	}

	require.NoError(t, store.SavePublicKey(ctx, db, bob.String(), string(kullo.KeyTypeSignature), h.bobSig.ID, h.bobSig.Public))

	h.s = newSession(h.config(), quietLogger)

	return h
}

func (h *harness) config() Config {
	return Config{
		API:         h.api,
		Store:       h.store,
		Credentials: h.creds,
		Crypto:      h.crypto,
		Events:      h.events.hooks(),
		Now:         func() time.Time { return testNow },
	}
}

func (h *harness) newKey(t *testing.T) []byte {
	t.Helper()

	k, err := h.crypto.NewSymmetricKey()
	require.NoError(t, err)

	return k
}

func (h *harness) newPair(t *testing.T, typ kullo.KeyType, id int64) kullo.PrivateKey {
	t.Helper()

	k, err := h.crypto.GenerateKeyPair(typ, id)
	require.NoError(t, err)

	return k
}

// incomingMessage is a server message plus the raw attachment blob the
// server would return for it.
type incomingMessage struct {
	msg         kullo.Message
	attachments []byte
}

type incomingOpts struct {
	from        kullo.Address
	sigKey      kullo.PrivateKey
	recipients  []string
	read, done  bool
	text        string
	attachments [][]byte
	// recipientKey defaults to the user's encryption key.
	recipientKey kullo.PrivateKey
	// rawMeta replaces the encrypted meta when set.
	rawMeta []byte
}

// incoming seals a message for the harness user.
func (h *harness) incoming(t *testing.T, id, lastModified int64, o incomingOpts) incomingMessage {
	t.Helper()

	if o.from == "" {
		o.from, o.sigKey = bob, h.bobSig
	}

	if o.recipients == nil {
		o.recipients = []string{user.String()}
	}

	if o.text == "" {
		o.text = fmt.Sprintf("message %d", id)
	}

	d := codec.DraftContent{
		Sender:     codec.SenderInfo{Address: o.from, Name: "Sender " + o.from.User()},
		Recipients: o.recipients,
		DateSent:   testNow.Add(-time.Hour),
		Text:       o.text,
	}

	for i, data := range o.attachments {
		d.Attachments = append(d.Attachments, codec.AttachmentContent{
			Filename: fmt.Sprintf("file%d.bin", i),
			MimeType: "application/octet-stream",
			Size:     int64(len(data)),
			Hash:     kullo.SHA512Hex(data),
			Content:  data,
		})
	}

	encoded, err := codec.EncodeMessage(d)
	require.NoError(t, err)
	require.NoError(t, codec.Compress(&encoded))

	rk := o.recipientKey
	if rk.Public == nil {
		rk = h.encKey
	}

	enc := codec.Encryptor{Crypto: h.crypto}

	sendable, err := enc.EncryptMessage(encoded, codec.RecipientKey{ID: rk.ID, Key: rk.Public}, o.sigKey)
	require.NoError(t, err)

	meta := o.rawMeta
	if meta == nil {
		meta, err = enc.EncryptMeta(codec.EncodeMeta(o.read, o.done), h.pdk)
		require.NoError(t, err)
	}

	return incomingMessage{
		msg: kullo.Message{
			ID:             id,
			LastModified:   lastModified,
			DateReceived:   testNow.Add(-time.Minute),
			Meta:           meta,
			KeySafe:        sendable.KeySafe,
			Content:        sendable.Content,
			HasAttachments: len(o.attachments) > 0,
		},
		attachments: sendable.Attachments,
	}
}

func page(msgs ...kullo.Message) *kullo.MessagesResult {
	return &kullo.MessagesResult{Messages: msgs, CountReturned: len(msgs), CountLeft: len(msgs)}
}

// receive runs a messages sync that downloads exactly msgs.
func (h *harness) receive(t *testing.T, msgs ...kullo.Message) {
	t.Helper()

	h.api.EXPECT().GetMessages(gomock.Any(), gomock.Any()).Return(page(msgs...), nil)
	require.NoError(t, (&MessagesSyncer{s: h.s}).Run(h.ctx, nil))
}

func (h *harness) message(t *testing.T, id int64, old bool) *store.Message {
	t.Helper()

	m, err := store.LoadMessage(h.ctx, h.store.DB(), id, old)
	require.NoError(t, err)

	return m
}

// editMessage applies a local edit the way the application does: the
// synced state is kept as a shadow.
func (h *harness) editMessage(t *testing.T, id int64, edit func(m *store.Message)) {
	t.Helper()

	m := h.message(t, id, false)
	require.NotNil(t, m)

	edit(m)
	require.NoError(t, store.SaveMessage(h.ctx, h.store.DB(), m, true))
}

func (h *harness) checkpoint(t *testing.T, typ store.SyncType) int64 {
	t.Helper()

	ts, err := store.SyncTimestamp(h.ctx, h.store.DB(), typ)
	require.NoError(t, err)

	return ts
}
