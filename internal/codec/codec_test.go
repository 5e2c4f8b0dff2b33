package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/internal/stream"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

const (
	alice kullo.Address = "alice#example.com"
	bob   kullo.Address = "bob#example.com"
	carol kullo.Address = "carol#example.com"
)

type mapPrivateKeys map[int64]kullo.PrivateKey

func (m mapPrivateKeys) Key(_ context.Context, typ kullo.KeyType, id int64) (kullo.PrivateKey, error) {
	k, ok := m[id]
	if !ok || k.Type != typ {
		return kullo.PrivateKey{}, apperrors.ErrNotFound
	}

	return k, nil
}

type mapSignatureKeys map[kullo.Address][]byte

func (m mapSignatureKeys) SignatureKey(_ context.Context, address kullo.Address, _ int64) ([]byte, error) {
	return m[address], nil
}

// fixture holds bob's encryption key and alice's signature key so that a
// message from alice to bob can be sealed and opened.
type fixture struct {
	crypto  kullo.Crypto
	encKey  kullo.PrivateKey
	sigKey  kullo.PrivateKey
	dataKey []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var c kullo.Crypto

	enc, err := c.GenerateKeyPair(kullo.KeyTypeEncryption, 7)
	require.NoError(t, err)

	sig, err := c.GenerateKeyPair(kullo.KeyTypeSignature, 9)
	require.NoError(t, err)

	dataKey, err := c.NewSymmetricKey()
	require.NoError(t, err)

	return &fixture{crypto: c, encKey: enc, sigKey: sig, dataKey: dataKey}
}

func (f *fixture) seal(t *testing.T, d DraftContent, meta []byte) (*kullo.Message, kullo.SendableMessage) {
	t.Helper()

	encoded, err := EncodeMessage(d)
	require.NoError(t, err)
	require.NoError(t, Compress(&encoded))

	enc := Encryptor{Crypto: f.crypto}

	sendable, err := enc.EncryptMessage(encoded, RecipientKey{ID: f.encKey.ID, Key: f.encKey.Public}, f.sigKey)
	require.NoError(t, err)

	m := &kullo.Message{
		ID:             42,
		LastModified:   1000,
		DateReceived:   time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
		KeySafe:        sendable.KeySafe,
		Content:        sendable.Content,
		HasAttachments: len(sendable.Attachments) > 0,
	}

	if meta != nil {
		m.Meta, err = enc.EncryptMeta(meta, f.dataKey)
		require.NoError(t, err)
	}

	return m, sendable
}

func (f *fixture) decryptor() *Decryptor {
	return &Decryptor{
		Keys:           mapPrivateKeys{f.encKey.ID: f.encKey},
		PrivateDataKey: f.dataKey,
		Crypto:         f.crypto,
	}
}

func (f *fixture) decoder(user kullo.Address) *Decoder {
	return &Decoder{
		User:   user,
		Keys:   mapSignatureKeys{alice: f.sigKey.Public},
		Crypto: f.crypto,
	}
}

func sampleDraft() DraftContent {
	first := []byte("first attachment")
	second := bytes.Repeat([]byte{0xAB}, 3000)

	return DraftContent{
		Sender: SenderInfo{
			Address:        alice,
			Name:           "Alice",
			Organization:   "Example Corp",
			AvatarMimeType: "image/png",
			Avatar:         []byte{0x89, 'P', 'N', 'G'},
		},
		Recipients: []string{bob.String(), carol.String()},
		DateSent:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Text:       "Hello",
		Footer:     "-- \nAlice",
		Attachments: []AttachmentContent{
			{Filename: "a.txt", MimeType: "text/plain", Note: "n", Size: int64(len(first)), Hash: kullo.SHA512Hex(first), Content: first},
			{Filename: "empty", MimeType: "application/octet-stream", Size: 0, Hash: kullo.SHA512Hex(nil), Content: nil},
			{Filename: "b.bin", MimeType: "application/octet-stream", Size: int64(len(second)), Hash: kullo.SHA512Hex(second), Content: second},
		},
	}
}

func bufferFactory(sinks map[int64]*stream.BufferSink) AttachmentStreamFactory {
	return func(a store.Attachment) (stream.Sink, error) {
		buf := &stream.BufferSink{}
		sinks[a.Index] = buf

		c := stream.NewChain(buf)
		if err := c.PushFilter(stream.NewHashVerifier(a.Hash)); err != nil {
			return nil, err
		}

		return c, nil
	}
}

// --- round trip ---

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := sampleDraft()

	msg, sendable := f.seal(t, draft, EncodeMeta(true, false))

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, f.sigKey.ID, dm.Content.SigKeyID)
	assert.Equal(t, LatestMetaVersion, dm.MetaVersion)

	decoded, err := f.decoder(bob).Decode(ctx, dm, true)
	require.NoError(t, err)

	m := decoded.Message
	assert.Equal(t, int64(42), m.ID)
	assert.Equal(t, int64(1000), m.LastModified)
	assert.Equal(t, alice.String(), m.Sender)
	assert.True(t, draft.DateSent.Equal(m.DateSent))
	assert.True(t, msg.DateReceived.Equal(m.DateReceived))
	assert.Equal(t, "Hello", m.Text)
	assert.Equal(t, draft.Footer, m.Footer)
	assert.Len(t, m.SymmetricKey, kullo.SymmetricKeySize)
	assert.True(t, m.Read)
	assert.False(t, m.Done)

	assert.Equal(t, store.Sender{
		MessageID:      42,
		Address:        alice.String(),
		Name:           "Alice",
		Organization:   "Example Corp",
		AvatarMimeType: "image/png",
		Avatar:         draft.Sender.Avatar,
	}, decoded.Sender)

	assert.Equal(t, []string{alice.String(), carol.String()}, decoded.Participants, "local user is not a participant")

	require.Len(t, decoded.Attachments, 3)

	for i, a := range decoded.Attachments {
		want := draft.Attachments[i]
		assert.Equal(t, int64(i), a.Index)
		assert.Equal(t, want.Filename, a.Filename)
		assert.Equal(t, want.MimeType, a.MimeType)
		assert.Equal(t, want.Note, a.Note)
		assert.Equal(t, want.Size, a.Size)
		assert.Equal(t, want.Hash, a.Hash)
	}

	sinks := map[int64]*stream.BufferSink{}

	chain, err := NewAttachmentDownloadChain(m.SymmetricKey, decoded.Attachments, bufferFactory(sinks))
	require.NoError(t, err)

	for len(sendable.Attachments) > 0 {
		n := min(len(sendable.Attachments), 100)
		_, err := chain.Write(sendable.Attachments[:n])
		require.NoError(t, err)

		sendable.Attachments = sendable.Attachments[n:]
	}

	require.NoError(t, chain.Close())

	for i, want := range draft.Attachments {
		require.Contains(t, sinks, int64(i))
		assert.Equal(t, len(want.Content), sinks[int64(i)].Len())
		assert.True(t, bytes.Equal(want.Content, sinks[int64(i)].Bytes()))
		assert.True(t, sinks[int64(i)].Closed)
	}
}

func TestRoundTrip_FreshKeyPerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.seal(t, sampleDraft(), nil)
	b, _ := f.seal(t, sampleDraft(), nil)
	assert.NotEqual(t, a.Content, b.Content)

	da, err := f.decryptor().Decrypt(ctx, a)
	require.NoError(t, err)

	db, err := f.decryptor().Decrypt(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, da.KeySafe.SymmKey, db.KeySafe.SymmKey)
}

// --- MessageDecryptor ---

func TestDecrypt_SizeLimits(t *testing.T) {
	f := newFixture(t)
	base, _ := f.seal(t, sampleDraft(), nil)

	tests := []struct {
		name   string
		mutate func(m *kullo.Message)
	}{
		{"key safe", func(m *kullo.Message) { m.KeySafe = make([]byte, KeySafeMaxBytes+1) }},
		{"content", func(m *kullo.Message) { m.Content = make([]byte, ContentMaxBytes+1) }},
		{"meta", func(m *kullo.Message) { m.Meta = make([]byte, MetaMaxBytes+1) }},
		{"short key safe", func(m *kullo.Message) { m.KeySafe = m.KeySafe[:4] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := *base
			tt.mutate(&m)

			_, err := f.decryptor().Decrypt(context.Background(), &m)
			assert.ErrorIs(t, err, apperrors.ErrInvalidContentFormat)
		})
	}
}

func TestDecrypt_KeyMissing(t *testing.T) {
	f := newFixture(t)
	msg, _ := f.seal(t, sampleDraft(), nil)

	d := f.decryptor()
	d.Keys = mapPrivateKeys{}

	_, err := d.Decrypt(context.Background(), msg)
	assert.ErrorIs(t, err, apperrors.ErrDecryptionKeyMissing)
}

func TestDecrypt_Tombstone(t *testing.T) {
	f := newFixture(t)

	_, err := f.decryptor().Decrypt(context.Background(), &kullo.Message{ID: 1, Deleted: true})
	assert.Error(t, err)
}

func sealKeySafe(t *testing.T, f *fixture, plain []byte) []byte {
	t.Helper()

	sealed, err := f.crypto.SealAsymmetric(f.encKey.Public, plain)
	require.NoError(t, err)

	return append(binary.BigEndian.AppendUint32(nil, uint32(f.encKey.ID)), sealed...)
}

func TestDecrypt_KeySafeValidation(t *testing.T) {
	f := newFixture(t)
	key := make([]byte, kullo.SymmetricKeySize)

	tests := []struct {
		name    string
		keySafe map[string]any
		want    error
	}{
		{"future format", map[string]any{"msgFormat": 2, "symmCipher": symmCipher, "symmKey": key, "hashAlgo": hashAlgo}, apperrors.ErrUnsupportedContentVersion},
		{"no format", map[string]any{"symmCipher": symmCipher, "symmKey": key, "hashAlgo": hashAlgo}, apperrors.ErrInvalidContentFormat},
		{"bad cipher", map[string]any{"msgFormat": 1, "symmCipher": "DES", "symmKey": key, "hashAlgo": hashAlgo}, apperrors.ErrInvalidContentFormat},
		{"bad hash", map[string]any{"msgFormat": 1, "symmCipher": symmCipher, "symmKey": key, "hashAlgo": "MD5"}, apperrors.ErrInvalidContentFormat},
		{"short key", map[string]any{"msgFormat": 1, "symmCipher": symmCipher, "symmKey": key[:16], "hashAlgo": hashAlgo}, apperrors.ErrInvalidContentFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain, err := json.Marshal(tt.keySafe)
			require.NoError(t, err)

			m := &kullo.Message{ID: 1, KeySafe: sealKeySafe(t, f, plain), Content: []byte("x")}

			_, err = f.decryptor().Decrypt(context.Background(), m)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecrypt_TamperedContent(t *testing.T) {
	f := newFixture(t)
	msg, _ := f.seal(t, sampleDraft(), nil)
	msg.Content[len(msg.Content)-1] ^= 1

	_, err := f.decryptor().Decrypt(context.Background(), msg)
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
}

func TestDecrypt_MetaVersions(t *testing.T) {
	f := newFixture(t)
	msg, _ := f.seal(t, sampleDraft(), nil)

	t.Run("missing meta reads as latest", func(t *testing.T) {
		dm, err := f.decryptor().Decrypt(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, LatestMetaVersion, dm.MetaVersion)
		assert.Empty(t, dm.Meta)
	})

	t.Run("unknown version yields empty meta", func(t *testing.T) {
		m := *msg
		m.Meta = []byte{0, 0, 0, 5, 1, 2, 3}

		dm, err := f.decryptor().Decrypt(context.Background(), &m)
		require.NoError(t, err)
		assert.Equal(t, 5, dm.MetaVersion)
		assert.Empty(t, dm.Meta)
	})
}

func TestDecrypt_MetaVersionZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _ := f.seal(t, sampleDraft(), nil)

	sealed, err := f.crypto.EncryptSymmetric(f.dataKey, []byte(`{"read":true,"done":true}`))
	require.NoError(t, err)

	msg.Meta = binary.BigEndian.AppendUint32(nil, 0)
	msg.Meta = append(msg.Meta, sealed...)

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, dm.MetaVersion)
	assert.JSONEq(t, `{"read":true,"done":true}`, string(dm.Meta))

	decoded, err := f.decoder(bob).Decode(ctx, dm, true)
	require.NoError(t, err)

	assert.True(t, decoded.Message.Read)
	assert.True(t, decoded.Message.Done)
	assert.Equal(t, 0, decoded.Message.MetaVersion)
}

// --- MessageDecoder ---

func TestDecode_SignatureKeyMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _ := f.seal(t, sampleDraft(), nil)

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)

	dec := f.decoder(bob)
	dec.Keys = mapSignatureKeys{}

	_, err = dec.Decode(ctx, dm, true)
	require.ErrorIs(t, err, apperrors.ErrSignatureVerificationKeyMissing)

	var missing *SignatureKeyMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, alice, missing.Address)
	assert.Equal(t, f.sigKey.ID, missing.KeyID)

	_, err = dec.Decode(ctx, dm, false)
	assert.NoError(t, err, "verification can be skipped")
}

func TestDecode_WrongSignatureKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _ := f.seal(t, sampleDraft(), nil)

	other, err := f.crypto.GenerateKeyPair(kullo.KeyTypeSignature, 9)
	require.NoError(t, err)

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)

	dec := f.decoder(bob)
	dec.Keys = mapSignatureKeys{alice: other.Public}

	_, err = dec.Decode(ctx, dm, true)
	assert.ErrorIs(t, err, apperrors.ErrSignatureVerificationFailed)
}

func TestDecode_OwnMessageIsReadAndDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg, _ := f.seal(t, sampleDraft(), EncodeMeta(false, false))

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)

	decoded, err := f.decoder(alice).Decode(ctx, dm, true)
	require.NoError(t, err)

	assert.True(t, decoded.Message.Read)
	assert.True(t, decoded.Message.Done)
	assert.Equal(t, LatestMetaVersion, decoded.Message.MetaVersion)
	assert.Equal(t, []string{bob.String(), carol.String()}, decoded.Participants)
}

func TestDecode_Meta(t *testing.T) {
	tests := []struct {
		name      string
		version   int
		meta      string
		read      bool
		done      bool
		wantError bool
	}{
		{name: "v1 flags", version: 1, meta: `{"read":1,"done":1}`, read: true, done: true},
		{name: "v1 empty", version: 1, meta: ``},
		{name: "v1 partial", version: 1, meta: `{"done":1}`, done: true},
		{name: "v1 malformed", version: 1, meta: `{"read":"yes"}`, wantError: true},
		{name: "v0 bools", version: 0, meta: `{"read":true,"done":false}`, read: true},
		{name: "newer version", version: 3, meta: ``, read: true, done: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Decoder{User: bob}
			m := &store.Message{Sender: alice.String()}

			err := d.applyMeta(m, tt.version, []byte(tt.meta))
			if tt.wantError {
				assert.ErrorIs(t, err, apperrors.ErrInvalidContentFormat)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.read, m.Read)
			assert.Equal(t, tt.done, m.Done)
			assert.Equal(t, tt.version, m.MetaVersion)
		})
	}
}

func TestDecode_InvalidContent(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"sender":           map[string]any{"address": alice.String(), "name": "Alice", "organization": "", "avatar": map[string]any{}},
			"recipients":       []string{bob.String()},
			"dateSent":         "2024-03-01T10:00:00Z",
			"text":             "hi",
			"footer":           "",
			"attachmentsIndex": []any{},
		}
	}

	tests := []struct {
		name   string
		mutate func(doc map[string]any)
	}{
		{"sender not object", func(doc map[string]any) { doc["sender"] = "alice" }},
		{"recipients empty", func(doc map[string]any) { doc["recipients"] = []string{} }},
		{"recipients missing", func(doc map[string]any) { delete(doc, "recipients") }},
		{"bad recipient", func(doc map[string]any) { doc["recipients"] = []string{"nobody"} }},
		{"bad date", func(doc map[string]any) { doc["dateSent"] = "yesterday" }},
		{"avatar not object", func(doc map[string]any) {
			doc["sender"].(map[string]any)["avatar"] = "x"
		}},
		{"avatar half set", func(doc map[string]any) {
			doc["sender"].(map[string]any)["avatar"] = map[string]any{"mimeType": "image/png"}
		}},
		{"bad hash", func(doc map[string]any) {
			doc["attachmentsIndex"] = []any{map[string]any{"filename": "f", "mimeType": "m", "size": 1, "hash": "zz"}}
		}},
		{"negative size", func(doc map[string]any) {
			doc["attachmentsIndex"] = []any{map[string]any{"filename": "f", "mimeType": "m", "size": -1, "hash": "ab"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := valid()
			tt.mutate(doc)

			raw, err := json.Marshal(doc)
			require.NoError(t, err)

			enc := EncodedMessage{Content: raw}
			require.NoError(t, Compress(&enc))

			dm := &DecryptedMessage{ID: 1, Content: DecryptedContent{Data: enc.Content}, MetaVersion: 1}

			_, err = (&Decoder{User: bob}).Decode(context.Background(), dm, false)
			assert.ErrorIs(t, err, apperrors.ErrInvalidContentFormat)
		})
	}

	t.Run("valid baseline decodes", func(t *testing.T) {
		raw, err := json.Marshal(valid())
		require.NoError(t, err)

		enc := EncodedMessage{Content: raw}
		require.NoError(t, Compress(&enc))

		dm := &DecryptedMessage{ID: 1, Content: DecryptedContent{Data: enc.Content}, MetaVersion: 1}

		decoded, err := (&Decoder{User: bob}).Decode(context.Background(), dm, false)
		require.NoError(t, err)
		assert.Empty(t, decoded.Sender.AvatarMimeType)
	})
}

func TestDecode_NotGzip(t *testing.T) {
	dm := &DecryptedMessage{ID: 1, Content: DecryptedContent{Data: []byte("{}")}}

	_, err := (&Decoder{User: bob}).Decode(context.Background(), dm, false)
	assert.ErrorIs(t, err, apperrors.ErrGZipStream)
}

// --- MessageEncoder ---

func TestEncodeMessage_SizeMismatch(t *testing.T) {
	d := sampleDraft()
	d.Attachments[0].Size++

	_, err := EncodeMessage(d)
	assert.ErrorIs(t, err, apperrors.ErrDatabaseIntegrity)
}

func TestEncodeMessage_NoAvatarIsEmptyObject(t *testing.T) {
	d := sampleDraft()
	d.Sender.Avatar = nil
	d.Attachments = nil

	enc, err := EncodeMessage(d)
	require.NoError(t, err)
	assert.Contains(t, string(enc.Content), `"avatar":{}`)
	assert.Contains(t, string(enc.Content), `"attachmentsIndex":[]`)
	assert.Empty(t, enc.Attachments)
}

func TestEncodeMeta(t *testing.T) {
	assert.JSONEq(t, `{"read":1,"done":0}`, string(EncodeMeta(true, false)))
	assert.JSONEq(t, `{"read":0,"done":1}`, string(EncodeMeta(false, true)))
}

func TestCompress_Lossless(t *testing.T) {
	orig := EncodedMessage{Content: []byte(`{"text":"hi"}`), Attachments: bytes.Repeat([]byte("a"), 5000)}
	m := EncodedMessage{Content: bytes.Clone(orig.Content), Attachments: bytes.Clone(orig.Attachments)}

	require.NoError(t, Compress(&m))
	assert.Less(t, len(m.Attachments), len(orig.Attachments))

	content, err := Decompress(m.Content)
	require.NoError(t, err)
	assert.Equal(t, orig.Content, content)

	atts, err := Decompress(m.Attachments)
	require.NoError(t, err)
	assert.Equal(t, orig.Attachments, atts)
}

func TestCompress_EmptyAttachmentsStayEmpty(t *testing.T) {
	m := EncodedMessage{Content: []byte("{}")}
	require.NoError(t, Compress(&m))
	assert.Empty(t, m.Attachments)
}

// --- AttachmentSplittingSink ---

func splitAttachments(sizes ...int64) ([]store.Attachment, [][]byte) {
	var (
		atts  []store.Attachment
		parts [][]byte
	)

	for i, size := range sizes {
		data := bytes.Repeat([]byte{byte('a' + i)}, int(size))
		parts = append(parts, data)
		atts = append(atts, store.Attachment{MessageID: 1, Index: int64(i), Size: size, Hash: kullo.SHA512Hex(data)})
	}

	return atts, parts
}

func TestSplittingSink_SplitsAcrossWrites(t *testing.T) {
	atts, parts := splitAttachments(3, 0, 5, 0)
	sinks := map[int64]*stream.BufferSink{}
	s := NewAttachmentSplittingSink(atts, bufferFactory(sinks))

	all := bytes.Join(parts, nil)
	for _, chunk := range [][]byte{all[:2], all[2:4], all[4:]} {
		_, err := s.Write(chunk)
		require.NoError(t, err)
	}

	require.NoError(t, s.Close())
	require.Len(t, sinks, 4, "every attachment gets exactly one stream")

	for i, p := range parts {
		assert.Equal(t, string(p), string(sinks[int64(i)].Bytes()))
		assert.True(t, sinks[int64(i)].Closed)
	}
}

func TestSplittingSink_TooLong(t *testing.T) {
	atts, parts := splitAttachments(3)
	s := NewAttachmentSplittingSink(atts, bufferFactory(map[int64]*stream.BufferSink{}))

	_, err := s.Write(append(parts[0], 'x'))
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
}

func TestSplittingSink_TooShort(t *testing.T) {
	atts, parts := splitAttachments(3, 2)
	s := NewAttachmentSplittingSink(atts, bufferFactory(map[int64]*stream.BufferSink{}))

	_, err := s.Write(parts[0])
	require.NoError(t, err)
	assert.ErrorIs(t, s.Close(), apperrors.ErrIntegrityFailure)
}

func TestSplittingSink_HashMismatch(t *testing.T) {
	atts, _ := splitAttachments(3)
	s := NewAttachmentSplittingSink(atts, bufferFactory(map[int64]*stream.BufferSink{}))

	_, err := s.Write([]byte("zzz"))
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure, "the last byte closes the stream and checks the hash")
}

func TestSplittingSink_OnlyEmptyAttachments(t *testing.T) {
	atts, _ := splitAttachments(0, 0)
	sinks := map[int64]*stream.BufferSink{}

	c, err := NewAttachmentDownloadChain(nil, atts, bufferFactory(sinks))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Len(t, sinks, 2)
}

func TestAttachmentDownloadChain_DeclaredTotalTooLarge(t *testing.T) {
	atts := []store.Attachment{{Size: AttachmentsMaxBytes}, {Size: 1}}

	_, err := NewAttachmentDownloadChain(make([]byte, 32), atts, bufferFactory(map[int64]*stream.BufferSink{}))
	assert.ErrorIs(t, err, apperrors.ErrInvalidContentFormat)
}

// --- store integration ---

func testStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreAttachmentFactory_WritesVerifiedContent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := newFixture(t)
	draft := sampleDraft()

	msg, sendable := f.seal(t, draft, nil)

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)

	decoded, err := f.decoder(bob).Decode(ctx, dm, true)
	require.NoError(t, err)

	for i := range decoded.Attachments {
		require.NoError(t, store.SaveAttachment(ctx, s.DB(), &decoded.Attachments[i], nil))
	}

	err = s.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		c, err := NewAttachmentDownloadChain(dm.KeySafe.SymmKey, decoded.Attachments, NewStoreAttachmentFactory(ctx, tx, msg.ID))
		if err != nil {
			return err
		}

		if _, err := c.Write(sendable.Attachments); err != nil {
			return err
		}

		return c.Close()
	})
	require.NoError(t, err)

	for i, want := range draft.Attachments {
		got, err := store.AttachmentContent(ctx, s.DB(), false, msg.ID, int64(i))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want.Content, got))
	}

	done, err := store.AllAttachmentsDownloaded(ctx, s.DB(), msg.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestStoreAttachmentFactory_FailureLeavesNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	f := newFixture(t)

	msg, sendable := f.seal(t, sampleDraft(), nil)

	dm, err := f.decryptor().Decrypt(ctx, msg)
	require.NoError(t, err)

	decoded, err := f.decoder(bob).Decode(ctx, dm, true)
	require.NoError(t, err)

	for i := range decoded.Attachments {
		require.NoError(t, store.SaveAttachment(ctx, s.DB(), &decoded.Attachments[i], nil))
	}

	// Declare the last attachment one byte shorter than what arrives.
	decoded.Attachments[2].Size--

	err = s.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		c, err := NewAttachmentDownloadChain(dm.KeySafe.SymmKey, decoded.Attachments, NewStoreAttachmentFactory(ctx, tx, msg.ID))
		if err != nil {
			return err
		}

		if _, err := c.Write(sendable.Attachments); err != nil {
			c.Abort()
			return err
		}

		return c.Close()
	})
	require.ErrorIs(t, err, apperrors.ErrIntegrityFailure)

	for i := range decoded.Attachments {
		got, err := store.AttachmentContent(ctx, s.DB(), false, msg.ID, int64(i))
		require.NoError(t, err)
		assert.Nil(t, got, "attachment %d must stay pending", i)
	}
}

// --- PrivateKeyProvider ---

func TestPrivateKeyProvider(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := NewPrivateKeyProvider(s.DB())

	_, err := p.Key(ctx, kullo.KeyTypeEncryption, 3)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = p.LatestKey(ctx, kullo.KeyTypeEncryption)
	require.ErrorIs(t, err, apperrors.ErrDatabaseIntegrity)

	for _, id := range []int64{3, 4} {
		require.NoError(t, store.SaveKeyPair(ctx, s.DB(), &store.KeyPair{
			Type: string(kullo.KeyTypeEncryption), ID: id, PublicKey: []byte{byte(id)}, PrivateKey: []byte{byte(id), 1},
		}))
	}

	k, err := p.Key(ctx, kullo.KeyTypeEncryption, 3)
	require.NoError(t, err, "misses are not cached")
	assert.Equal(t, []byte{3, 1}, k.Private)

	_, err = s.DB().ExecContext(ctx, "DELETE FROM asymmetric_key_pairs WHERE id = 3")
	require.NoError(t, err)

	k, err = p.Key(ctx, kullo.KeyTypeEncryption, 3)
	require.NoError(t, err, "hits are cached")
	assert.Equal(t, int64(3), k.ID)

	latest, err := p.LatestKey(ctx, kullo.KeyTypeEncryption)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest.ID)

	_, err = p.Key(ctx, kullo.KeyTypeSignature, 4)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "cache is keyed by type and id")
}
