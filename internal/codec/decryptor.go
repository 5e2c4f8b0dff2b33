package codec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// PrivateKeys resolves the local user's private keys by type and id.
type PrivateKeys interface {
	Key(ctx context.Context, typ kullo.KeyType, id int64) (kullo.PrivateKey, error)
}

// KeySafe is the decrypted key safe of a message.
type KeySafe struct {
	MsgFormat  uint32
	SymmCipher string
	SymmKey    []byte
	HashAlgo   string
}

// DecryptedContent is the decrypted but still compressed message content
// together with its signature.
type DecryptedContent struct {
	SigKeyID  int64
	Signature []byte
	Data      []byte
}

// DecryptedMessage is a server message after decryption.
type DecryptedMessage struct {
	ID           int64
	LastModified int64
	DateReceived time.Time
	KeySafe      KeySafe
	Content      DecryptedContent
	MetaVersion  int
	Meta         []byte
}

// Decryptor opens messages addressed to the local user.
type Decryptor struct {
	Keys           PrivateKeys
	PrivateDataKey []byte
	Crypto         kullo.Crypto
}

// Decrypt checks the blob sizes, opens the key safe with the private key
// named in its prefix and decrypts content and meta. Tombstones cannot be
// decrypted.
func (d *Decryptor) Decrypt(ctx context.Context, m *kullo.Message) (*DecryptedMessage, error) {
	if m.Deleted {
		return nil, fmt.Errorf("%w: message %d is deleted", apperrors.ErrInvalidContentFormat, m.ID)
	}

	if err := checkSize(m); err != nil {
		return nil, err
	}

	ks, err := d.openKeySafe(ctx, m)
	if err != nil {
		return nil, err
	}

	content, err := d.decryptContent(m, ks)
	if err != nil {
		return nil, err
	}

	version, meta, err := d.decryptMeta(m)
	if err != nil {
		return nil, err
	}

	return &DecryptedMessage{
		ID:           m.ID,
		LastModified: m.LastModified,
		DateReceived: m.DateReceived,
		KeySafe:      ks,
		Content:      content,
		MetaVersion:  version,
		Meta:         meta,
	}, nil
}

func checkSize(m *kullo.Message) error {
	switch {
	case len(m.KeySafe) > KeySafeMaxBytes:
		return fmt.Errorf("%w: key safe of message %d is %d bytes", apperrors.ErrInvalidContentFormat, m.ID, len(m.KeySafe))
	case len(m.Content) > ContentMaxBytes:
		return fmt.Errorf("%w: content of message %d is %d bytes", apperrors.ErrInvalidContentFormat, m.ID, len(m.Content))
	case len(m.Meta) > MetaMaxBytes:
		return fmt.Errorf("%w: meta of message %d is %d bytes", apperrors.ErrInvalidContentFormat, m.ID, len(m.Meta))
	}

	return nil
}

func (d *Decryptor) openKeySafe(ctx context.Context, m *kullo.Message) (KeySafe, error) {
	if len(m.KeySafe) <= 4 {
		return KeySafe{}, fmt.Errorf("%w: key safe of message %d too short", apperrors.ErrInvalidContentFormat, m.ID)
	}

	keyID := int64(binary.BigEndian.Uint32(m.KeySafe))

	key, err := d.Keys.Key(ctx, kullo.KeyTypeEncryption, keyID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return KeySafe{}, fmt.Errorf("%w: encryption key %d for message %d", apperrors.ErrDecryptionKeyMissing, keyID, m.ID)
	}

	if err != nil {
		return KeySafe{}, err
	}

	plain, err := d.Crypto.OpenAsymmetric(key, m.KeySafe[4:])
	if err != nil {
		return KeySafe{}, fmt.Errorf("%w: opening key safe of message %d: %v", apperrors.ErrIntegrityFailure, m.ID, err)
	}

	return parseKeySafe(plain)
}

func parseKeySafe(plain []byte) (KeySafe, error) {
	var raw keySafeJSON
	if err := json.Unmarshal(plain, &raw); err != nil {
		return KeySafe{}, fmt.Errorf("%w: key safe: %v", apperrors.ErrInvalidContentFormat, err)
	}

	if raw.MsgFormat == nil {
		return KeySafe{}, fmt.Errorf("%w: key safe without msgFormat", apperrors.ErrInvalidContentFormat)
	}

	if *raw.MsgFormat != msgFormat {
		return KeySafe{}, fmt.Errorf("%w: msgFormat %d", apperrors.ErrUnsupportedContentVersion, *raw.MsgFormat)
	}

	if raw.SymmCipher != symmCipher {
		return KeySafe{}, fmt.Errorf("%w: symmCipher %q", apperrors.ErrInvalidContentFormat, raw.SymmCipher)
	}

	if raw.HashAlgo != hashAlgo {
		return KeySafe{}, fmt.Errorf("%w: hashAlgo %q", apperrors.ErrInvalidContentFormat, raw.HashAlgo)
	}

	if len(raw.SymmKey) != kullo.SymmetricKeySize {
		return KeySafe{}, fmt.Errorf("%w: symmKey has %d bytes", apperrors.ErrInvalidContentFormat, len(raw.SymmKey))
	}

	return KeySafe{
		MsgFormat:  *raw.MsgFormat,
		SymmCipher: raw.SymmCipher,
		SymmKey:    raw.SymmKey,
		HashAlgo:   raw.HashAlgo,
	}, nil
}

func (d *Decryptor) decryptContent(m *kullo.Message, ks KeySafe) (DecryptedContent, error) {
	plain, err := d.Crypto.DecryptSymmetric(ks.SymmKey, m.Content)
	if err != nil {
		return DecryptedContent{}, fmt.Errorf("%w: content of message %d: %v", apperrors.ErrIntegrityFailure, m.ID, err)
	}

	if len(plain) < 8 {
		return DecryptedContent{}, fmt.Errorf("%w: content of message %d too short", apperrors.ErrInvalidContentFormat, m.ID)
	}

	sigLen := binary.BigEndian.Uint32(plain[4:8])
	if uint64(len(plain)-8) < uint64(sigLen) {
		return DecryptedContent{}, fmt.Errorf("%w: signature of message %d truncated", apperrors.ErrInvalidContentFormat, m.ID)
	}

	return DecryptedContent{
		SigKeyID:  int64(binary.BigEndian.Uint32(plain[0:4])),
		Signature: plain[8 : 8+sigLen],
		Data:      plain[8+sigLen:],
	}, nil
}

// decryptMeta returns the meta version and plaintext. Meta shorter than its
// version prefix reads as empty meta of the latest version. Every version up
// to the latest is sealed under the private data key; newer versions yield
// empty meta.
func (d *Decryptor) decryptMeta(m *kullo.Message) (int, []byte, error) {
	if len(m.Meta) < 4 {
		return LatestMetaVersion, nil, nil
	}

	version := int(binary.BigEndian.Uint32(m.Meta))
	if version > LatestMetaVersion {
		return version, nil, nil
	}

	plain, err := d.Crypto.DecryptSymmetric(d.PrivateDataKey, m.Meta[4:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: meta of message %d: %v", apperrors.ErrIntegrityFailure, m.ID, err)
	}

	return version, plain, nil
}
