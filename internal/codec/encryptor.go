package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// keySafeJSON is the plaintext of a key safe.
type keySafeJSON struct {
	MsgFormat  *uint32 `json:"msgFormat"`
	SymmCipher string  `json:"symmCipher"`
	SymmKey    []byte  `json:"symmKey"`
	HashAlgo   string  `json:"hashAlgo"`
}

// RecipientKey is the public encryption key a message is sealed for.
type RecipientKey struct {
	ID  int64
	Key []byte
}

// Encryptor seals encoded messages and meta.
type Encryptor struct {
	Crypto kullo.Crypto
}

// EncryptMessage seals a compressed message for one recipient. A fresh
// message key is generated on every call; the content is signed with
// sigKey before encryption.
func (e Encryptor) EncryptMessage(m EncodedMessage, recipient RecipientKey, sigKey kullo.PrivateKey) (kullo.SendableMessage, error) {
	symmKey, err := e.Crypto.NewSymmetricKey()
	if err != nil {
		return kullo.SendableMessage{}, err
	}
	defer kullo.ZeroKey(symmKey)

	keySafe, err := e.makeKeySafe(symmKey, recipient)
	if err != nil {
		return kullo.SendableMessage{}, err
	}

	sig, err := e.Crypto.Sign(sigKey, m.Content)
	if err != nil {
		return kullo.SendableMessage{}, fmt.Errorf("signing content: %w", err)
	}

	plain := make([]byte, 0, 8+len(sig)+len(m.Content))
	plain = binary.BigEndian.AppendUint32(plain, uint32(sigKey.ID))
	plain = binary.BigEndian.AppendUint32(plain, uint32(len(sig)))
	plain = append(plain, sig...)
	plain = append(plain, m.Content...)

	content, err := e.Crypto.EncryptSymmetric(symmKey, plain)
	if err != nil {
		return kullo.SendableMessage{}, fmt.Errorf("encrypting content: %w", err)
	}

	out := kullo.SendableMessage{KeySafe: keySafe, Content: content}

	if len(m.Attachments) > 0 {
		out.Attachments, err = e.Crypto.EncryptSymmetric(symmKey, m.Attachments)
		if err != nil {
			return kullo.SendableMessage{}, fmt.Errorf("encrypting attachments: %w", err)
		}
	}

	return out, nil
}

func (e Encryptor) makeKeySafe(symmKey []byte, recipient RecipientKey) ([]byte, error) {
	format := uint32(msgFormat)

	plain, err := json.Marshal(keySafeJSON{
		MsgFormat:  &format,
		SymmCipher: symmCipher,
		SymmKey:    symmKey,
		HashAlgo:   hashAlgo,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding key safe: %w", err)
	}

	sealed, err := e.Crypto.SealAsymmetric(recipient.Key, plain)
	if err != nil {
		return nil, fmt.Errorf("sealing key safe for key %d: %w", recipient.ID, err)
	}

	out := make([]byte, 0, 4+len(sealed))
	out = binary.BigEndian.AppendUint32(out, uint32(recipient.ID))

	return append(out, sealed...), nil
}

// EncryptMeta encrypts meta under the account's private data key and
// prefixes the meta version.
func (e Encryptor) EncryptMeta(meta, privateDataKey []byte) ([]byte, error) {
	sealed, err := e.Crypto.EncryptSymmetric(privateDataKey, meta)
	if err != nil {
		return nil, fmt.Errorf("encrypting meta: %w", err)
	}

	out := make([]byte, 0, 4+len(sealed))
	out = binary.BigEndian.AppendUint32(out, LatestMetaVersion)
	out = append(out, sealed...)

	if len(out) > MetaMaxBytes {
		return nil, fmt.Errorf("%w: meta is %d bytes", apperrors.ErrInvalidContentFormat, len(out))
	}

	return out, nil
}
