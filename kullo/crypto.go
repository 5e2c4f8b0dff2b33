package kullo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const (
	// SymmetricKeySize is the AES-256 key length in bytes.
	SymmetricKeySize = 32

	// boxKeySize is the curve25519 key length used by the key safe.
	boxKeySize = 32
)

// ErrDecrypt is returned when authenticated decryption fails.
var ErrDecrypt = errors.New("decryption failed")

// Cipher encrypts with AES-256-GCM. Output is [12-byte IV][ciphertext+tag]
// with a fresh random IV per call.
type Cipher struct {
	gcm  cipher.AEAD
	rand io.Reader
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("symmetric key must be %d bytes, got %d", SymmetricKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm, rand: rand.Reader}, nil
}

// Encrypt seals data under a random IV and prepends the IV.
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	out := make([]byte, len(iv), len(iv)+len(data)+c.gcm.Overhead())
	copy(out, iv)

	return c.gcm.Seal(out, iv, data, nil), nil
}

// Decrypt opens [IV][ciphertext+tag].
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes: %w", len(data), ErrDecrypt)
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}

// ZeroKey overwrites key material in place.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// PrivateKey is the local half of an asymmetric key pair together with its
// public half. For encryption keys both halves are 32-byte curve25519 keys;
// for signature keys Private is an ed25519 private key.
type PrivateKey struct {
	Type    KeyType
	ID      int64
	Public  []byte
	Private []byte
}

// Crypto bundles the primitives the codec needs. The zero value uses
// crypto/rand.
type Crypto struct {
	Rand io.Reader
}

func (c Crypto) random() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}

	return rand.Reader
}

// NewSymmetricKey returns a fresh random AES-256 key.
func (c Crypto) NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(c.random(), key); err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}

	return key, nil
}

// EncryptSymmetric seals data under key with a random IV.
func (c Crypto) EncryptSymmetric(key, data []byte) ([]byte, error) {
	ci, err := NewCipher(key)
	if err != nil {
		return nil, err
	}

	ci.rand = c.random()

	return ci.Encrypt(data)
}

// DecryptSymmetric opens data sealed by EncryptSymmetric.
func (c Crypto) DecryptSymmetric(key, data []byte) ([]byte, error) {
	ci, err := NewCipher(key)
	if err != nil {
		return nil, err
	}

	return ci.Decrypt(data)
}

// SealAsymmetric encrypts msg for the holder of the curve25519 public key.
func (c Crypto) SealAsymmetric(publicKey, msg []byte) ([]byte, error) {
	pub, err := boxKey(publicKey)
	if err != nil {
		return nil, err
	}

	out, err := box.SealAnonymous(nil, msg, pub, c.random())
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}

	return out, nil
}

// OpenAsymmetric decrypts a message sealed by SealAsymmetric.
func (c Crypto) OpenAsymmetric(key PrivateKey, sealed []byte) ([]byte, error) {
	pub, err := boxKey(key.Public)
	if err != nil {
		return nil, err
	}

	priv, err := boxKey(key.Private)
	if err != nil {
		return nil, err
	}

	out, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}

	return out, nil
}

// Sign signs data with an ed25519 private key.
func (c Crypto) Sign(key PrivateKey, data []byte) ([]byte, error) {
	if len(key.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signature key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key.Private))
	}

	return ed25519.Sign(ed25519.PrivateKey(key.Private), data), nil
}

// Verify reports whether signature is a valid ed25519 signature of data.
// A malformed public key verifies nothing.
func (c Crypto) Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// GenerateKeyPair creates a fresh key pair of the given type.
func (c Crypto) GenerateKeyPair(typ KeyType, id int64) (PrivateKey, error) {
	switch typ {
	case KeyTypeEncryption:
		pub, priv, err := box.GenerateKey(c.random())
		if err != nil {
			return PrivateKey{}, fmt.Errorf("generating encryption key: %w", err)
		}

		return PrivateKey{Type: typ, ID: id, Public: pub[:], Private: priv[:]}, nil
	case KeyTypeSignature:
		pub, priv, err := ed25519.GenerateKey(c.random())
		if err != nil {
			return PrivateKey{}, fmt.Errorf("generating signature key: %w", err)
		}

		return PrivateKey{Type: typ, ID: id, Public: pub, Private: priv}, nil
	}

	return PrivateKey{}, fmt.Errorf("unknown key type %q", typ)
}

// SHA512Hex returns the lowercase hex SHA-512 digest of data.
func SHA512Hex(data []byte) string {
	h := sha512.Sum512(data)
	return hex.EncodeToString(h[:])
}

func boxKey(b []byte) (*[boxKeySize]byte, error) {
	if len(b) != boxKeySize {
		return nil, fmt.Errorf("box key must be %d bytes, got %d", boxKeySize, len(b))
	}

	var k [boxKeySize]byte
	copy(k[:], b)

	return &k, nil
}
