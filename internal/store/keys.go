package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SymmetricKeyType names a stored symmetric key.
type SymmetricKeyType string

const (
	MasterKey      SymmetricKeyType = "master_key"
	PrivateDataKey SymmetricKeyType = "private_data_key"
)

// SymmetricKey returns the stored key or nil.
func SymmetricKey(ctx context.Context, q DBTX, typ SymmetricKeyType) ([]byte, error) {
	var key []byte

	err := q.GetContext(ctx, &key, "SELECT key FROM symmetric_keys WHERE key_type = ?", string(typ))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", typ, err)
	}

	return key, nil
}

// SaveSymmetricKey inserts or replaces a symmetric key.
func SaveSymmetricKey(ctx context.Context, q DBTX, typ SymmetricKeyType, key []byte) error {
	_, err := q.ExecContext(ctx,
		"INSERT OR REPLACE INTO symmetric_keys (key_type, key) VALUES (?, ?)", string(typ), key)
	if err != nil {
		return fmt.Errorf("saving %s: %w", typ, err)
	}

	return nil
}

// KeyPair is a decrypted asymmetric key pair of the local user.
type KeyPair struct {
	Type       string
	ID         int64
	PublicKey  []byte
	PrivateKey []byte
	ValidFrom  time.Time
	ValidUntil time.Time
	Revocation []byte
}

type keyPairRow struct {
	Type       string `db:"key_type"`
	ID         int64  `db:"id"`
	PublicKey  []byte `db:"pubkey"`
	PrivateKey []byte `db:"privkey"`
	ValidFrom  string `db:"valid_from"`
	ValidUntil string `db:"valid_until"`
	Revocation []byte `db:"revocation"`
}

func (r *keyPairRow) keyPair() *KeyPair {
	return &KeyPair{
		Type:       r.Type,
		ID:         r.ID,
		PublicKey:  r.PublicKey,
		PrivateKey: r.PrivateKey,
		ValidFrom:  parseTime(r.ValidFrom),
		ValidUntil: parseTime(r.ValidUntil),
		Revocation: r.Revocation,
	}
}

const keyPairColumns = "key_type, id, pubkey, privkey, valid_from, valid_until, revocation"

// LoadKeyPair returns the key pair or nil.
func LoadKeyPair(ctx context.Context, q DBTX, typ string, id int64) (*KeyPair, error) {
	var r keyPairRow

	err := q.GetContext(ctx, &r,
		"SELECT "+keyPairColumns+" FROM asymmetric_key_pairs WHERE key_type = ? AND id = ?", typ, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading %s key pair %d: %w", typ, id, err)
	}

	return r.keyPair(), nil
}

// LatestKeyPair returns the key pair of a type with the highest id, or nil.
func LatestKeyPair(ctx context.Context, q DBTX, typ string) (*KeyPair, error) {
	var r keyPairRow

	err := q.GetContext(ctx, &r,
		"SELECT "+keyPairColumns+" FROM asymmetric_key_pairs WHERE key_type = ? ORDER BY id DESC LIMIT 1", typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading latest %s key pair: %w", typ, err)
	}

	return r.keyPair(), nil
}

// SaveKeyPair inserts a key pair. Key material of an existing pair is never
// replaced; only its revocation is updated.
func SaveKeyPair(ctx context.Context, q DBTX, kp *KeyPair) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO asymmetric_key_pairs (`+keyPairColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_type, id) DO UPDATE SET revocation = excluded.revocation`,
		kp.Type, kp.ID, kp.PublicKey, kp.PrivateKey,
		formatTime(kp.ValidFrom), formatTime(kp.ValidUntil), kp.Revocation)
	if err != nil {
		return fmt.Errorf("saving %s key pair %d: %w", kp.Type, kp.ID, err)
	}

	return nil
}

// PublicKey returns a cached public key of another account, or nil.
func PublicKey(ctx context.Context, q DBTX, address, typ string, id int64) ([]byte, error) {
	var key []byte

	err := q.GetContext(ctx, &key,
		"SELECT pubkey FROM public_keys WHERE address = ? AND key_type = ? AND id = ?", address, typ, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading %s key %d of %s: %w", typ, id, address, err)
	}

	return key, nil
}

// SavePublicKey caches a public key of another account.
func SavePublicKey(ctx context.Context, q DBTX, address, typ string, id int64, key []byte) error {
	_, err := q.ExecContext(ctx,
		"INSERT OR REPLACE INTO public_keys (address, key_type, id, pubkey) VALUES (?, ?, ?, ?)",
		address, typ, id, key)
	if err != nil {
		return fmt.Errorf("saving %s key %d of %s: %w", typ, id, address, err)
	}

	return nil
}
