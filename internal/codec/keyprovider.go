package codec

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

type keyRef struct {
	typ kullo.KeyType
	id  int64
}

// PrivateKeyProvider caches the local user's private keys. Keys are loaded
// from the store on first use. Misses are not cached, so a key stored by a
// later key sync is found on the next lookup.
type PrivateKeyProvider struct {
	db store.DBTX

	mu    sync.Mutex
	cache map[keyRef]kullo.PrivateKey
}

// NewPrivateKeyProvider creates a provider reading from db.
func NewPrivateKeyProvider(db store.DBTX) *PrivateKeyProvider {
	return &PrivateKeyProvider{db: db, cache: make(map[keyRef]kullo.PrivateKey)}
}

// Key returns the private key of a type and id. A key that is not stored
// locally is reported as ErrNotFound.
func (p *PrivateKeyProvider) Key(ctx context.Context, typ kullo.KeyType, id int64) (kullo.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref := keyRef{typ: typ, id: id}
	if k, ok := p.cache[ref]; ok {
		return k, nil
	}

	kp, err := store.LoadKeyPair(ctx, p.db, string(typ), id)
	if err != nil {
		return kullo.PrivateKey{}, err
	}

	if kp == nil || len(kp.PrivateKey) == 0 {
		return kullo.PrivateKey{}, fmt.Errorf("%s key %d: %w", typ, id, apperrors.ErrNotFound)
	}

	k := kullo.PrivateKey{Type: typ, ID: id, Public: kp.PublicKey, Private: kp.PrivateKey}
	p.cache[ref] = k

	return k, nil
}

// LatestKey returns the newest private key of a type. Having none is a
// database integrity error since key sync always runs first.
func (p *PrivateKeyProvider) LatestKey(ctx context.Context, typ kullo.KeyType) (kullo.PrivateKey, error) {
	kp, err := store.LatestKeyPair(ctx, p.db, string(typ))
	if err != nil {
		return kullo.PrivateKey{}, err
	}

	if kp == nil {
		return kullo.PrivateKey{}, fmt.Errorf("%w: no %s key pair", apperrors.ErrDatabaseIntegrity, typ)
	}

	return p.Key(ctx, typ, kp.ID)
}
