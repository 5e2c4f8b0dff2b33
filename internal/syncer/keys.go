package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// KeysSyncer downloads the private data key and the account's key pairs.
type KeysSyncer struct {
	s *session
}

// Run stores the private data key, decrypted with the master key's data
// key, and every key pair that carries a private key. Key material of a
// known pair is never replaced; only its revocation is updated.
func (k *KeysSyncer) Run(ctx context.Context, cancel *atomic.Bool) error {
	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	symm, err := k.s.api.GetSymmetricKeys(ctx)
	if err != nil {
		return fmt.Errorf("downloading symmetric keys: %w", transportErr(err))
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	pdk, err := k.s.crypto.DecryptSymmetric(k.s.creds.DataKey, symm.PrivateDataKey)
	if err != nil {
		return fmt.Errorf("decrypting private data key (wrong master key?): %w", err)
	}

	if err := store.SaveSymmetricKey(ctx, k.s.store.DB(), store.PrivateDataKey, pdk); err != nil {
		return err
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	pairs, err := k.s.api.GetAsymmetricKeyPairs(ctx)
	if err != nil {
		return fmt.Errorf("downloading key pairs: %w", transportErr(err))
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	return k.s.store.WithTx(ctx, store.TxImmediate, func(tx store.DBTX) error {
		for i := range pairs {
			if err := k.savePair(ctx, tx, pdk, &pairs[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

func (k *KeysSyncer) savePair(ctx context.Context, tx store.DBTX, pdk []byte, p *kullo.KeyPair) error {
	typ, err := kullo.ParseKeyType(p.Type)
	if err != nil {
		k.s.logger.Warn("skipping key pair of unknown type",
			slog.Int64("key_id", p.ID),
			slog.String("type", p.Type),
		)

		return nil
	}

	// Keys whose private half is not held by this account cannot be used.
	if len(p.PrivateKey) == 0 {
		return nil
	}

	kp, err := store.LoadKeyPair(ctx, tx, string(typ), p.ID)
	if err != nil {
		return err
	}

	if kp == nil {
		priv, err := k.s.crypto.DecryptSymmetric(pdk, p.PrivateKey)
		if err != nil {
			return fmt.Errorf("decrypting %s key %d: %w", typ, p.ID, err)
		}

		kp = &store.KeyPair{
			Type:       string(typ),
			ID:         p.ID,
			PublicKey:  p.PublicKey,
			PrivateKey: priv,
			ValidFrom:  p.ValidFrom,
			ValidUntil: p.ValidUntil,
		}

		k.s.logger.Info("stored key pair", slog.String("type", string(typ)), slog.Int64("key_id", p.ID))
	}

	kp.Revocation = p.Revocation

	return store.SaveKeyPair(ctx, tx, kp)
}
