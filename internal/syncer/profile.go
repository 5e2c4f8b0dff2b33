package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/internal/store"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// ProfileSyncer syncs the user settings stored encrypted on the server.
type ProfileSyncer struct {
	s *session
}

// Run downloads remote changes first, then uploads local edits. An upload
// that lost a race against another client is dropped; the winning value
// arrives with the next download.
func (p *ProfileSyncer) Run(ctx context.Context, cancel *atomic.Bool) error {
	pdk, err := p.s.privateDataKey(ctx)
	if err != nil {
		return err
	}

	if err := p.download(ctx, cancel, pdk); err != nil {
		return err
	}

	return p.upload(ctx, cancel, pdk)
}

func (p *ProfileSyncer) download(ctx context.Context, cancel *atomic.Bool, pdk []byte) error {
	db := p.s.store.DB()

	since, err := store.SyncTimestamp(ctx, db, store.SyncProfile)
	if err != nil {
		return err
	}

	if err := checkCanceled(ctx, cancel); err != nil {
		return err
	}

	entries, err := p.s.api.GetProfileChanges(ctx, since)
	if err != nil {
		return fmt.Errorf("downloading profile changes: %w", transportErr(err))
	}

	latest := since

	for _, e := range entries {
		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		latest = max(latest, e.LastModified)

		value, err := p.decryptValue(pdk, e.Value)
		if skippable(err) {
			p.s.logger.Warn("skipping unreadable profile value",
				slog.String("key", e.Key),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err != nil {
			return err
		}

		changed, err := store.SetRemoteValue(ctx, db, e.Key, value, e.LastModified)
		if err != nil {
			return err
		}

		if changed {
			p.s.events.profileModified(e.Key)
		}
	}

	return store.SetSyncTimestamp(ctx, db, store.SyncProfile, latest)
}

func (p *ProfileSyncer) upload(ctx context.Context, cancel *atomic.Bool, pdk []byte) error {
	db := p.s.store.DB()

	changes, err := store.LocalChanges(ctx, db)
	if err != nil {
		return err
	}

	for _, c := range changes {
		if err := checkCanceled(ctx, cancel); err != nil {
			return err
		}

		sealed, err := p.s.crypto.EncryptSymmetric(pdk, []byte(c.LocalValue.String))
		if err != nil {
			return fmt.Errorf("encrypting profile value %s: %w", c.Key, err)
		}

		res, err := p.s.api.PutProfileEntry(ctx, kullo.ProfileEntry{
			Key:          c.Key,
			Value:        base64.StdEncoding.EncodeToString(sealed),
			LastModified: c.LastModified,
		})
		if errors.Is(err, apperrors.ErrConflict) {
			p.s.logger.Info("profile value changed remotely, keeping remote", slog.String("key", c.Key))
			continue
		}

		if err != nil {
			return fmt.Errorf("uploading profile value %s: %w", c.Key, transportErr(err))
		}

		if _, err := store.SetRemoteValue(ctx, db, c.Key, c.LocalValue.String, res.LastModified); err != nil {
			return err
		}
	}

	return nil
}

// decryptValue decodes a base64 value and opens it with the private data
// key.
func (p *ProfileSyncer) decryptValue(pdk []byte, value string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("%w: profile value is not base64: %v", apperrors.ErrInvalidContentFormat, err)
	}

	plain, err := p.s.crypto.DecryptSymmetric(pdk, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrIntegrityFailure, err)
	}

	return string(plain), nil
}
