// Package syncer runs the sync phases between the local session database
// and the server: keys, outgoing messages, profile, incoming messages and
// attachments.
package syncer

//go:generate mockgen -source=api.go -destination=mock_api_test.go -package=syncer

import (
	"context"
	"io"

	"github.com/alexjbarnes/kullo-sync/kullo"
)

// API is the part of the server client the syncers use. *kullo.Client
// implements it.
type API interface {
	GetMessages(ctx context.Context, modifiedAfter int64) (*kullo.MessagesResult, error)
	DownloadAttachments(ctx context.Context, id int64, w io.Writer, onProgress kullo.ProgressFunc) error
	SendMessageToSelf(ctx context.Context, msg kullo.SendableMessage, meta []byte, onProgress kullo.ProgressFunc) (*kullo.MessageSent, error)
	SendMessage(ctx context.Context, recipient kullo.Address, msg kullo.SendableMessage, onProgress kullo.ProgressFunc) error
	ModifyMeta(ctx context.Context, idlm kullo.IDLastModified, meta []byte) (*kullo.IDLastModified, error)
	DeleteMessage(ctx context.Context, idlm kullo.IDLastModified) (*kullo.IDLastModified, error)
	GetSymmetricKeys(ctx context.Context) (*kullo.SymmetricKeys, error)
	GetAsymmetricKeyPairs(ctx context.Context) ([]kullo.KeyPair, error)
	GetPublicKey(ctx context.Context, addr kullo.Address, typ kullo.KeyType, id int64) (*kullo.PublicKey, error)
	GetProfileChanges(ctx context.Context, modifiedAfter int64) ([]kullo.ProfileEntry, error)
	PutProfileEntry(ctx context.Context, entry kullo.ProfileEntry) (*kullo.ProfileEntry, error)
}

var _ API = (*kullo.Client)(nil)
