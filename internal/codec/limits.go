// Package codec converts between drafts and messages in the local store and
// the encrypted blobs exchanged with the server.
package codec

const (
	// KeySafeMaxBytes bounds the encrypted key safe including its key id.
	KeySafeMaxBytes = 1024

	// ContentMaxBytes bounds the encrypted message content.
	ContentMaxBytes = 128 * 1024

	// MetaMaxBytes bounds the encrypted meta including its version prefix.
	MetaMaxBytes = 1024

	// AttachmentsMaxBytes bounds the summed plaintext size of a message's
	// attachments.
	AttachmentsMaxBytes = 100 * 1024 * 1024

	// LatestMetaVersion is the meta format this client writes.
	LatestMetaVersion = 1
)

const (
	msgFormat  = 1
	symmCipher = "AES-256/GCM"
	hashAlgo   = "SHA-512"

	// maxAttachmentsWireBytes bounds the raw attachment download: the
	// plaintext ceiling plus worst-case gzip framing and the GCM envelope.
	maxAttachmentsWireBytes = AttachmentsMaxBytes + AttachmentsMaxBytes/1024 + 64*1024
)
