package errors

import "errors"

// Server/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrCanceled     = errors.New("request canceled")
	ErrUnauthorized = errors.New("unauthorized")
)

// Codec errors. A message or attachment failing with one of these is
// skipped and left untouched so a later client can retry it.
var (
	ErrInvalidContentFormat            = errors.New("invalid content format")
	ErrDecryptionKeyMissing            = errors.New("decryption key missing")
	ErrUnsupportedContentVersion       = errors.New("unsupported content version")
	ErrSignatureVerificationKeyMissing = errors.New("signature verification key missing")
	ErrSignatureVerificationFailed     = errors.New("signature verification failed")
	ErrIntegrityFailure                = errors.New("integrity failure")
	ErrGZipStream                      = errors.New("gzip stream error")
)

// Sync errors.
var (
	ErrSyncCanceled              = errors.New("sync canceled")
	ErrDatabaseIntegrity         = errors.New("database integrity error")
	ErrInvalidDeliveryTransition = errors.New("invalid delivery state transition")
)
