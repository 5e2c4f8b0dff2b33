package kullo

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// KeyType distinguishes the two asymmetric key kinds an account holds.
type KeyType string

const (
	KeyTypeEncryption KeyType = "enc"
	KeyTypeSignature  KeyType = "sig"
)

// ParseKeyType validates a key type string received from the server.
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(s) {
	case KeyTypeEncryption, KeyTypeSignature:
		return KeyType(s), nil
	}

	return "", fmt.Errorf("unknown key type %q", s)
}

// Address is a normalised "user#domain" account address.
type Address string

// ParseAddress validates and normalises an address. Both parts are NFKC
// normalised and lowercased.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))

	user, domain, ok := strings.Cut(s, "#")
	if !ok || user == "" || domain == "" || strings.Contains(domain, "#") {
		return "", fmt.Errorf("invalid address %q: expected user#domain", s)
	}

	if !strings.Contains(domain, ".") {
		return "", fmt.Errorf("invalid address %q: domain has no dot", s)
	}

	return Address(s), nil
}

// User returns the part before '#'.
func (a Address) User() string {
	user, _, _ := strings.Cut(string(a), "#")
	return user
}

// Domain returns the part after '#'.
func (a Address) Domain() string {
	_, domain, _ := strings.Cut(string(a), "#")
	return domain
}

// PathSegment returns the address escaped for use in a URL path.
func (a Address) PathSegment() string {
	return url.PathEscape(string(a))
}

func (a Address) String() string { return string(a) }

// IDLastModified identifies a server-side version of a message.
type IDLastModified struct {
	ID           int64 `json:"id"`
	LastModified int64 `json:"lastModified"`
}

// Message is a message record as returned by the server. Binary fields are
// still encrypted. For tombstones KeySafe, Content and DateReceived are empty.
type Message struct {
	ID             int64     `json:"id"`
	LastModified   int64     `json:"lastModified"`
	Deleted        bool      `json:"deleted"`
	DateReceived   time.Time `json:"dateReceived"`
	Meta           []byte    `json:"meta"`
	KeySafe        []byte    `json:"keySafe"`
	Content        []byte    `json:"content"`
	HasAttachments bool      `json:"hasAttachments"`
}

// MessagesResult is one page of GetMessages. CountLeft is the number of
// messages the server had left before this page, so the caller keeps paging
// while CountReturned < CountLeft.
type MessagesResult struct {
	Messages      []Message
	CountReturned int
	CountLeft     int
}

// SendableMessage holds the three encrypted blobs of an outgoing message.
type SendableMessage struct {
	KeySafe     []byte
	Content     []byte
	Attachments []byte
}

// MessageSent is returned when sending to one's own mailbox.
type MessageSent struct {
	ID           int64     `json:"id"`
	LastModified int64     `json:"lastModified"`
	DateReceived time.Time `json:"dateReceived"`
	Size         int64     `json:"size"`
}

// SymmetricKeys holds the account's private data key, encrypted under the
// master key.
type SymmetricKeys struct {
	LoginKey       string `json:"loginKey,omitempty"`
	PrivateDataKey []byte `json:"privateDataKey"`
}

// KeyPair is an asymmetric key pair as stored on the server. PrivateKey is
// encrypted under the private data key and may be empty.
type KeyPair struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	PublicKey  []byte    `json:"pubkey"`
	PrivateKey []byte    `json:"privkey"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	Revocation []byte    `json:"revocation"`
}

// PublicKey is another account's public key.
type PublicKey struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Key        []byte    `json:"pubkey"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidUntil time.Time `json:"validUntil"`
	Revocation []byte    `json:"revocation"`
}

// ProfileEntry is one profile field. Value is encrypted and base64 encoded
// on the wire.
type ProfileEntry struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	LastModified int64  `json:"lastModified"`
}

// TransferProgress reports bytes moved by an HTTP call. Totals are zero
// when unknown.
type TransferProgress struct {
	UploadTransferred   int64
	UploadTotal         int64
	DownloadTransferred int64
	DownloadTotal       int64
}

// ProgressFunc receives transfer progress. It is called from the goroutine
// performing the request.
type ProgressFunc func(TransferProgress)

// LatestKeyID asks GetPublicKey for the newest key of a type.
const LatestKeyID int64 = 0

type messagesResponse struct {
	ResultsTotal    int       `json:"resultsTotal"`
	ResultsReturned int       `json:"resultsReturned"`
	Data            []Message `json:"data"`
}

type profileResponse struct {
	Data []ProfileEntry `json:"data"`
}

type metaRequest struct {
	Meta []byte `json:"meta"`
}

type profileValueRequest struct {
	Value string `json:"value"`
}
