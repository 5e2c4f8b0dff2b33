package kullo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxAPIResponseBytes caps JSON response reads. A full page of
	// messages with content can be several megabytes.
	maxAPIResponseBytes = 32 * 1024 * 1024

	latestEncryptionKey = "latest-enc"
	latestSignatureKey  = "latest-sig"
)

// DefaultBaseURL returns the API root for an address's home server.
func DefaultBaseURL(domain string) string {
	return "https://" + domain + "/v1"
}

// Client talks to the mail service REST API on behalf of one account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the basic auth header
// from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. baseURL is the account's API root; if
// empty it is derived from the address. If httpClient is nil a client with
// the same-host redirect policy and no overall timeout is created, since
// attachment transfers may legitimately take longer than any fixed bound.
func NewClient(httpClient *http.Client, baseURL string, creds Credentials) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL(creds.Address.Domain())
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
	}
}

// Address returns the account the client acts for.
func (c *Client) Address() Address {
	return c.creds.Address
}

func (c *Client) userURL(addr Address) string {
	base := c.baseURL
	if addr.Domain() != c.creds.Address.Domain() {
		base = DefaultBaseURL(addr.Domain())
	}

	return base + "/" + addr.PathSegment()
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

type request struct {
	method      string
	url         string
	auth        bool
	contentType string
	body        []byte
	onProgress  ProgressFunc
}

// do sends the request and returns the response with a 2xx status. Any
// other status is turned into an error carrying one of the transport
// sentinels, and the body is closed.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = &countingReader{
			r:     bytes.NewReader(r.body),
			total: int64(len(r.body)),
			fn:    r.onProgress,
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if r.body != nil {
		req.ContentLength = int64(len(r.body))
	}

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	req.Header.Set("Accept", "application/json")

	if r.auth {
		req.SetBasicAuth(string(c.creds.Address), c.creds.LoginKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%s %s: %w", r.method, req.URL.Path, apperrors.ErrCanceled)
		}
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: %s %s: %v", apperrors.ErrAPIRequest, r.method, req.URL.Path, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return nil, statusError(r.method, req.URL.Path, resp.StatusCode, respBody)
}

func statusError(method, path string, code int, body []byte) error {
	detail := gjson.GetBytes(body, "error").Str
	if detail == "" {
		detail = sanitizeResponseBody(body)
	}

	var sentinel error

	switch code {
	case http.StatusNotFound:
		sentinel = apperrors.ErrNotFound
	case http.StatusConflict:
		sentinel = apperrors.ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = apperrors.ErrUnauthorized
	default:
		sentinel = apperrors.ErrAPIResponse
	}

	err := fmt.Errorf("%s %s returned status %d: %w: %s", method, path, code, sentinel, detail)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// doJSON sends r and decodes a JSON response into result when non-nil.
func (c *Client) doJSON(ctx context.Context, r request, result any) error {
	resp, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("reading response: %w", apperrors.ErrCanceled)
		}

		return fmt.Errorf("reading response from %s: %w", r.url, err)
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", apperrors.ErrAPIResponse, r.method, err)
	}

	return nil
}

func jsonBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return b, nil
}

// GetMessages returns the next page of messages modified after the given
// server timestamp.
func (c *Client) GetMessages(ctx context.Context, modifiedAfter int64) (*MessagesResult, error) {
	u := c.userURL(c.creds.Address) + "/messages?modifiedAfter=" + strconv.FormatInt(modifiedAfter, 10) + "&includeData=true"

	var resp messagesResponse
	if err := c.doJSON(ctx, request{method: http.MethodGet, url: u, auth: true}, &resp); err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}

	return &MessagesResult{
		Messages:      resp.Data,
		CountReturned: resp.ResultsReturned,
		CountLeft:     resp.ResultsTotal,
	}, nil
}

// DownloadAttachments streams the encrypted attachment blob of a message
// into w, reporting download progress.
func (c *Client) DownloadAttachments(ctx context.Context, id int64, w io.Writer, onProgress ProgressFunc) error {
	u := c.userURL(c.creds.Address) + "/messages/" + strconv.FormatInt(id, 10) + "/attachments"

	resp, err := c.do(ctx, request{method: http.MethodGet, url: u, auth: true})
	if err != nil {
		return fmt.Errorf("downloading attachments of message %d: %w", id, err)
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	cw := &countingWriter{w: w, total: total, fn: onProgress}
	if onProgress != nil {
		onProgress(TransferProgress{DownloadTotal: total})
	}

	if _, err := io.Copy(cw, resp.Body); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("downloading attachments of message %d: %w", id, apperrors.ErrCanceled)
		}

		return fmt.Errorf("downloading attachments of message %d: %w", id, err)
	}

	return nil
}

func multipartMessage(msg SendableMessage, meta []byte) ([]byte, string, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	parts := []struct {
		name string
		data []byte
	}{
		{"keySafe", msg.KeySafe},
		{"content", msg.Content},
		{"meta", meta},
		{"attachments", msg.Attachments},
	}
	for _, p := range parts {
		if p.name == "meta" && len(p.data) == 0 {
			continue
		}

		fw, err := mw.CreateFormField(p.name)
		if err != nil {
			return nil, "", fmt.Errorf("creating %s part: %w", p.name, err)
		}

		if _, err := fw.Write(p.data); err != nil {
			return nil, "", fmt.Errorf("writing %s part: %w", p.name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

// SendMessageToSelf stores an outgoing message in the user's own mailbox.
// The server assigns the message id.
func (c *Client) SendMessageToSelf(ctx context.Context, msg SendableMessage, meta []byte, onProgress ProgressFunc) (*MessageSent, error) {
	if len(meta) == 0 {
		return nil, errors.New("sending to self requires meta")
	}

	body, contentType, err := multipartMessage(msg, meta)
	if err != nil {
		return nil, err
	}

	var sent MessageSent

	err = c.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         c.userURL(c.creds.Address) + "/messages",
		auth:        true,
		contentType: contentType,
		body:        body,
		onProgress:  onProgress,
	}, &sent)
	if err != nil {
		return nil, fmt.Errorf("sending message to self: %w", err)
	}

	if sent.Size == 0 {
		sent.Size = int64(len(body))
	}

	return &sent, nil
}

// SendMessage delivers a message to another account's inbox. The request
// is unauthenticated since the sender has no account on the recipient side.
func (c *Client) SendMessage(ctx context.Context, recipient Address, msg SendableMessage, onProgress ProgressFunc) error {
	body, contentType, err := multipartMessage(msg, nil)
	if err != nil {
		return err
	}

	err = c.doJSON(ctx, request{
		method:      http.MethodPost,
		url:         c.userURL(recipient) + "/messages",
		contentType: contentType,
		body:        body,
		onProgress:  onProgress,
	}, nil)
	if err != nil {
		return fmt.Errorf("sending message to %s: %w", recipient, err)
	}

	return nil
}

func (c *Client) messageURL(idlm IDLastModified) string {
	return c.userURL(c.creds.Address) + "/messages/" + strconv.FormatInt(idlm.ID, 10) +
		"?lastModified=" + strconv.FormatInt(idlm.LastModified, 10)
}

// ModifyMeta replaces the encrypted meta of a message. idlm.LastModified
// must match the server's version or ErrConflict is returned.
func (c *Client) ModifyMeta(ctx context.Context, idlm IDLastModified, meta []byte) (*IDLastModified, error) {
	body, err := jsonBody(metaRequest{Meta: meta})
	if err != nil {
		return nil, err
	}

	var out IDLastModified

	err = c.doJSON(ctx, request{
		method:      http.MethodPatch,
		url:         c.messageURL(idlm),
		auth:        true,
		contentType: "application/json",
		body:        body,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("modifying meta of message %d: %w", idlm.ID, err)
	}

	return &out, nil
}

// DeleteMessage turns a message into a tombstone on the server.
func (c *Client) DeleteMessage(ctx context.Context, idlm IDLastModified) (*IDLastModified, error) {
	var out IDLastModified

	if err := c.doJSON(ctx, request{method: http.MethodDelete, url: c.messageURL(idlm), auth: true}, &out); err != nil {
		return nil, fmt.Errorf("deleting message %d: %w", idlm.ID, err)
	}

	return &out, nil
}

// GetSymmetricKeys returns the encrypted private data key.
func (c *Client) GetSymmetricKeys(ctx context.Context) (*SymmetricKeys, error) {
	var keys SymmetricKeys

	err := c.doJSON(ctx, request{method: http.MethodGet, url: c.userURL(c.creds.Address) + "/keys/symm", auth: true}, &keys)
	if err != nil {
		return nil, fmt.Errorf("getting symmetric keys: %w", err)
	}

	return &keys, nil
}

// GetAsymmetricKeyPairs returns all of the account's key pairs.
func (c *Client) GetAsymmetricKeyPairs(ctx context.Context) ([]KeyPair, error) {
	var pairs []KeyPair

	err := c.doJSON(ctx, request{method: http.MethodGet, url: c.userURL(c.creds.Address) + "/keys/private", auth: true}, &pairs)
	if err != nil {
		return nil, fmt.Errorf("getting key pairs: %w", err)
	}

	return pairs, nil
}

// GetPublicKey returns a public key of another account. id LatestKeyID
// selects the newest key of the type. ErrNotFound means the account or key
// does not exist.
func (c *Client) GetPublicKey(ctx context.Context, addr Address, typ KeyType, id int64) (*PublicKey, error) {
	ref := strconv.FormatInt(id, 10)
	if id == LatestKeyID {
		ref = latestEncryptionKey
		if typ == KeyTypeSignature {
			ref = latestSignatureKey
		}
	}

	var key PublicKey

	err := c.doJSON(ctx, request{method: http.MethodGet, url: c.userURL(addr) + "/keys/public/" + ref}, &key)
	if err != nil {
		return nil, fmt.Errorf("getting %s key %s of %s: %w", typ, ref, addr, err)
	}

	if key.Type != "" && KeyType(key.Type) != typ {
		return nil, fmt.Errorf("%w: requested %s key, got %s", apperrors.ErrAPIResponse, typ, key.Type)
	}

	return &key, nil
}

// GetProfileChanges returns profile entries modified after the timestamp.
func (c *Client) GetProfileChanges(ctx context.Context, modifiedAfter int64) ([]ProfileEntry, error) {
	u := c.userURL(c.creds.Address) + "/profile?modifiedAfter=" + strconv.FormatInt(modifiedAfter, 10)

	var resp profileResponse
	if err := c.doJSON(ctx, request{method: http.MethodGet, url: u, auth: true}, &resp); err != nil {
		return nil, fmt.Errorf("getting profile changes: %w", err)
	}

	return resp.Data, nil
}

// PutProfileEntry uploads one profile field. entry.LastModified is the
// version the change is based on; a mismatch yields ErrConflict.
func (c *Client) PutProfileEntry(ctx context.Context, entry ProfileEntry) (*ProfileEntry, error) {
	body, err := jsonBody(profileValueRequest{Value: entry.Value})
	if err != nil {
		return nil, err
	}

	u := c.userURL(c.creds.Address) + "/profile/" + url.PathEscape(entry.Key) +
		"?lastModified=" + strconv.FormatInt(entry.LastModified, 10)

	var out ProfileEntry

	err = c.doJSON(ctx, request{
		method:      http.MethodPut,
		url:         u,
		auth:        true,
		contentType: "application/json",
		body:        body,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("uploading profile entry %s: %w", entry.Key, err)
	}

	return &out, nil
}

type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	fn    ProgressFunc
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)

	if n > 0 && cr.fn != nil {
		cr.fn(TransferProgress{UploadTransferred: cr.n, UploadTotal: cr.total})
	}

	return n, err
}

type countingWriter struct {
	w     io.Writer
	n     int64
	total int64
	fn    ProgressFunc
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)

	if n > 0 && cw.fn != nil {
		cw.fn(TransferProgress{DownloadTransferred: cw.n, DownloadTotal: cw.total})
	}

	return n, err
}
