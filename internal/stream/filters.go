package stream

import (
	"compress/gzip"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	apperrors "github.com/alexjbarnes/kullo-sync/internal/errors"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// SizeLimiter refuses any write that would push the total past Max bytes.
// Nothing of a refused write reaches the next stage.
type SizeLimiter struct {
	Max     int64
	written int64
}

// NewSizeLimiter creates a limiter with the given ceiling.
func NewSizeLimiter(max int64) *SizeLimiter {
	return &SizeLimiter{Max: max}
}

func (l *SizeLimiter) Write(p []byte, next Sink) error {
	if l.written+int64(len(p)) > l.Max {
		return fmt.Errorf("%w: stream exceeds %d bytes", apperrors.ErrInvalidContentFormat, l.Max)
	}

	l.written += int64(len(p))

	_, err := next.Write(p)

	return err
}

func (l *SizeLimiter) Close(Sink) error { return nil }

// Written returns the bytes passed so far.
func (l *SizeLimiter) Written() int64 { return l.written }

// HashVerifier passes data through and compares its SHA-512 with the
// expected hex digest on close.
type HashVerifier struct {
	expected string
	h        hash.Hash
}

// NewHashVerifier creates a verifier for a lowercase hex SHA-512 digest.
func NewHashVerifier(expectedHex string) *HashVerifier {
	return &HashVerifier{expected: expectedHex, h: sha512.New()}
}

func (v *HashVerifier) Write(p []byte, next Sink) error {
	v.h.Write(p)

	_, err := next.Write(p)

	return err
}

func (v *HashVerifier) Close(Sink) error {
	got := hex.EncodeToString(v.h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.expected)) != 1 {
		return fmt.Errorf("%w: hash mismatch", apperrors.ErrIntegrityFailure)
	}

	return nil
}

// decryptChunk bounds the writes a Decryptor issues downstream.
const decryptChunk = 64 * 1024

// Decryptor authenticates and decrypts an AES-GCM payload in the
// [IV][ciphertext+tag] layout. GCM only authenticates the whole message, so
// input is buffered and released downstream on Close after the tag checks.
type Decryptor struct {
	cipher *kullo.Cipher
	buf    []byte
}

// NewDecryptor creates a decryptor for a 32-byte key.
func NewDecryptor(key []byte) (*Decryptor, error) {
	c, err := kullo.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &Decryptor{cipher: c}, nil
}

func (d *Decryptor) Write(p []byte, _ Sink) error {
	d.buf = append(d.buf, p...)
	return nil
}

func (d *Decryptor) Close(next Sink) error {
	plain, err := d.cipher.Decrypt(d.buf)
	d.buf = nil

	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrIntegrityFailure, err)
	}

	for len(plain) > 0 {
		n := min(len(plain), decryptChunk)
		if _, err := next.Write(plain[:n]); err != nil {
			return err
		}

		plain = plain[n:]
	}

	return nil
}

var errAborted = errors.New("stream aborted")

// GzipDecompressor inflates a gzip stream incrementally. Decompressed data
// is handed downstream as it is produced, so a limiter behind it stops an
// oversized payload before it is fully inflated.
type GzipDecompressor struct {
	pw       *io.PipeWriter
	done     chan error
	finished bool
	err      error
}

// NewGzipDecompressor creates a decompressor.
func NewGzipDecompressor() *GzipDecompressor {
	return &GzipDecompressor{}
}

// downstreamWriter remembers errors of the next stage so they are not
// reported as gzip errors.
type downstreamWriter struct {
	next Sink
	err  error
}

func (w *downstreamWriter) Write(p []byte) (int, error) {
	n, err := w.next.Write(p)
	if err != nil {
		w.err = err
	}

	return n, err
}

func (g *GzipDecompressor) start(next Sink) {
	pr, pw := io.Pipe()
	g.pw = pw
	g.done = make(chan error, 1)

	go func() {
		dw := &downstreamWriter{next: next}

		err := inflate(pr, dw)
		if err != nil && dw.err == nil {
			err = fmt.Errorf("%w: %v", apperrors.ErrGZipStream, err)
		}

		pr.CloseWithError(err)
		g.done <- err
	}()
}

func inflate(r io.Reader, w io.Writer) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, zr); err != nil {
		return err
	}

	return zr.Close()
}

func (g *GzipDecompressor) Write(p []byte, next Sink) error {
	if g.pw == nil {
		g.start(next)
	}

	if _, err := g.pw.Write(p); err != nil {
		if werr := g.wait(); werr != nil {
			return werr
		}

		return fmt.Errorf("%w: data after end of stream", apperrors.ErrGZipStream)
	}

	return nil
}

func (g *GzipDecompressor) wait() error {
	if !g.finished {
		g.err = <-g.done
		g.finished = true
	}

	return g.err
}

func (g *GzipDecompressor) Close(next Sink) error {
	if g.pw == nil {
		// Empty input: nothing was compressed.
		return nil
	}

	g.pw.Close()

	return g.wait()
}

// Abort stops the inflating goroutine.
func (g *GzipDecompressor) Abort() {
	if g.pw == nil {
		return
	}

	g.pw.CloseWithError(errAborted)
	g.wait()
}
