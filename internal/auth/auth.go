// Package auth authenticates HTTP requests by an Ethereum-style signature.
//
// Possession of a signing key is the only identity in the system. A client
// signs a canonical digest of each request (method, path, timestamp and body
// hash) with personal_sign semantics; the server recovers the address and
// rejects stale or replayed signatures.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	HeaderPrincipal = "X-Principal"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderNonce     = "X-Nonce"

	// DefaultWindow is how far a request timestamp may drift from server time.
	DefaultWindow = 5 * time.Minute

	// MaxBodySize bounds the body read for signature verification.
	MaxBodySize = 1 << 20

	maxNonceLen = 128
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrBadSignature     = errors.New("auth: signature does not match principal")
	ErrStale            = errors.New("auth: request timestamp outside window")
	ErrReplayed         = errors.New("auth: nonce already used")
)

// Address returns the lower-cased 0x address of key.
func Address(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// ParseKey decodes a hex private key with or without a 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid private key: %w", err)
	}
	return key, nil
}

// digest is the message a request signature covers.
func digest(method, path string, ts int64, nonce string, body []byte) []byte {
	msg := fmt.Sprintf("escrowgate:v1\n%s\n%s\n%d\n%s\n%s",
		strings.ToUpper(method), path, ts, nonce, crypto.Keccak256Hash(body).Hex())
	return accounts.TextHash([]byte(msg))
}

// requestPath is the path plus raw query, as the server sees it.
func requestPath(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// SignRequest sets the signature headers on r. body must be the exact bytes
// sent as the request body.
func SignRequest(r *http.Request, body []byte, key *ecdsa.PrivateKey, now time.Time) error {
	ts := now.Unix()
	nonce := uuid.NewString()
	sig, err := crypto.Sign(digest(r.Method, requestPath(r), ts, nonce, body), key)
	if err != nil {
		return fmt.Errorf("auth: sign request: %w", err)
	}
	r.Header.Set(HeaderPrincipal, Address(key))
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	r.Header.Set(HeaderNonce, nonce)
	return nil
}

// Verifier checks request signatures and remembers used (principal, nonce)
// pairs until they fall out of the freshness window. The nonce is part of the
// signed digest, so every encoding of one signature maps to the same pair.
type Verifier struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewVerifier creates a verifier. window <= 0 uses DefaultWindow.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify authenticates r against body and returns the signer's address.
func (v *Verifier) Verify(r *http.Request, body []byte) (string, error) {
	principal := strings.ToLower(r.Header.Get(HeaderPrincipal))
	tsHeader := r.Header.Get(HeaderTimestamp)
	sigHeader := r.Header.Get(HeaderSignature)
	nonce := r.Header.Get(HeaderNonce)
	if principal == "" || tsHeader == "" || sigHeader == "" || nonce == "" {
		return "", ErrMissingSignature
	}
	if len(nonce) > maxNonceLen {
		return "", ErrBadSignature
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrStale
	}
	now := v.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-v.window)) || signedAt.After(now.Add(v.window)) {
		return "", ErrStale
	}

	sig, err := hexutil.Decode(sigHeader)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest(r.Method, requestPath(r), ts, nonce, body), sig)
	if err != nil {
		return "", ErrBadSignature
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), principal) {
		return "", ErrBadSignature
	}

	if !v.consume(principal+"/"+nonce, now) {
		return "", ErrReplayed
	}
	return principal, nil
}

// consume records key as used. Returns false if it was seen before.
func (v *Verifier) consume(key string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for k, t := range v.seen {
		if now.Sub(t) > 2*v.window {
			delete(v.seen, k)
		}
	}
	if _, dup := v.seen[key]; dup {
		return false
	}
	v.seen[key] = now
	return true
}

// readBody drains and restores r.Body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("auth: body exceeds %d bytes", MaxBodySize)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
