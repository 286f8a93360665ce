// Package idempotency lets a client retry POST /checkout safely: the first
// successful response for an Idempotency-Key is stored and replayed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jcmexdev/pos-checkout/internal/pkg/cache"
)

const Header = "Idempotency-Key"

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("idempotency: request with this key is in progress")

// ErrKeyReused means the key was first used with a different request.
var ErrKeyReused = errors.New("idempotency: key reused with a different request")

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Fingerprint identifies a request body. Callers should pass a canonical
// encoding so that formatting differences do not count as a new request.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Response is a stored reply.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// record is the cached value; Response is nil while the claim is pending.
type record struct {
	Fingerprint string    `json:"fingerprint"`
	Response    *Response `json:"response,omitempty"`
}

type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewStore(c cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

// Begin claims key for the request identified by fingerprint. It returns the
// stored response when the key already completed, ErrKeyReused when the key
// belongs to another request, ErrInFlight when it is claimed but not
// completed, and (nil, nil) when the caller now owns the key and must call
// Complete or Abandon.
func (s *Store) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	k := s.cache.GenerateKey("checkout", key)

	claim, err := json.Marshal(record{Fingerprint: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode claim: %w", err)
	}
	claimed, err := s.cache.SetNX(ctx, k, string(claim), s.ttl)
	if err != nil {
		return nil, fmt.Errorf("idempotency: claim: %w", err)
	}
	if claimed {
		return nil, nil
	}

	val, err := s.cache.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("idempotency: read: %w", err)
	}
	if val == "" {
		// Expired or released between the claim and the read.
		return nil, ErrInFlight
	}

	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode stored record: %w", err)
	}
	switch {
	case rec.Fingerprint != fingerprint:
		return nil, ErrKeyReused
	case rec.Response == nil:
		return nil, ErrInFlight
	}
	return rec.Response, nil
}

func (s *Store) Complete(ctx context.Context, key, fingerprint string, resp Response) error {
	b, err := json.Marshal(record{Fingerprint: fingerprint, Response: &resp})
	if err != nil {
		return fmt.Errorf("idempotency: encode response: %w", err)
	}
	if err := s.cache.Set(ctx, s.cache.GenerateKey("checkout", key), string(b), s.ttl); err != nil {
		return fmt.Errorf("idempotency: store: %w", err)
	}
	return nil
}

// Abandon releases a claimed key so a failed checkout can be retried.
func (s *Store) Abandon(ctx context.Context, key string) error {
	if err := s.cache.Del(ctx, s.cache.GenerateKey("checkout", key)); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
