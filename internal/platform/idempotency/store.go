// Package idempotency replays the stored response of a mutating request when a client retries
// it with the same Idempotency-Key. The cart merge endpoint is guarded this way so a retried
// login does not merge the guest cart twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a completed response is replayable.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused is returned when a live key is presented with a different request.
var ErrKeyReused = errors.New("idempotency: key was used for a different request")

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Acquired means the caller owns the key and must Complete or Abandon it.
	Acquired Outcome = iota
	// Replay means a response is stored for the key.
	Replay
	// InFlight means another request holds the key.
	InFlight
)

// Claim is returned by Store.Claim. Response is set for Replay.
type Claim struct {
	Outcome  Outcome
	Response *Response
}

// Response is a captured HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists key claims and responses. Keys passed to a Store are already scoped to the
// requester. Expired entries behave as absent.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// entryID hashes key into a fixed-length identifier usable as a document id or primary key.
func entryID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hop-by-hop and per-connection headers are never replayed.
var volatileHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func storableHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if volatileHeaders[name] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
