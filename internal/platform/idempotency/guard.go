package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
)

const (
	// DefaultHeader carries the client's key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "Idempotent-Replayed"
	maxKeyLength = 255
)

type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
	logger   *zap.Logger
}

// GuardOption customises Guard.
type GuardOption func(*guard)

// WithHeader reads the key from name instead of Idempotency-Key.
func WithHeader(name string) GuardOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayable.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithRequiredKey rejects requests without a key.
func WithRequiredKey() GuardOption {
	return func(g *guard) { g.required = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GuardOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger is used when the request context carries no logger.
func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Guard wraps non-safe requests so a retry with the same key gets the first response
// instead of running the handler again. Keys are scoped to the authenticated user, so it must
// run after authentication. Requests without a key pass through unless WithRequiredKey is set.
// 5xx responses are not stored; the claim is abandoned and the client may retry with the
// same key.
func Guard(store Store, opts ...GuardOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{store: store, header: DefaultHeader, ttl: DefaultTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if isSafeMethod(r.Method) {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case key == "" && g.required:
		writeError(ctx, w, http.StatusBadRequest, "idempotency_key_required", g.header+" header is required")
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	case len(key) > maxKeyLength:
		writeError(ctx, w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key is too long")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(ctx, w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		writeError(ctx, w, http.StatusBadRequest, "invalid_request", "unable to read request body")
		return
	}

	logger := requestctx.Logger(ctx)
	if logger == requestctx.NoopLogger() {
		logger = g.logger
	}
	uid := requester(ctx)
	scoped := uid + ":" + key
	fingerprint := fingerprintOf(r, uid, body)

	claim, err := g.store.Claim(ctx, scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrKeyReused):
		writeError(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request")
		return
	case err != nil:
		logger.Error("idempotency claim failed", zap.Error(err))
		writeError(ctx, w, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
		return
	}

	switch claim.Outcome {
	case Replay:
		requestctx.Annotate(ctx, zap.Bool("idempotent_replay", true))
		replay(w, claim.Response)
		return
	case InFlight:
		writeError(ctx, w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still running")
		return
	}

	buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
	next.ServeHTTP(buf, r)

	if buf.status >= http.StatusInternalServerError {
		if err := g.store.Abandon(ctx, scoped); err != nil {
			logger.Warn("idempotency abandon failed", zap.Error(err))
		}
		buf.flush(w)
		return
	}
	resp := Response{Status: buf.status, Header: buf.header, Body: buf.body.Bytes()}
	if err := g.store.Complete(ctx, scoped, fingerprint, resp, g.now().UTC(), g.ttl); err != nil {
		// The mutation has already happened; the client still gets its answer, a retry
		// would simply run again.
		logger.Error("idempotency complete failed", zap.Error(err))
		if err := g.store.Abandon(ctx, scoped); err != nil {
			logger.Warn("idempotency abandon failed", zap.Error(err))
		}
	}
	buf.flush(w)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

// fingerprintOf identifies the request a key was first used for.
func fingerprintOf(r *http.Request, uid string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, uid} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, resp *Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedResponse holds the handler's response until it has been stored.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if !b.wroteHeader {
		b.status, b.wroteHeader = status, true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
