// Package reconcile drives the one-time reconciliation of a guest cart with the
// authenticated cart when a user signs in.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mobishop/api/internal/cartapi"
	"github.com/mobishop/api/internal/domain"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrStaleTransition is returned when the identity changed while a call was in flight.
	// The result of that call has been discarded.
	ErrStaleTransition = errors.New("reconcile: identity changed during transition")
	// ErrNoPendingDecision is returned by Resolve outside StateAwaitingDecision.
	ErrNoPendingDecision = errors.New("reconcile: no pending merge decision")
	// ErrResolveInProgress is returned when Resolve is called while a merge is in flight.
	ErrResolveInProgress = errors.New("reconcile: merge already in progress")
	// ErrInvalidAction is returned for actions other than current, previous or merge.
	ErrInvalidAction = errors.New("reconcile: invalid merge action")
	// ErrGuestCartClosed is returned for guest mutations once the user is authenticated.
	ErrGuestCartClosed = errors.New("reconcile: guest cart is closed while authenticated")
	// ErrGuestCartBusy is returned for guest mutations while the guest cart is being sent to
	// the server. The mutation can be retried once the transition or merge has settled.
	ErrGuestCartBusy = errors.New("reconcile: guest cart is being reconciled")
)

// CartAPI is the authenticated cart collaborator.
type CartAPI interface {
	FetchCart(ctx context.Context, tokens oauth2.TokenSource) (cartapi.Cart, error)
	MergeCart(ctx context.Context, tokens oauth2.TokenSource, req cartapi.MergeRequest) (cartapi.Cart, error)
}

// GuestCart is the client-local cart the reconciler drains on sign-in.
type GuestCart interface {
	Read() []domain.CartLine
	Add(productID string, quantity int, variation domain.Variation) ([]domain.CartLine, error)
	UpdateQuantity(lineKey string, quantity int) ([]domain.CartLine, error)
	Remove(lineKey string) ([]domain.CartLine, error)
	Clear() error
	Count() int
}

// Config wires the reconciler collaborators.
type Config struct {
	Guest   GuestCart
	API     CartAPI
	Logger  *zap.Logger
	Timeout time.Duration
	// NewKey generates the idempotency key prefix of a pending decision. Defaults to ULIDs.
	NewKey func() string
}

// Reconciler is the cart state machine of one client session. It is safe for concurrent use.
// Network calls run outside the lock and their results are applied only when the identity
// generation captured before the call is still current.
type Reconciler struct {
	guest   GuestCart
	api     CartAPI
	logger  *zap.Logger
	timeout time.Duration
	newKey  func() string

	mu          sync.Mutex
	state       State
	identity    Identity
	generation  uint64
	count       int
	conflict    *Conflict
	decisionKey string
	resolving   bool
	lastErr     error

	// notifyMu orders deliveries; subsMu guards the subscriber set so callbacks may
	// subscribe or cancel.
	notifyMu    sync.Mutex
	subsMu      sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int

	wg sync.WaitGroup
}

// New constructs a reconciler in StateAnonymous.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Guest == nil {
		return nil, errors.New("reconcile: guest cart is required")
	}
	if cfg.API == nil {
		return nil, errors.New("reconcile: cart api is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	newKey := cfg.NewKey
	if newKey == nil {
		newKey = func() string { return ulid.Make().String() }
	}
	return &Reconciler{
		guest:       cfg.Guest,
		api:         cfg.API,
		logger:      logger,
		timeout:     timeout,
		newKey:      newKey,
		state:       StateAnonymous,
		count:       cfg.Guest.Count(),
		subscribers: make(map[int]func(Snapshot)),
	}, nil
}

// Snapshot returns the current view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// State returns the current state.
func (r *Reconciler) State() State {
	return r.Snapshot().State
}

// Count returns the cart item count signal.
func (r *Reconciler) Count() int {
	return r.Snapshot().Count
}

// Subscribe registers fn for every published snapshot. Subscribers run in publication order
// outside the state lock. They may read the reconciler, subscribe or cancel, but must not
// mutate it synchronously.
func (r *Reconciler) Subscribe(fn func(Snapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subscribers, id)
			r.subsMu.Unlock()
		})
	}
}

// IdentityChanged feeds one identity observation and, on a sign-in, runs the transition to
// completion before returning.
func (r *Reconciler) IdentityChanged(ctx context.Context, id Identity) {
	gen, start := r.begin(id)
	if !start {
		return
	}
	r.transition(ctx, gen, id)
}

// Watch consumes identity observations until ctx is done or the channel closes. Each
// sign-in transition runs in its own goroutine so a later observation can supersede it.
func (r *Reconciler) Watch(ctx context.Context, identities <-chan Identity) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-identities:
			if !ok {
				return nil
			}
			gen, start := r.begin(id)
			if !start {
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.transition(ctx, gen, id)
			}()
		}
	}
}

// begin applies the synchronous part of an identity observation. It reports whether a
// sign-in transition must follow.
func (r *Reconciler) begin(id Identity) (uint64, bool) {
	r.mu.Lock()
	current := r.identity
	if current.Present() == id.Present() && current.UID == id.UID {
		// Same principal; keep the state and pick up refreshed credentials.
		r.identity.Tokens = id.Tokens
		r.mu.Unlock()
		return 0, false
	}

	r.generation++
	gen := r.generation
	r.conflict = nil
	r.decisionKey = ""
	r.resolving = false
	r.lastErr = nil
	r.count = r.guest.Count()

	if !id.Present() {
		r.identity = Identity{}
		r.state = StateAnonymous
		r.publishLocked()
		return gen, false
	}

	r.identity = id
	r.state = StateTransitioning
	r.publishLocked()
	return gen, true
}

func (r *Reconciler) transition(ctx context.Context, gen uint64, id Identity) {
	logger := r.logger.With(zap.String("uid", id.UID), zap.Uint64("generation", gen))

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	cart, err := r.api.FetchCart(callCtx, id.Tokens)
	cancel()
	if err != nil {
		if r.apply(gen, func() {
			r.state = StateDegraded
			r.count = r.guest.Count()
			r.lastErr = err
		}) {
			logger.Warn("cart fetch failed; using guest cart", zap.Error(err))
		}
		return
	}

	lines := r.guest.Read()
	if len(lines) == 0 {
		r.apply(gen, func() {
			r.state = StateAuthenticated
			r.count = cart.TotalItems
		})
		return
	}

	if len(cart.Items) > 0 {
		r.apply(gen, func() {
			r.state = StateAwaitingDecision
			r.conflict = &Conflict{SavedCount: len(cart.Items), GuestCount: len(lines)}
			r.decisionKey = r.newKey()
		})
		return
	}

	// Nothing to conflict with: adopt the guest cart without prompting.
	if !r.isCurrent(gen) {
		logger.Debug("discarding stale cart fetch")
		return
	}
	callCtx, cancel = context.WithTimeout(ctx, r.timeout)
	merged, err := r.api.MergeCart(callCtx, id.Tokens, cartapi.MergeRequest{
		Action:         domain.MergeActionCurrent,
		Lines:          lines,
		IdempotencyKey: r.newKey() + "-" + string(domain.MergeActionCurrent),
	})
	cancel()
	if err != nil {
		if r.apply(gen, func() {
			r.state = StateDegraded
			r.count = r.guest.Count()
			r.lastErr = err
		}) {
			logger.Warn("silent guest cart adoption failed", zap.Error(err))
		}
		return
	}
	r.apply(gen, func() {
		r.clearGuestLocked(logger)
		r.state = StateAuthenticated
		r.count = merged.TotalItems
	})
}

// Resolve applies the user's decision with a single merge call. On failure the guest cart
// is kept and the reconciler stays in StateAwaitingDecision so the call can be retried.
func (r *Reconciler) Resolve(ctx context.Context, action domain.MergeAction) error {
	parsed, ok := domain.ParseMergeAction(string(action))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	r.mu.Lock()
	if r.state != StateAwaitingDecision {
		r.mu.Unlock()
		return ErrNoPendingDecision
	}
	if r.resolving {
		r.mu.Unlock()
		return ErrResolveInProgress
	}
	r.resolving = true
	gen := r.generation
	id := r.identity
	key := r.decisionKey + "-" + string(parsed)
	lines := r.guest.Read()
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	cart, err := r.api.MergeCart(callCtx, id.Tokens, cartapi.MergeRequest{
		Action:         parsed,
		Lines:          lines,
		IdempotencyKey: key,
	})
	cancel()

	logger := r.logger.With(zap.String("uid", id.UID), zap.String("action", string(parsed)))

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		logger.Debug("discarding stale merge result")
		return ErrStaleTransition
	}
	r.resolving = false
	if err != nil {
		r.lastErr = err
		r.publishLocked()
		logger.Warn("cart merge failed", zap.Error(err))
		return fmt.Errorf("reconcile: merge: %w", err)
	}
	r.clearGuestLocked(logger)
	r.state = StateAuthenticated
	r.conflict = nil
	r.decisionKey = ""
	r.lastErr = nil
	r.count = cart.TotalItems
	r.publishLocked()
	logger.Info("cart merged", zap.Int("guest_lines", len(lines)), zap.Int("total_items", cart.TotalItems))
	return nil
}

// Dismiss closes the decision prompt without resolving it. The reconciler stays in
// StateAwaitingDecision.
func (r *Reconciler) Dismiss() {
	r.logger.Debug("merge decision dismissed")
}

// Refresh re-reads the authenticated cart count, for example after a server side cart
// mutation.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateAuthenticated {
		r.mu.Unlock()
		return nil
	}
	gen := r.generation
	tokens := r.identity.Tokens
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	cart, err := r.api.FetchCart(callCtx, tokens)
	cancel()
	if err != nil {
		return fmt.Errorf("reconcile: refresh: %w", err)
	}
	if !r.apply(gen, func() { r.count = cart.TotalItems }) {
		return ErrStaleTransition
	}
	return nil
}

// AddGuestItem adds a line to the guest cart and recomputes the count.
func (r *Reconciler) AddGuestItem(productID string, quantity int, variation domain.Variation) error {
	return r.mutateGuest(func() ([]domain.CartLine, error) {
		return r.guest.Add(productID, quantity, variation)
	})
}

// UpdateGuestItem sets the quantity of a guest line.
func (r *Reconciler) UpdateGuestItem(lineKey string, quantity int) error {
	return r.mutateGuest(func() ([]domain.CartLine, error) {
		return r.guest.UpdateQuantity(lineKey, quantity)
	})
}

// RemoveGuestItem removes a guest line.
func (r *Reconciler) RemoveGuestItem(lineKey string) error {
	return r.mutateGuest(func() ([]domain.CartLine, error) {
		return r.guest.Remove(lineKey)
	})
}

func (r *Reconciler) mutateGuest(fn func() ([]domain.CartLine, error)) error {
	r.mu.Lock()
	switch {
	case r.state == StateAuthenticated:
		r.mu.Unlock()
		return ErrGuestCartClosed
	case r.state == StateTransitioning, r.resolving:
		// The lines sent to the server are cleared on success; later additions would go with them.
		r.mu.Unlock()
		return ErrGuestCartBusy
	}
	lines, err := fn()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.count = countLines(lines)
	if r.conflict != nil {
		r.conflict = &Conflict{SavedCount: r.conflict.SavedCount, GuestCount: len(lines)}
	}
	r.publishLocked()
	return nil
}

func (r *Reconciler) isCurrent(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation == gen
}

// apply runs fn under the lock when gen is still current and publishes the result.
func (r *Reconciler) apply(gen uint64, fn func()) bool {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		r.logger.Debug("discarding stale transition result", zap.Uint64("generation", gen))
		return false
	}
	fn()
	r.publishLocked()
	return true
}

func (r *Reconciler) clearGuestLocked(logger *zap.Logger) {
	if err := r.guest.Clear(); err != nil {
		logger.Error("failed to clear guest cart after merge", zap.Error(err))
	}
}

// publishLocked hands the current snapshot to subscribers and releases r.mu. The notify lock
// is taken before r.mu is released so snapshots are delivered in the order they were taken.
func (r *Reconciler) publishLocked() {
	snap := r.snapshotLocked()
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	for _, fn := range r.subscriberList() {
		fn(snap)
	}
}

// subscriberList returns the registered callbacks in subscription order.
func (r *Reconciler) subscriberList() []func(Snapshot) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	ids := make([]int, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subscribers[id])
	}
	return out
}

func (r *Reconciler) snapshotLocked() Snapshot {
	snap := Snapshot{
		State: r.state,
		UID:   r.identity.UID,
		Count: r.count,
		Err:   r.lastErr,
	}
	if r.conflict != nil {
		conflict := *r.conflict
		snap.Conflict = &conflict
	}
	return snap
}

func countLines(lines []domain.CartLine) int {
	total := 0
	for _, line := range lines {
		total += line.Quantity
	}
	return total
}
