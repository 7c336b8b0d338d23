package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/mobishop/api/internal/platform/firestore"
)

const defaultFirestoreCollection = "cartIdempotencyKeys"

// FirestoreStore keeps claims in a Firestore collection, one document per hashed key. Claims
// run in a transaction so two instances cannot both acquire a key.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore constructs a store on provider. An empty collection selects the default.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultFirestoreCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}
}

type keyDocument struct {
	Fingerprint string              `firestore:"fingerprint"`
	Done        bool                `firestore:"done"`
	Status      int                 `firestore:"status,omitempty"`
	Header      map[string][]string `firestore:"header,omitempty"`
	Body        []byte              `firestore:"body,omitempty"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(entryID(key)), nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Claim{}, err
	}
	var claim Claim
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claim = Claim{}
		var current keyDocument
		snap, err := tx.Get(ref)
		switch {
		case pfirestore.IsNotFound(err):
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&current); err != nil {
				return err
			}
		}

		if snap == nil || !snap.Exists() || !now.Before(current.ExpiresAt) {
			claim.Outcome = Acquired
			return tx.Set(ref, keyDocument{Fingerprint: fingerprint, ExpiresAt: now.Add(ttlOrDefault(ttl))})
		}
		if current.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if !current.Done {
			claim.Outcome = InFlight
			return nil
		}
		claim = Claim{Outcome: Replay, Response: &Response{
			Status: current.Status,
			Header: http.Header(current.Header),
			Body:   current.Body,
		}}
		return nil
	})
	if errors.Is(err, ErrKeyReused) {
		return Claim{}, ErrKeyReused
	}
	return claim, err
}

// Complete overwrites the claim with resp. It refuses to replace a live claim held for a
// different fingerprint.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err == nil {
			var current keyDocument
			if err := snap.DataTo(&current); err != nil {
				return err
			}
			if current.Fingerprint != fingerprint && now.Before(current.ExpiresAt) {
				return ErrKeyReused
			}
		}
		return tx.Set(ref, keyDocument{
			Fingerprint: fingerprint,
			Done:        true,
			Status:      resp.Status,
			Header:      storableHeader(resp.Header),
			Body:        resp.Body,
			ExpiresAt:   now.Add(ttlOrDefault(ttl)),
		})
	})
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && !pfirestore.IsNotFound(err) {
		return pfirestore.WrapError("idempotency.abandon", err)
	}
	return nil
}

// Sweep deletes up to limit expired documents in one batch.
func (s *FirestoreStore) Sweep(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := client.Collection(s.collection).Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.sweep", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	for _, snap := range snaps {
		if _, err := writer.Delete(snap.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.sweep", err)
		}
	}
	writer.End()
	return len(snaps), nil
}

var _ Store = (*FirestoreStore)(nil)
