package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// Document is a decoded snapshot with its server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Collection gives typed access to one top-level collection. T is decoded with
// DocumentSnapshot.DataTo, so it carries firestore struct tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection to provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref returns the reference of document id, for use inside transactions.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return nil, WrapError(c.op("ref"), fmt.Errorf("firestore: invalid document id %q", id))
	}
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get reads and decodes document id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return c.Decode(snap)
}

// Set overwrites document id with value.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// GetAll reads ids in one round trip. Blank, duplicate and missing ids are skipped.
func (c *Collection[T]) GetAll(ctx context.Context, ids []string) ([]Document[T], error) {
	coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, coll.Doc(id))
	}
	if len(refs) == 0 {
		return nil, nil
	}

	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, WrapError(c.op("get_all"), err)
	}
	docs := make([]Document[T], 0, len(snaps))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		doc, err := c.Decode(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Decode converts a snapshot read elsewhere, typically inside a transaction.
func (c *Collection[T]) Decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("%s: decode %s: %w", c.op("decode"), snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.name == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
