package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Document is a decoded snapshot. Timestamps are zero for values served from a session's write buffer.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder narrows a collection query.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection is typed access to one Firestore collection path. Inside Provider.RunInSession reads go
// through the transaction and writes are buffered until the session commits.
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds T to the collection at path, which may be nested ("orders/ord_1/items").
func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// Set replaces the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	return c.write(ctx, id, "set", pendingWrite{kind: writeSet, payload: value}, value)
}

// Create stores a new document and reports a conflict when id is taken. Inside a session the conflict
// surfaces from the commit.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	return c.write(ctx, id, "create", pendingWrite{kind: writeCreate, payload: value}, value)
}

// Update patches fields of an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update) error {
	return c.write(ctx, id, "update", pendingWrite{kind: writeUpdate, updates: updates}, nil)
}

// Delete removes the document; a missing document is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.write(ctx, id, "delete", pendingWrite{kind: writeDelete}, nil)
}

func (c *Collection[T]) write(ctx context.Context, id, action string, w pendingWrite, value any) error {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return err
	}
	w.ref = ref
	if session := SessionFrom(ctx); session != nil {
		session.queue(w, value)
		return nil
	}

	switch w.kind {
	case writeSet:
		_, err = ref.Set(ctx, w.payload)
	case writeCreate:
		_, err = ref.Create(ctx, w.payload)
	case writeUpdate:
		_, err = ref.Update(ctx, w.updates)
	case writeDelete:
		_, err = ref.Delete(ctx)
	}
	if err != nil {
		return WrapError(c.op(action), err)
	}
	return nil
}

// Get loads one document, preferring a value buffered earlier in the same session.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}

	session := SessionFrom(ctx)
	if doc, hit, err := c.fromOverlay(session, ref); hit {
		return doc, err
	}

	var snap *firestore.DocumentSnapshot
	if session != nil {
		snap, err = session.get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Query runs build against the collection. Inside a session the result reflects buffered writes: deleted
// documents drop out, rewritten ones are replaced, and documents created under the collection are appended
// without re-applying the filters.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.coll(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	session := SessionFrom(ctx)
	var it *firestore.DocumentIterator
	if session != nil {
		it = session.tx.Documents(query)
	} else {
		it = query.Documents(ctx)
	}
	defer it.Stop()

	var out []Document[T]
	seen := make(map[string]bool)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		seen[snap.Ref.Path] = true

		if doc, hit, err := c.fromOverlay(session, snap.Ref); hit {
			if err == nil {
				out = append(out, doc)
			}
			continue
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}

	if session != nil {
		for _, entry := range session.pendingUnder(coll.Path) {
			if value, ok := entry.value.(T); ok && !seen[entry.ref.Path] {
				out = append(out, Document[T]{ID: entry.ref.ID, Data: value})
			}
		}
	}
	return out, nil
}

// fromOverlay serves ref from the session's write buffer. hit is false when the session has no typed value
// for ref; a buffered delete is a hit with a not-found error.
func (c *Collection[T]) fromOverlay(session *Session, ref *firestore.DocumentRef) (Document[T], bool, error) {
	if session == nil {
		return Document[T]{}, false, nil
	}
	entry, ok := session.lookup(ref.Path)
	if !ok {
		return Document[T]{}, false, nil
	}
	if entry.deleted {
		return Document[T]{}, true, WrapError(c.op("get"), status.Errorf(codes.NotFound, "%s deleted in transaction", ref.Path))
	}
	value, ok := entry.value.(T)
	if !ok {
		return Document[T]{}, false, nil
	}
	return Document[T]{ID: ref.ID, Data: value}, true, nil
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, CreateTime: snap.CreateTime, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) coll(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: provider is nil"))
	}
	if c.path == "" {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection path is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.path), nil
}

func (c *Collection[T]) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.coll(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) op(action string) string {
	return c.path + "." + action
}
