package firestore

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/firestore"
)

// Session buffers the writes of a transaction until its function returns so repositories may keep reading
// documents after mutating others. Firestore rejects tx.Get once a write has been queued on the
// transaction itself.
type Session struct {
	tx *firestore.Transaction

	mu      sync.Mutex
	snaps   map[string]*firestore.DocumentSnapshot
	overlay map[string]overlayEntry
	writes  []pendingWrite
}

type writeKind int

const (
	writeSet writeKind = iota
	writeCreate
	writeUpdate
	writeDelete
)

type pendingWrite struct {
	kind    writeKind
	ref     *firestore.DocumentRef
	payload any
	updates []firestore.Update
}

type overlayEntry struct {
	ref     *firestore.DocumentRef
	value   any
	deleted bool
}

type sessionKey struct{}

func newSession(tx *firestore.Transaction) *Session {
	return &Session{
		tx:      tx,
		snaps:   make(map[string]*firestore.DocumentSnapshot),
		overlay: make(map[string]overlayEntry),
	}
}

// SessionFrom returns the transaction session bound to ctx, if any.
func SessionFrom(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	session, _ := ctx.Value(sessionKey{}).(*Session)
	return session
}

// Transaction exposes the underlying Firestore transaction.
func (s *Session) Transaction() *firestore.Transaction {
	return s.tx
}

// RunInSession runs fn inside a Firestore transaction. Repository calls made with the derived context read
// through the transaction and buffer their writes; the buffer is applied when fn succeeds. Nested calls join
// the outer session.
func (p *Provider) RunInSession(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("session", errors.New("firestore: session function is nil"))
	}
	if SessionFrom(ctx) != nil {
		return fn(ctx)
	}
	return p.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		session := newSession(tx)
		if err := fn(context.WithValue(ctx, sessionKey{}, session)); err != nil {
			return err
		}
		return session.flush()
	})
}

func (s *Session) get(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	s.mu.Lock()
	snap, ok := s.snaps[ref.Path]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}
	snap, err := s.tx.Get(ref)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.snaps[ref.Path] = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Session) lookup(path string) (overlayEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.overlay[path]
	return entry, ok
}

// pendingUnder lists typed values written in this session directly below the given collection path.
func (s *Session) pendingUnder(collectionPath string) []overlayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []overlayEntry
	for _, entry := range s.overlay {
		if entry.deleted || entry.ref.Parent == nil {
			continue
		}
		if entry.ref.Parent.Path == collectionPath {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Session) queue(w pendingWrite, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, w)
	switch w.kind {
	case writeDelete:
		s.overlay[w.ref.Path] = overlayEntry{ref: w.ref, deleted: true}
	case writeUpdate:
		// Partial updates cannot be projected onto the typed value; later reads see the pre-update state.
		delete(s.overlay, w.ref.Path)
	default:
		s.overlay[w.ref.Path] = overlayEntry{ref: w.ref, value: value}
	}
}

func (s *Session) flush() error {
	s.mu.Lock()
	writes := s.writes
	s.writes = nil
	s.mu.Unlock()

	for _, w := range writes {
		var err error
		switch w.kind {
		case writeSet:
			err = s.tx.Set(w.ref, w.payload)
		case writeCreate:
			err = s.tx.Create(w.ref, w.payload)
		case writeUpdate:
			err = s.tx.Update(w.ref, w.updates)
		case writeDelete:
			err = s.tx.Delete(w.ref)
		}
		if err != nil {
			return WrapError("session.flush", err)
		}
	}
	return nil
}
