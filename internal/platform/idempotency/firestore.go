package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// FirestoreCollection holds one document per scoped key, named by the key's SHA-256.
	FirestoreCollection = "idempotencyKeys"
	firestoreAttempts   = 5
	defaultCleanupLimit = 100
)

// FirestoreStore is the Store used when orders live in Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

var _ Store = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) keys() *firestore.CollectionRef {
	return s.client.Collection(FirestoreCollection)
}

// mutate reads the record for key inside a transaction (nil when absent) and writes whatever fn returns.
// A nil result leaves the document untouched.
func (s *FirestoreStore) mutate(ctx context.Context, key string, fn func(current *Record) (*Record, error)) error {
	ref := s.keys().Doc(documentID(key))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current *Record
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			current = new(Record)
			if err := snap.DataTo(current); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		return tx.Set(ref, *next)
	}, firestore.MaxAttempts(firestoreAttempts))
}

// Reserve runs in a transaction so two concurrent first requests cannot both get ReservationStateNew.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	var out Reservation
	err := s.mutate(ctx, key, func(current *Record) (*Record, error) {
		if current != nil && !current.expired(now) {
			if current.Fingerprint != fingerprint {
				return nil, ErrFingerprintMismatch
			}
			out = Reservation{State: ReservationStatePending, Record: *current}
			if current.Status == StatusCompleted {
				out.State = ReservationStateCompleted
			}
			return nil, nil
		}
		record := pendingRecord(key, fingerprint, now, ttl)
		out = Reservation{State: ReservationStateNew, Record: record}
		return &record, nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	return s.mutate(ctx, key, func(current *Record) (*Record, error) {
		record := pendingRecord(key, fingerprint, now, ttl)
		if current != nil {
			if current.Fingerprint != fingerprint {
				return nil, ErrFingerprintMismatch
			}
			record.CreatedAt = current.CreatedAt
		}
		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = storableHeaders(resp.Headers)
		record.ResponseBody = append([]byte(nil), resp.Body...)
		return &record, nil
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	if _, err := s.keys().Doc(documentID(key)).Delete(ctx); status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// CleanupExpired deletes up to limit expired documents through a BulkWriter and reports how many went.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	expired, err := s.keys().Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(expired))
	for _, doc := range expired {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	for _, job := range jobs {
		if _, err := job.Results(); err == nil {
			deleted++
		}
	}
	return deleted, nil
}
