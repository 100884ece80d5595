package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/fiscalsubmission/internal/idempotency"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// RecordStore keeps idempotency records in a Firestore collection, one document per
// unit, so they outlive a single function instance.
type RecordStore struct {
	client     *firestore.Client
	collection string
}

// NewRecordStore returns a store over collection.
func NewRecordStore(client *firestore.Client, collection string) *RecordStore {
	return &RecordStore{client: client, collection: collection}
}

// Unit ids may contain slashes, which Firestore reads as path separators.
func (s *RecordStore) doc(unitID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(url.PathEscape(unitID))
}

func (s *RecordStore) Get(ctx context.Context, unitID string) (idempotency.Record, error) {
	snap, err := s.doc(unitID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("failed to get record %s: %w", unitID, err)
	}
	var rec idempotency.Record
	if err := snap.DataTo(&rec); err != nil {
		return idempotency.Record{}, fmt.Errorf("failed to decode record %s: %w", unitID, err)
	}
	return rec, nil
}

func (s *RecordStore) Put(ctx context.Context, rec idempotency.Record) error {
	if _, err := s.doc(rec.UnitID).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.UnitID, err)
	}
	return nil
}

func (s *RecordStore) Delete(ctx context.Context, unitID string) error {
	_, err := s.doc(unitID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return idempotency.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", unitID, err)
	}
	return nil
}

// PruneBefore deletes every record submitted before cutoff.
func (s *RecordStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	iter := s.client.Collection(s.collection).Where("submittedAt", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to iterate records: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete record %s: %w", snap.Ref.ID, err)
		}
		removed++
	}
	slog.Debug("Pruned Firestore records.", "collection", s.collection, "removed", removed)
	return removed, nil
}
