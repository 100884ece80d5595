package gcp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/idempotency"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEmulatorStore returns a RecordStore on the Firestore emulator, or skips.
func newEmulatorStore(t *testing.T) *RecordStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := NewFirestoreClient(ctx, "fiscal-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRecordStore(client, "records-"+uuid.NewString())
}

func TestNewFirestoreClientRequiresProject(t *testing.T) {
	_, err := NewFirestoreClient(context.Background(), "")
	assert.Error(t, err)
}

func TestRecordStoreRoundTrip(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "INV/2025/7")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)

	rec := idempotency.Record{UnitID: "INV/2025/7", SubmittedAt: time.Now().UTC().Truncate(time.Millisecond), CorrelationID: "c-1"}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "INV/2025/7")
	require.NoError(t, err)
	assert.Equal(t, rec.CorrelationID, got.CorrelationID)
	assert.True(t, rec.SubmittedAt.Equal(got.SubmittedAt))

	require.NoError(t, store.Delete(ctx, "INV/2025/7"))
	assert.ErrorIs(t, store.Delete(ctx, "INV/2025/7"), idempotency.ErrNotFound)
}

func TestRecordStorePruneBefore(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Put(ctx, idempotency.Record{UnitID: "old", SubmittedAt: now.Add(-72 * time.Hour)}))
	require.NoError(t, store.Put(ctx, idempotency.Record{UnitID: "new", SubmittedAt: now}))

	n, err := store.PruneBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "new")
	assert.NoError(t, err)
}
