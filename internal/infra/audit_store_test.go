package infra

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)

	store, err := NewAuditStore(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditStoreAppendAndCount(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := store.Append(domain.SecurityOperationRecord{
			ID:        uuid.New(),
			Path:      "/repo",
			Type:      domain.OperationProcess,
			Status:    domain.OperationSuccess,
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAuditStoreRecent(t *testing.T) {
	store := newTestStore(t)

	old := domain.SecurityOperationRecord{
		ID: uuid.New(), Path: "/old", Type: domain.OperationBookmark,
		Status: domain.OperationSuccess, Timestamp: time.Now().Add(-time.Hour),
	}
	recent := domain.SecurityOperationRecord{
		ID: uuid.New(), Path: "/recent", Type: domain.OperationAccess,
		Status: domain.OperationFailure, Error: "denied", Timestamp: time.Now(),
	}
	require.NoError(t, store.Append(old))
	require.NoError(t, store.Append(recent))

	got, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/recent", got[0].Path)
	assert.Equal(t, domain.OperationFailure, got[0].Status)
	assert.Equal(t, "denied", got[0].Error)
}

func TestRecorderPersistsToStore(t *testing.T) {
	store := newTestStore(t)
	rec := NewOperationRecorderWithStore(store, zap.NewNop())

	rec.Record(domain.SecurityOperationRecord{
		Path:   "/repo",
		Type:   domain.OperationProcess,
		Status: domain.OperationSuccess,
	})
	rec.Close() // flush the drain

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
