package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace-migrator/internal/storeerr"
)

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

func userDoc(name, email string) Document {
	return Document{Collection: CollectionUsers, ID: name, Body: map[string]any{
		"_id":      name,
		"username": name,
		"email":    email,
	}}
}

func productDoc(id, title, description, status, seller string) Document {
	return Document{Collection: CollectionProducts, ID: id, Body: map[string]any{
		"_id":         id,
		"title":       title,
		"description": description,
		"status":      status,
		"seller":      map[string]any{"id": seller},
	}}
}

func TestMemoryStoreUpsertReplacesWholeDocument(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	doc := userDoc("alice", "alice@example.com")
	doc.Body["phone"] = "+45 1234"
	require.NoError(t, s.Upsert(ctx, doc))
	require.NoError(t, s.Upsert(ctx, userDoc("alice", "alice@example.com")))

	got, ok := s.Get(CollectionUsers, "alice")
	require.True(t, ok)
	assert.NotContains(t, got, "phone")
	assert.Equal(t, 1, s.Count(CollectionUsers))
}

func TestMemoryStoreUniqueEmail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, userDoc("alice", "shared@example.com")))
	err := s.Upsert(ctx, userDoc("bob", "shared@example.com"))
	require.Error(t, err)
	assert.True(t, storeerr.IsConstraint(err))

	// the owner can rewrite its own document, and a changed email frees the old one
	require.NoError(t, s.Upsert(ctx, userDoc("alice", "alice@example.com")))
	require.NoError(t, s.Upsert(ctx, userDoc("bob", "shared@example.com")))
}

func TestMemoryStoreDoesNotAliasInput(t *testing.T) {
	s := newStore(t)
	doc := productDoc("1", "Phone", "", "active", "alice")
	require.NoError(t, s.Upsert(context.Background(), doc))

	doc.Body["seller"].(map[string]any)["id"] = "mallory"
	got, _ := s.Get(CollectionProducts, "1")
	assert.Equal(t, "alice", got["seller"].(map[string]any)["id"])
}

func TestMemoryStoreCountByAndSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, productDoc("1", "Vintage camera", "Film camera in good shape", "active", "alice")))
	require.NoError(t, s.Upsert(ctx, productDoc("2", "Road bike", "Carbon frame", "sold", "alice")))
	require.NoError(t, s.Upsert(ctx, productDoc("3", "Desk lamp", "Works with any camera tripod", "active", "bob")))

	assert.Equal(t, map[string]int{"active": 2, "sold": 1}, s.CountBy(CollectionProducts, "status"))
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, s.CountBy(CollectionProducts, "seller.id"))

	ids, err := s.Search(ctx, "camera", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, ids)
}

func TestMemoryStorePrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, productDoc("1", "Phone", "", "active", "alice").Stamped("run-1")))
	require.NoError(t, s.Upsert(ctx, productDoc("2", "Bike", "", "active", "alice").Stamped("run-1")))
	require.NoError(t, s.Upsert(ctx, productDoc("1", "Phone", "", "active", "alice").Stamped("run-2")))

	removed, err := s.Prune(ctx, CollectionProducts, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Count(CollectionProducts))

	ids, err := s.Search(ctx, "bike", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryStoreSnapshotIsStable(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

	build := func(order []string) []byte {
		s := newStore(t)
		for _, id := range order {
			doc := productDoc(id, "Item "+id, "", "active", "alice")
			doc.Body["created_at"] = at
			require.NoError(t, s.Upsert(ctx, doc))
		}
		snap, err := s.Snapshot()
		require.NoError(t, err)
		return snap
	}

	assert.Equal(t, string(build([]string{"1", "2", "3"})), string(build([]string{"3", "1", "2"})))
	assert.Contains(t, string(build([]string{"1"})), "2024-03-01T12:00:00.123Z")
}

func TestMemoryStoreFindAndTarget(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, userDoc("alice", "alice@example.com")))

	doc, ok, err := s.Find(ctx, CollectionUsers, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", doc["_id"])

	_, ok, err = s.Find(ctx, CollectionUsers, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NotEqual(t, s.Target(), newStore(t).Target())
}

func TestStampedCopiesBody(t *testing.T) {
	doc := userDoc("alice", "alice@example.com")
	stamped := doc.Stamped("run-1")
	assert.Equal(t, "run-1", stamped.Body[RunField])
	assert.NotContains(t, doc.Body, RunField)
	assert.Equal(t, "users/alice", doc.Key())
}

// Set TEST_INTEGRATION=1 and MONGODB_URL to run against a scratch database.
func TestIntegrationMongoUpsert(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}
	cfg := DefaultMongoConfig()
	if url := os.Getenv("MONGODB_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Database = "migration_test"
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewMongoStore(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	defer s.Close(ctx)
	require.NoError(t, s.db.Drop(ctx))
	require.NoError(t, s.EnsureIndexes(ctx))

	require.NoError(t, s.Upsert(ctx, userDoc("alice", "alice@example.com")))
	require.NoError(t, s.Upsert(ctx, userDoc("alice", "alice@example.com")))
	err = s.Upsert(ctx, userDoc("bob", "alice@example.com"))
	assert.True(t, storeerr.IsConstraint(err))

	docs, err := s.All(ctx, CollectionUsers)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "alice", docs[0]["_id"])

	found, ok, err := s.Find(ctx, CollectionUsers, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", found["email"])
	_, ok, err = s.Find(ctx, CollectionUsers, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	other := cfg
	other.Database = "migration_other"
	assert.NotEqual(t, s.Target(), (&MongoStore{cfg: other}).Target())
	assert.NotContains(t, s.Target(), cfg.URL)
}
