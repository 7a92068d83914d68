package migration

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketplace-migrator/internal/cache"
	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/lease"
	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/notify"
	"github.com/marketplace-migrator/internal/source"
	"github.com/marketplace-migrator/internal/source/sourcetest"
	"github.com/marketplace-migrator/internal/storeerr"
)

type harness struct {
	db       *sql.DB
	docs     *docstore.MemoryStore
	graph    *graph.MemoryGraph
	recorder *notify.Recorder
	locker   *lease.LocalLocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := sourcetest.NewDB(t)
	sourcetest.SeedMarketplace(t, db)
	docs, err := docstore.NewMemoryStore(zaptest.NewLogger(t))
	require.NoError(t, err)
	return &harness{
		db:       db,
		docs:     docs,
		graph:    graph.NewMemoryGraph(zaptest.NewLogger(t)),
		recorder: &notify.Recorder{},
		locker:   lease.NewLocalLocker(),
	}
}

func (h *harness) orchestrator(t *testing.T, opts Options) *Orchestrator {
	logger := zaptest.NewLogger(t)
	return NewOrchestrator(Dependencies{
		Source:    sourcetest.NewSource(h.db, logger),
		Documents: h.docs,
		Graph:     h.graph,
		Locker:    h.locker,
		Notifier:  h.recorder,
	}, opts, logger)
}

func (h *harness) run(t *testing.T, opts Options) *Report {
	t.Helper()
	report, err := h.orchestrator(t, opts).Run(context.Background())
	require.NoError(t, err)
	return report
}

func smallOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 2
	opts.DocWorkers = 3
	opts.GraphBatchSize = 2
	return opts
}

func TestRunFreshMigration(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, smallOptions())
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 0, report.ExitCode())
	assert.Empty(t, report.Skips)

	assert.Equal(t, 3, report.Entity(model.KindUser).Processed)
	assert.Equal(t, 5, report.Entity(model.KindProduct).Processed)
	assert.Equal(t, 2, report.Entity(model.KindCategory).Processed)
	assert.Equal(t, 4, report.Entity(model.KindFavorite).Processed)

	docs := report.Destination(DestinationDocuments)
	require.NotNil(t, docs)
	assert.Equal(t, StatusSucceeded, docs.Status)
	assert.Equal(t, 9, docs.Written)
	assert.Equal(t, 3, h.docs.Count(docstore.CollectionUsers))
	assert.Equal(t, 5, h.docs.Count(docstore.CollectionProducts))
	assert.Equal(t, 1, h.docs.Count(docstore.CollectionConversations))

	assert.Equal(t, StatusSucceeded, report.Destination(DestinationGraph).Status)
	assert.Equal(t, 3, h.graph.NodeCount(graph.LabelUser))
	assert.Equal(t, 5, h.graph.NodeCount(graph.LabelProduct))
	assert.Equal(t, 2, h.graph.NodeCount(graph.LabelCategory))
	assert.Equal(t, 5, h.graph.RelCount(graph.RelCreated))
	assert.Equal(t, 4, h.graph.RelCount(graph.RelFavorited))
	assert.Equal(t, 2, h.graph.RelCount(graph.RelMessaged))

	phone, ok := h.docs.Get(docstore.CollectionProducts, "1")
	require.True(t, ok)
	stats := phone["stats"].(map[string]any)
	assert.Equal(t, int64(3), stats["view_count"])
	assert.Equal(t, int64(2), stats["favorite_count"])
	assert.Equal(t, "alice", phone["seller"].(map[string]any)["username"])

	v, err := Verify(context.Background(), h.docs, h.graph)
	require.NoError(t, err)
	assert.True(t, v.OK(), "findings: %v", v.Findings)

	msgs := h.recorder.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.SubjectCompleted, msgs[0].Subject)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.run(t, smallOptions())
	docsBefore, err := h.docs.Snapshot()
	require.NoError(t, err)
	graphBefore, err := h.graph.Snapshot()
	require.NoError(t, err)

	second := h.run(t, smallOptions())
	docsAfter, err := h.docs.Snapshot()
	require.NoError(t, err)
	graphAfter, err := h.graph.Snapshot()
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, string(docsBefore), string(docsAfter))
	assert.Equal(t, string(graphBefore), string(graphAfter))
	assert.Equal(t, first.Destination(DestinationGraph).Written, second.Destination(DestinationGraph).Written)
}

func TestRunSkipsInvalidRowsAndContinues(t *testing.T) {
	h := newHarness(t)
	sourcetest.Exec(t, h.db, `INSERT INTO products (id, seller_id, category_id, title, price_amount, status) VALUES
		(6, 99, 1, 'Orphan', 10.00, 'active'),
		(7, 1, 1, 'Bad status', 10.00, 'deleted')`)
	sourcetest.Exec(t, h.db, `INSERT INTO users (id, username, email) VALUES (4, 'dave', 'not-an-email')`)

	report := h.run(t, smallOptions())
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, 5, report.Entity(model.KindProduct).Processed)
	assert.Equal(t, 2, report.Entity(model.KindProduct).Skipped)
	assert.Equal(t, 1, report.Entity(model.KindUser).Skipped)

	keys := map[string]string{}
	for _, s := range report.Skips {
		keys[s.Table+"/"+s.Key] = s.Field
	}
	assert.Equal(t, "seller_id", keys["products/6"])
	assert.Equal(t, "status", keys["products/7"])
	assert.Equal(t, "email", keys["users/4"])

	_, found := h.docs.Get(docstore.CollectionProducts, "6")
	assert.False(t, found)
	assert.Equal(t, 5, h.graph.NodeCount(graph.LabelProduct))

	var out bytes.Buffer
	report.Print(&out)
	assert.Contains(t, out.String(), "Skipped rows (3)")
}

func TestRunPriceChange(t *testing.T) {
	h := newHarness(t)
	h.run(t, smallOptions())

	sourcetest.Exec(t, h.db, `UPDATE products SET price_amount = 900.00, updated_at = '2024-04-01 10:00:00' WHERE id = 1`)
	h.run(t, smallOptions())

	phone, ok := h.docs.Get(docstore.CollectionProducts, "1")
	require.True(t, ok)
	assert.Equal(t, 900.0, phone["price_amount"])
	assert.Equal(t, []float64{1200, 1000, 900}, amounts(t, phone))

	// an unchanged source leaves the history as it is
	h.run(t, smallOptions())
	phone, _ = h.docs.Get(docstore.CollectionProducts, "1")
	assert.Equal(t, []float64{1200, 1000, 900}, amounts(t, phone))

	nodes, err := h.graph.Nodes(context.Background(), graph.LabelProduct)
	require.NoError(t, err)
	assert.Equal(t, 900.0, nodes[0].Props["price_amount"])
	assert.Equal(t, 5, h.docs.Count(docstore.CollectionProducts))

	v, err := Verify(context.Background(), h.docs, h.graph)
	require.NoError(t, err)
	assert.True(t, v.OK(), "findings: %v", v.Findings)
}

func TestRunPriceChangeWithoutHistoryRows(t *testing.T) {
	h := newHarness(t)
	sourcetest.Exec(t, h.db, `UPDATE products SET price_amount = 500.00, updated_at = '2024-03-10 10:00:00' WHERE id = 2`)
	h.run(t, smallOptions())
	sourcetest.Exec(t, h.db, `UPDATE products SET price_amount = 450.00, updated_at = '2024-04-01 10:00:00' WHERE id = 2`)
	h.run(t, smallOptions())

	stand, ok := h.docs.Get(docstore.CollectionProducts, "2")
	require.True(t, ok)
	assert.Equal(t, []float64{500, 450}, amounts(t, stand))

	history := stand["price_history"].([]any)
	first := history[0].(map[string]any)["changed_at"].(time.Time)
	second := history[1].(map[string]any)["changed_at"].(time.Time)
	assert.True(t, first.Before(second))
}

func amounts(t *testing.T, product map[string]any) []float64 {
	t.Helper()
	history, ok := product["price_history"].([]any)
	require.True(t, ok)
	out := make([]float64, len(history))
	for i, e := range history {
		out[i] = e.(map[string]any)["amount"].(float64)
	}
	return out
}

// unreachableGraph fails every batch as if the server were down
type unreachableGraph struct{}

func (unreachableGraph) EnsureSchema(ctx context.Context) error { return nil }

func (unreachableGraph) Apply(ctx context.Context, b graph.Batch) (graph.ApplyResult, error) {
	return graph.ApplyResult{}, &storeerr.ConnectionError{Store: "neo4j", Op: "apply", Err: errors.New("connection refused")}
}

func (unreachableGraph) Prune(ctx context.Context, runID string) (int, error) { return 0, nil }

func (unreachableGraph) Target() string { return "unreachable" }

func (unreachableGraph) Close(ctx context.Context) error { return nil }

func TestRunDestinationUnreachable(t *testing.T) {
	h := newHarness(t)
	logger := zaptest.NewLogger(t)
	o := NewOrchestrator(Dependencies{
		Source:    sourcetest.NewSource(h.db, logger),
		Documents: h.docs,
		Graph:     unreachableGraph{},
		Locker:    h.locker,
		Notifier:  h.recorder,
	}, smallOptions(), logger)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, 2, report.ExitCode())

	g := report.Destination(DestinationGraph)
	assert.Equal(t, StatusFailed, g.Status)
	assert.Contains(t, g.Error, "connection refused")
	assert.Zero(t, g.Written)
	assert.Greater(t, g.Failed, 0)

	// the document destination is unaffected
	assert.Equal(t, StatusSucceeded, report.Destination(DestinationDocuments).Status)
	assert.Equal(t, 5, h.docs.Count(docstore.CollectionProducts))

	msgs := h.recorder.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.SubjectFailed, msgs[0].Subject)
}

func TestRunFatalWhenLeaseHeld(t *testing.T) {
	h := newHarness(t)
	held, err := h.locker.Acquire(context.Background(), "marketplace")
	require.NoError(t, err)
	defer held.Release(context.Background())

	o := h.orchestrator(t, smallOptions())
	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.Equal(t, StateFatal, o.State())
	assert.Equal(t, StateFatal, report.State)
	assert.Zero(t, h.docs.Count(docstore.CollectionUsers))
}

type downSource struct{}

func (downSource) Reflect(ctx context.Context, specs []source.TableSpec) (*source.Snapshot, error) {
	return nil, fmt.Errorf("%w: dial tcp: connection refused", source.ErrSourceUnavailable)
}

func (downSource) Close() error { return nil }

func TestRunFatalWhenSourceUnavailable(t *testing.T) {
	recorder := &notify.Recorder{}
	o := NewOrchestrator(Dependencies{Source: downSource{}, Notifier: recorder}, smallOptions(), zaptest.NewLogger(t))

	report, err := o.Run(context.Background())
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, StateFatal, report.State)
	require.Len(t, recorder.Messages(), 1)
	assert.Equal(t, notify.SubjectFailed, recorder.Messages()[0].Subject)

	// the lease was released
	next, err := o.deps.Locker.Acquire(context.Background(), "marketplace")
	require.NoError(t, err)
	require.NoError(t, next.Release(context.Background()))
}

func TestRunReconcilePrunesRemovedRows(t *testing.T) {
	h := newHarness(t)
	opts := smallOptions()
	opts.Reconcile = true
	first := h.run(t, opts)
	assert.Zero(t, first.Destination(DestinationDocuments).Pruned)
	assert.Zero(t, first.Destination(DestinationGraph).Pruned)

	sourcetest.Exec(t, h.db, `DELETE FROM products WHERE id = 4`)
	second := h.run(t, opts)

	assert.Equal(t, 1, second.Destination(DestinationDocuments).Pruned)
	assert.Greater(t, second.Destination(DestinationGraph).Pruned, 0)
	_, found := h.docs.Get(docstore.CollectionProducts, "4")
	assert.False(t, found)
	assert.Equal(t, 4, h.graph.NodeCount(graph.LabelProduct))
	assert.Equal(t, 4, h.graph.RelCount(graph.RelCreated))

	v, err := Verify(context.Background(), h.docs, h.graph)
	require.NoError(t, err)
	assert.True(t, v.OK(), "findings: %v", v.Findings)
}

func TestRunSkipUnchanged(t *testing.T) {
	h := newHarness(t)
	fps, err := cache.New(cache.DefaultConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fps.Close()

	logger := zaptest.NewLogger(t)
	opts := smallOptions()
	opts.SkipUnchanged = true
	deps := Dependencies{
		Source:       sourcetest.NewSource(h.db, logger),
		Documents:    h.docs,
		Graph:        h.graph,
		Locker:       h.locker,
		Fingerprints: fps,
	}

	first, err := NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, first.Destination(DestinationDocuments).Written)
	assert.Zero(t, first.Destination(DestinationDocuments).Unchanged)

	sourcetest.Exec(t, h.db, `UPDATE products SET title = 'Pixel 7 Pro' WHERE id = 3`)
	second, err := NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)

	docs := second.Destination(DestinationDocuments)
	assert.Equal(t, 1, docs.Written)
	assert.Equal(t, 8, docs.Unchanged)
	pixel, _ := h.docs.Get(docstore.CollectionProducts, "3")
	assert.Equal(t, "Pixel 7 Pro", pixel["title"])

	g := second.Destination(DestinationGraph)
	assert.Equal(t, first.Destination(DestinationGraph).Written, g.Written+g.Unchanged)
	assert.Greater(t, g.Unchanged, 0)
}

// rejectingStore refuses one document with a constraint violation
type rejectingStore struct {
	*docstore.MemoryStore
	key string
}

func (s rejectingStore) Upsert(ctx context.Context, doc docstore.Document) error {
	if doc.Key() == s.key {
		return &storeerr.ConstraintViolation{Store: "memdocs", Key: doc.Key(), Err: errors.New("duplicate key")}
	}
	return s.MemoryStore.Upsert(ctx, doc)
}

func TestRunReconcileKeepsRejectedEntities(t *testing.T) {
	h := newHarness(t)
	opts := smallOptions()
	opts.Reconcile = true
	h.run(t, opts)

	logger := zaptest.NewLogger(t)
	o := NewOrchestrator(Dependencies{
		Source:    sourcetest.NewSource(h.db, logger),
		Documents: rejectingStore{MemoryStore: h.docs, key: "users/bob"},
		Graph:     h.graph,
		Locker:    h.locker,
	}, opts, logger)
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitCode())

	docs := report.Destination(DestinationDocuments)
	assert.Equal(t, StatusSucceeded, docs.Status)
	assert.Equal(t, []string{"users/bob"}, docs.Rejections)
	assert.True(t, docs.PruneSkipped)
	assert.Zero(t, docs.Pruned)

	_, found := h.docs.Get(docstore.CollectionUsers, "bob")
	assert.True(t, found)
	assert.Equal(t, 3, h.docs.Count(docstore.CollectionUsers))

	var out bytes.Buffer
	report.Print(&out)
	assert.Contains(t, out.String(), "documents not pruned")
}

func TestRunSkipUnchangedNewDestination(t *testing.T) {
	h := newHarness(t)
	fps, err := cache.New(cache.DefaultConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fps.Close()

	logger := zaptest.NewLogger(t)
	opts := smallOptions()
	opts.SkipUnchanged = true
	deps := Dependencies{
		Source:       sourcetest.NewSource(h.db, logger),
		Documents:    h.docs,
		Graph:        h.graph,
		Locker:       h.locker,
		Fingerprints: fps,
	}
	_, err = NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)

	fresh := newHarness(t)
	deps.Documents = fresh.docs
	deps.Graph = fresh.graph
	report, err := NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9, report.Destination(DestinationDocuments).Written)
	assert.Zero(t, report.Destination(DestinationDocuments).Unchanged)
	assert.Zero(t, report.Destination(DestinationGraph).Unchanged)
	assert.Equal(t, 5, fresh.docs.Count(docstore.CollectionProducts))
	assert.Equal(t, 5, fresh.graph.NodeCount(graph.LabelProduct))
}

func TestRunSkipUnchangedRewritesMissingDocuments(t *testing.T) {
	h := newHarness(t)
	fps, err := cache.New(cache.DefaultConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fps.Close()

	logger := zaptest.NewLogger(t)
	opts := smallOptions()
	opts.SkipUnchanged = true
	deps := Dependencies{
		Source:       sourcetest.NewSource(h.db, logger),
		Documents:    h.docs,
		Graph:        h.graph,
		Locker:       h.locker,
		Fingerprints: fps,
	}
	_, err = NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)

	// empty the products collection behind the cache's back
	removed, err := h.docs.Prune(context.Background(), docstore.CollectionProducts, "none")
	require.NoError(t, err)
	require.Equal(t, 5, removed)

	report, err := NewOrchestrator(deps, opts, logger).Run(context.Background())
	require.NoError(t, err)
	docs := report.Destination(DestinationDocuments)
	assert.Equal(t, 5, docs.Written)
	assert.Equal(t, 4, docs.Unchanged)
	assert.Equal(t, 5, h.docs.Count(docstore.CollectionProducts))
}

func TestReconcileDisablesSkipUnchanged(t *testing.T) {
	fps, err := cache.New(cache.DefaultConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fps.Close()

	opts := smallOptions()
	opts.Reconcile = true
	opts.SkipUnchanged = true
	o := NewOrchestrator(Dependencies{Fingerprints: fps}, opts, zaptest.NewLogger(t))
	assert.False(t, o.skipUnchanged())
}

func TestLevelsGroupsBatches(t *testing.T) {
	batches := []graph.Batch{
		{Level: 1, Group: "CREATED"},
		{Level: 0, Group: "User"},
		{Level: 0, Group: "Product"},
		{Level: 0, Group: "User"},
		{Level: 1, Group: "FAVORITED"},
	}
	got := levels(batches)
	require.Len(t, got, 2)
	require.Len(t, got[0], 2)
	assert.Len(t, got[0][0], 2)
	assert.Equal(t, "User", got[0][0][0].Group)
	assert.Equal(t, "Product", got[0][1][0].Group)
	require.Len(t, got[1], 2)
	assert.Equal(t, "CREATED", got[1][0][0].Group)
}

func TestReportPrint(t *testing.T) {
	report := &Report{
		RunID:    "run-1",
		State:    StateDone,
		Entities: []EntityReport{{Kind: model.KindUser, Processed: 3}},
		Destinations: []*DestinationReport{
			{Name: DestinationDocuments, Status: StatusSucceeded, Written: 9},
			{Name: DestinationGraph, Status: StatusFailed, Error: "neo4j apply: connection error"},
		},
		Warnings: []string{"products.color: column missing"},
	}
	var out bytes.Buffer
	report.Print(&out)

	text := out.String()
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "graph failed: neo4j apply: connection error")
	assert.Contains(t, text, "Warnings (1)")
	assert.Equal(t, 2, report.ExitCode())
}
