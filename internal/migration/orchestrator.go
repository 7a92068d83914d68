// Package migration runs the relational-to-document-and-graph migration.
//
// A run reflects the source, assembles entities level by level, projects
// them and writes both destinations concurrently. A failing destination
// never aborts the other one; the run only turns fatal before the first
// write, when the source is unreachable or another run holds the lease.
package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketplace-migrator/internal/assemble"
	"github.com/marketplace-migrator/internal/cache"
	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/lease"
	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/notify"
	"github.com/marketplace-migrator/internal/project"
	"github.com/marketplace-migrator/internal/source"
	"github.com/marketplace-migrator/internal/storeerr"
)

// Notifier publishes run events
type Notifier interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Dependencies are the stores a run talks to. A nil destination is
// reported as disabled; a nil Locker falls back to an in-process lease.
type Dependencies struct {
	Source       source.RowSource
	Documents    docstore.Writer
	Graph        graph.Writer
	Locker       lease.Locker
	Fingerprints *cache.Fingerprints
	Notifier     Notifier
}

// Options tune a run
type Options struct {
	Tables         []source.TableSpec
	Workers        int
	DocWorkers     int
	GraphBatchSize int
	// Reconcile stamps every write with the run id and prunes what the run
	// did not touch once a destination succeeded
	Reconcile bool
	// SkipUnchanged suppresses writes whose fingerprint matches the last
	// successful write. Ignored when reconciling.
	SkipUnchanged bool
	LeaseName     string
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Tables:         source.DefaultTables(),
		Workers:        4,
		DocWorkers:     8,
		GraphBatchSize: project.DefaultBatchSize,
		LeaseName:      "marketplace",
	}
}

// Orchestrator drives migration runs
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	state State
}

// NewOrchestrator creates an orchestrator. It is re-entrant: every Run is
// a full refresh of both destinations.
func NewOrchestrator(deps Dependencies, opts Options, logger *zap.Logger) *Orchestrator {
	defaults := DefaultOptions()
	if len(opts.Tables) == 0 {
		opts.Tables = defaults.Tables
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.DocWorkers <= 0 {
		opts.DocWorkers = defaults.DocWorkers
	}
	if opts.GraphBatchSize <= 0 {
		opts.GraphBatchSize = defaults.GraphBatchSize
	}
	if opts.LeaseName == "" {
		opts.LeaseName = defaults.LeaseName
	}
	logger = logger.Named("migration")
	if opts.Reconcile && opts.SkipUnchanged {
		logger.Warn("Skip-unchanged is ignored when reconciling")
		opts.SkipUnchanged = false
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewLocalLocker()
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger, state: StateStart}
}

// State returns the current step of the run
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("Migration state", zap.String("state", string(s)))
}

// Run executes one migration. The returned error is non-nil only for a
// fatal run; destination failures are recorded in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	o.setState(StateStart)
	logger := o.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Starting migration run",
		zap.Bool("reconcile", o.opts.Reconcile),
		zap.Bool("skip_unchanged", o.skipUnchanged()))

	held, err := o.deps.Locker.Acquire(ctx, o.opts.LeaseName)
	if err != nil {
		return o.fatal(ctx, report, fmt.Errorf("failed to acquire lease %s: %w", o.opts.LeaseName, err))
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()

	o.setState(StateReflectSource)
	snap, err := o.deps.Source.Reflect(ctx, o.opts.Tables)
	if err != nil {
		return o.fatal(ctx, report, fmt.Errorf("failed to reflect source: %w", err))
	}
	for _, w := range snap.Warnings {
		report.Warnings = append(report.Warnings, w.String())
	}

	o.setState(StateAssembleEntities)
	dataset, err := o.assemble(ctx, snap, report)
	if err != nil {
		return o.fatal(ctx, report, fmt.Errorf("failed to assemble entities: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return o.fatal(ctx, report, err)
	}
	o.setState(StateProject)
	idx := project.NewIndex(dataset)

	o.setState(StateWrite)
	docs := &DestinationReport{Name: DestinationDocuments, Status: StatusDisabled}
	graphs := &DestinationReport{Name: DestinationGraph, Status: StatusDisabled}
	var wg sync.WaitGroup
	if o.deps.Documents != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.writeDocuments(ctx, report.RunID, idx, docs)
		}()
	}
	if o.deps.Graph != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.writeGraph(ctx, report.RunID, idx, graphs)
		}()
	}
	wg.Wait()
	report.Destinations = []*DestinationReport{docs, graphs}

	o.setState(StateReport)
	report.State = StateDone
	report.Duration = time.Since(report.StartedAt)
	o.publish(ctx, report)

	logger.Info("Migration run finished",
		zap.Duration("duration", report.Duration),
		zap.Int("skipped_rows", len(report.Skips)),
		zap.String("documents", string(docs.Status)),
		zap.String("graph", string(graphs.Status)))
	o.setState(StateDone)
	return report, nil
}

func (o *Orchestrator) fatal(ctx context.Context, report *Report, err error) (*Report, error) {
	o.setState(StateFatal)
	report.State = StateFatal
	report.Duration = time.Since(report.StartedAt)
	o.logger.Error("Migration run failed", zap.String("run_id", report.RunID), zap.Error(err))
	o.publish(ctx, report)
	return report, err
}

func (o *Orchestrator) publish(ctx context.Context, report *Report) {
	if o.deps.Notifier == nil {
		return
	}
	subject := notify.SubjectCompleted
	if report.State == StateFatal || report.Failed() {
		subject = notify.SubjectFailed
	}
	if err := o.deps.Notifier.Publish(context.WithoutCancel(ctx), subject, report.event()); err != nil {
		o.logger.Warn("Failed to publish run event", zap.String("subject", subject), zap.Error(err))
	}
}

func (o *Orchestrator) skipUnchanged() bool {
	return o.opts.SkipUnchanged && o.deps.Fingerprints != nil
}

// assemble runs the assemblers in three levels. Entities of a level only
// reference entities of earlier levels, so each level runs in parallel.
func (o *Orchestrator) assemble(ctx context.Context, snap *source.Snapshot, report *Report) (*model.Dataset, error) {
	a := assemble.New(o.opts.Workers)

	var (
		users      assemble.Result[model.User]
		categories assemble.Result[model.Category]
		locations  assemble.Result[model.Location]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		users, err = a.Users(gctx, snap.Rows(source.TableUsers))
		return err
	})
	g.Go(func() (err error) {
		categories, err = a.Categories(gctx, snap.Rows(source.TableCategories))
		return err
	})
	g.Go(func() (err error) {
		locations, err = a.Locations(gctx, snap.Rows(source.TableLocations))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	parents := assemble.NewParents(users.Items, categories.Items, locations.Items)

	products, err := a.Products(ctx, snap.Rows(source.TableProducts), snap.Rows(source.TablePriceHistory), parents)
	if err != nil {
		return nil, err
	}
	parents = parents.WithProducts(products.Items)

	var (
		favorites     assemble.Result[model.Favorite]
		views         assemble.Result[model.View]
		conversations assemble.Result[model.Conversation]
	)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		favorites, err = a.Favorites(gctx, snap.Rows(source.TableFavorites), parents)
		return err
	})
	g.Go(func() (err error) {
		views, err = a.Views(gctx, snap.Rows(source.TableItemViews), parents)
		return err
	})
	g.Go(func() (err error) {
		conversations, err = a.Conversations(gctx, assemble.ConversationRows{
			Conversations: snap.Rows(source.TableConversations),
			Participants:  snap.Rows(source.TableConversationParticipants),
			Messages:      snap.Rows(source.TableMessages),
			Reads:         snap.Rows(source.TableMessageReads),
		}, parents)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tally(o.logger, report, model.KindUser, users)
	tally(o.logger, report, model.KindCategory, categories)
	tally(o.logger, report, model.KindLocation, locations)
	tally(o.logger, report, model.KindProduct, products)
	tally(o.logger, report, model.KindFavorite, favorites)
	tally(o.logger, report, model.KindView, views)
	tally(o.logger, report, model.KindConversation, conversations)

	return &model.Dataset{
		Users:         users.Items,
		Categories:    categories.Items,
		Locations:     locations.Items,
		Products:      products.Items,
		Favorites:     favorites.Items,
		Views:         views.Items,
		Conversations: conversations.Items,
	}, nil
}

func tally[T any](logger *zap.Logger, report *Report, kind model.Kind, res assemble.Result[T]) {
	report.Entities = append(report.Entities, EntityReport{Kind: kind, Processed: len(res.Items), Skipped: len(res.Skips)})
	report.Skips = append(report.Skips, res.Skips...)
	report.Warnings = append(report.Warnings, res.Warnings...)
	for _, s := range res.Skips {
		logger.Warn("Skipped row", zap.String("table", s.Table), zap.String("key", s.Key),
			zap.String("field", s.Field), zap.String("reason", s.Reason))
	}
	logger.Info("Assembled entities",
		zap.String("kind", string(kind)),
		zap.Int("processed", len(res.Items)),
		zap.Int("skipped", len(res.Skips)))
}

// destination accumulates the counters of one destination pipeline
type destination struct {
	mu     sync.Mutex
	rep    *DestinationReport
	total  int
	logger *zap.Logger
}

func (d *destination) add(update func(r *DestinationReport)) {
	d.mu.Lock()
	update(d.rep)
	d.mu.Unlock()
}

func (d *destination) reject(key string, err error) {
	d.add(func(r *DestinationReport) {
		r.Skipped++
		r.Rejections = append(r.Rejections, key)
	})
	d.logger.Warn("Write rejected", zap.String("key", key), zap.Error(err))
}

// fail marks the destination failed; merges never attempted count as failed
func (d *destination) fail(err error) {
	d.add(func(r *DestinationReport) {
		r.Status = StatusFailed
		r.Error = err.Error()
		r.Failed = d.total - r.Written - r.Unchanged - r.Skipped
	})
	d.logger.Error("Destination failed", zap.Error(err))
}

// prunable reports whether stale entities may be pruned. A rejected write
// leaves its entity stamped by an earlier run.
func (d *destination) prunable() bool {
	d.mu.Lock()
	rejected := len(d.rep.Rejections)
	if rejected > 0 {
		d.rep.PruneSkipped = true
	}
	d.mu.Unlock()
	if rejected > 0 {
		d.logger.Warn("Skipping prune after rejected writes", zap.Int("rejected", rejected))
		return false
	}
	return true
}

func (d *destination) succeed() {
	d.add(func(r *DestinationReport) {
		r.Status = StatusSucceeded
		sort.Strings(r.Rejections)
	})
	d.logger.Info("Destination written",
		zap.Int("written", d.rep.Written),
		zap.Int("unchanged", d.rep.Unchanged),
		zap.Int("skipped", d.rep.Skipped),
		zap.Int("pruned", d.rep.Pruned))
}

func (o *Orchestrator) writeDocuments(ctx context.Context, runID string, idx *project.Index, rep *DestinationReport) {
	w := o.deps.Documents
	docs := project.Documents(idx)
	dest := &destination{rep: rep, total: len(docs), logger: o.logger.With(zap.String("destination", rep.Name))}

	if err := w.EnsureIndexes(ctx); err != nil {
		dest.fail(fmt.Errorf("failed to ensure indexes: %w", err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.DocWorkers)
	target := w.Target()
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return o.writeDocument(gctx, w, target, runID, doc, dest)
		})
	}
	if err := g.Wait(); err != nil {
		dest.fail(err)
		return
	}

	if o.opts.Reconcile && dest.prunable() {
		for _, collection := range docstore.Collections {
			n, err := w.Prune(ctx, collection, runID)
			if err != nil {
				dest.fail(fmt.Errorf("failed to prune %s: %w", collection, err))
				return
			}
			dest.add(func(r *DestinationReport) { r.Pruned += n })
		}
	}
	dest.succeed()
}

// writeDocument upserts one document. A fingerprint hit only counts when
// the document is still stored; products keep their stored price history.
func (o *Orchestrator) writeDocument(ctx context.Context, w docstore.Writer, target, runID string, doc docstore.Document, dest *destination) error {
	key := "documents:" + target + ":" + doc.Key()
	sum, fingerprinted := o.fingerprint(doc.Body)

	var (
		stored map[string]any
		found  bool
		err    error
	)
	if fingerprinted || doc.Collection == docstore.CollectionProducts {
		stored, found, err = w.Find(ctx, doc.Collection, doc.ID)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", doc.Key(), err)
		}
	}
	if fingerprinted && found && o.deps.Fingerprints.Unchanged(ctx, key, sum) {
		dest.add(func(r *DestinationReport) { r.Unchanged++ })
		return nil
	}
	if doc.Collection == docstore.CollectionProducts && found {
		doc = project.KeepPriceHistory(doc, stored)
	}
	if o.opts.Reconcile {
		doc = doc.Stamped(runID)
	}

	err = w.Upsert(ctx, doc)
	switch {
	case err == nil:
		dest.add(func(r *DestinationReport) { r.Written++ })
		if fingerprinted {
			o.deps.Fingerprints.Remember(ctx, key, sum)
		}
		return nil
	case storeerr.IsConstraint(err):
		dest.reject(doc.Key(), err)
		return nil
	default:
		return fmt.Errorf("failed to upsert %s: %w", doc.Key(), err)
	}
}

func (o *Orchestrator) writeGraph(ctx context.Context, runID string, idx *project.Index, rep *DestinationReport) {
	w := o.deps.Graph
	batches := project.Batches(idx, o.opts.GraphBatchSize)
	total := 0
	for _, b := range batches {
		total += b.Size()
	}
	dest := &destination{rep: rep, total: total, logger: o.logger.With(zap.String("destination", rep.Name))}

	if err := w.EnsureSchema(ctx); err != nil {
		dest.fail(fmt.Errorf("failed to ensure schema: %w", err))
		return
	}

	for _, level := range levels(batches) {
		g, gctx := errgroup.WithContext(ctx)
		for _, group := range level {
			group := group
			// batches of one group are applied in order
			g.Go(func() error {
				for seq, b := range group {
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := o.applyBatch(gctx, runID, seq, b, dest); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			dest.fail(err)
			return
		}
	}

	if o.opts.Reconcile && dest.prunable() {
		n, err := w.Prune(ctx, runID)
		if err != nil {
			dest.fail(fmt.Errorf("failed to prune graph: %w", err))
			return
		}
		dest.add(func(r *DestinationReport) { r.Pruned = n })
	}
	dest.succeed()
}

func (o *Orchestrator) applyBatch(ctx context.Context, runID string, seq int, b graph.Batch, dest *destination) error {
	key := fmt.Sprintf("graph:%s:%s:%d", o.deps.Graph.Target(), b.Group, seq)
	sum, fingerprinted := o.fingerprint(b)
	if fingerprinted && o.deps.Fingerprints.Unchanged(ctx, key, sum) {
		dest.add(func(r *DestinationReport) { r.Unchanged += b.Size() })
		return nil
	}
	if o.opts.Reconcile {
		b = graph.Stamp(b, runID)
	}

	res, err := o.deps.Graph.Apply(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to apply %s batch %d: %w", b.Group, seq, err)
	}
	dest.add(func(r *DestinationReport) { r.Written += res.Applied })
	for _, rej := range res.Rejected {
		dest.reject(rej.Key, rej.Err)
	}
	if fingerprinted && len(res.Rejected) == 0 {
		o.deps.Fingerprints.Remember(ctx, key, sum)
	}
	return nil
}

func (o *Orchestrator) fingerprint(v any) (uint64, bool) {
	if !o.skipUnchanged() {
		return 0, false
	}
	sum, err := cache.Sum(v)
	if err != nil {
		o.logger.Warn("Failed to fingerprint write", zap.Error(err))
		return 0, false
	}
	return sum, true
}

// levels splits batches into levels in ascending order, each holding its
// groups in first-seen order
func levels(batches []graph.Batch) [][][]graph.Batch {
	byLevel := map[int][][]graph.Batch{}
	groupIndex := map[int]map[string]int{}
	var order []int
	for _, b := range batches {
		if _, ok := groupIndex[b.Level]; !ok {
			groupIndex[b.Level] = map[string]int{}
			order = append(order, b.Level)
		}
		i, ok := groupIndex[b.Level][b.Group]
		if !ok {
			i = len(byLevel[b.Level])
			groupIndex[b.Level][b.Group] = i
			byLevel[b.Level] = append(byLevel[b.Level], nil)
		}
		byLevel[b.Level][i] = append(byLevel[b.Level][i], b)
	}
	sort.Ints(order)

	out := make([][][]graph.Batch, len(order))
	for i, level := range order {
		out[i] = byLevel[level]
	}
	return out
}
