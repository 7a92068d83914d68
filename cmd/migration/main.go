// Migration CLI - Move the relational marketplace into MongoDB and a graph store
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/cache"
	"github.com/marketplace-migrator/internal/config"
	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/jsonx"
	"github.com/marketplace-migrator/internal/lease"
	"github.com/marketplace-migrator/internal/migration"
	"github.com/marketplace-migrator/internal/notify"
	"github.com/marketplace-migrator/internal/source"
)

// Exit codes
const (
	exitOK                = 0
	exitFatal             = 1
	exitDestinationFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	cfg.RegisterFlags(flag.CommandLine)
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	if cfg.Skip {
		fmt.Println("Migration skipped")
		return exitOK
	}

	// Setup logger
	var logger *zap.Logger
	var err error
	if cfg.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return exitFatal
	}
	defer logger.Sync()

	if err := cfg.LoadTables(); err != nil {
		logger.Error("Invalid table mapping", zap.Error(err))
		return exitFatal
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return exitFatal
	}
	for _, warning := range cfg.Adjust() {
		logger.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := source.Open(ctx, cfg.Source, logger)
	if err != nil {
		logger.Error("Source unavailable", zap.Error(err))
		return exitFatal
	}
	defer src.Close()

	deps := migration.Dependencies{Source: src}
	var memDocs *docstore.MemoryStore
	if cfg.DryRun {
		memDocs, err = docstore.NewMemoryStore(logger)
		if err != nil {
			logger.Error("Failed to create in-memory document store", zap.Error(err))
			return exitFatal
		}
		deps.Documents = memDocs
		if cfg.GraphBackend != config.GraphNone {
			deps.Graph = graph.NewMemoryGraph(logger)
		}
	} else {
		closers := connectDestinations(ctx, cfg, &deps, logger)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, c := range closers {
				if err := c(closeCtx); err != nil {
					logger.Warn("Failed to close destination", zap.Error(err))
				}
			}
		}()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid Redis URL", zap.Error(err))
			return exitFatal
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		deps.Locker = lease.NewRedisLocker(rdb, cfg.LeaseTTL, logger)
		if cfg.SkipUnchanged {
			fps, err := cache.New(cache.DefaultConfig(), rdb, logger)
			if err != nil {
				logger.Error("Failed to create fingerprint cache", zap.Error(err))
				return exitFatal
			}
			defer fps.Close()
			deps.Fingerprints = fps
		}
	}

	if cfg.NATSURL != "" {
		pub, err := notify.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			// events are best effort
			logger.Warn("Run events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			deps.Notifier = pub
		}
	}

	orchestrator := migration.NewOrchestrator(deps, migration.Options{
		Tables:         cfg.Tables,
		Workers:        cfg.Workers,
		DocWorkers:     cfg.DocWorkers,
		GraphBatchSize: cfg.GraphBatchSize,
		Reconcile:      cfg.Reconcile,
		SkipUnchanged:  cfg.SkipUnchanged,
		LeaseName:      cfg.LeaseName,
	}, logger)

	report, err := orchestrator.Run(ctx)
	if *asJSON {
		enc := jsonx.NewEncoder(os.Stdout)
		enc.SetIndent(true)
		if jerr := enc.Encode(report); jerr != nil {
			logger.Error("Failed to encode report", zap.Error(jerr))
		}
	} else {
		report.Print(os.Stdout)
		if memDocs != nil && err == nil {
			printDryRunStats(memDocs)
		}
	}
	if err != nil {
		logger.Error("Migration failed", zap.Error(err))
		return exitFatal
	}
	if report.Failed() {
		return exitDestinationFailed
	}
	return exitOK
}

// connectDestinations opens the configured destinations. A destination
// that cannot be reached still takes part in the run and fails there, so
// the other destination is written and the exit code reports the failure.
func connectDestinations(ctx context.Context, cfg *config.Config, deps *migration.Dependencies, logger *zap.Logger) []func(context.Context) error {
	var closers []func(context.Context) error

	mongo, err := docstore.NewMongoStore(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Error("Document store unavailable", zap.Error(err))
		deps.Documents = unavailableDocs{err: err}
	} else {
		closers = append(closers, mongo.Close)
		deps.Documents = mongo
	}

	var w graph.Writer
	switch cfg.GraphBackend {
	case config.GraphNeo4j:
		var neo *graph.Neo4jWriter
		if neo, err = graph.NewNeo4jWriter(ctx, cfg.Neo4j, logger); err == nil {
			w = neo
		}
	case config.GraphDgraph:
		var dg *graph.DgraphWriter
		if dg, err = graph.NewDgraphWriter(ctx, cfg.Dgraph, logger); err == nil {
			w = dg
		}
	default:
		return closers
	}
	if err != nil {
		logger.Error("Graph store unavailable", zap.String("backend", cfg.GraphBackend), zap.Error(err))
		deps.Graph = unavailableGraph{err: err}
		return closers
	}
	closers = append(closers, w.Close)
	deps.Graph = w
	return closers
}

// unavailableDocs fails every write with the connection error
type unavailableDocs struct{ err error }

func (u unavailableDocs) EnsureIndexes(ctx context.Context) error { return u.err }

func (u unavailableDocs) Upsert(ctx context.Context, doc docstore.Document) error { return u.err }

func (u unavailableDocs) Find(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	return nil, false, u.err
}

func (u unavailableDocs) Prune(ctx context.Context, collection, runID string) (int, error) {
	return 0, u.err
}

func (u unavailableDocs) Target() string { return "unavailable" }

func (u unavailableDocs) Close(ctx context.Context) error { return nil }

// unavailableGraph fails every write with the connection error
type unavailableGraph struct{ err error }

func (u unavailableGraph) EnsureSchema(ctx context.Context) error { return u.err }

func (u unavailableGraph) Apply(ctx context.Context, b graph.Batch) (graph.ApplyResult, error) {
	return graph.ApplyResult{}, u.err
}

func (u unavailableGraph) Prune(ctx context.Context, runID string) (int, error) { return 0, u.err }

func (u unavailableGraph) Target() string { return "unavailable" }

func (u unavailableGraph) Close(ctx context.Context) error { return nil }

// printDryRunStats prints what the in-memory document store received
func printDryRunStats(store *docstore.MemoryStore) {
	fmt.Println("\n=== DRY RUN RESULTS ===")
	for _, c := range docstore.Collections {
		fmt.Printf("  %s: %d documents\n", c, store.Count(c))
	}
	fmt.Println("\nProducts by status:")
	for status, n := range store.CountBy(docstore.CollectionProducts, "status") {
		fmt.Printf("  %s: %d\n", status, n)
	}
}
