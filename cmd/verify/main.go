// Verify CLI - Read both destinations back and check the migrated data
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/config"
	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/jsonx"
	"github.com/marketplace-migrator/internal/migration"
)

func main() {
	cfg := config.FromEnv()
	cfg.RegisterFlags(flag.CommandLine)
	asJSON := flag.Bool("json", false, "Print the verification as JSON")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall verification timeout")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if cfg.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	docs, err := docstore.NewMongoStore(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer docs.Close(context.Background())

	var reader graph.Reader
	switch cfg.GraphBackend {
	case config.GraphNeo4j:
		w, err := graph.NewNeo4jWriter(ctx, cfg.Neo4j, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Neo4j", zap.Error(err))
		}
		defer w.Close(context.Background())
		reader = w
	case config.GraphDgraph:
		w, err := graph.NewDgraphWriter(ctx, cfg.Dgraph, logger)
		if err != nil {
			logger.Fatal("Failed to connect to DGraph", zap.Error(err))
		}
		defer w.Close(context.Background())
		reader = w
	}

	result, err := migration.Verify(ctx, docs, reader)
	if err != nil {
		logger.Fatal("Verification failed", zap.Error(err))
	}

	if *asJSON {
		enc := jsonx.NewEncoder(os.Stdout)
		enc.SetIndent(true)
		if err := enc.Encode(result); err != nil {
			logger.Fatal("Failed to encode verification", zap.Error(err))
		}
	} else {
		printResults(result)
	}
	if !result.OK() {
		os.Exit(1)
	}
}

func printResults(v *migration.Verification) {
	fmt.Println("=== VERIFICATION ===")
	for _, c := range docstore.Collections {
		fmt.Printf("  %s: %d documents\n", c, v.Documents[c])
	}
	if v.Nodes != nil {
		for _, l := range graph.Labels {
			fmt.Printf("  %s: %d nodes\n", l, v.Nodes[l])
		}
		for _, t := range graph.RelTypes {
			fmt.Printf("  %s: %d relationships\n", t, v.Rels[t])
		}
	}

	if v.OK() {
		fmt.Println("\nAll checks passed")
		return
	}
	fmt.Printf("\nFindings (%d):\n", len(v.Findings))
	for _, f := range v.Findings {
		fmt.Printf("  - %s\n", f)
	}
}
