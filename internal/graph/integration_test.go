package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Set TEST_INTEGRATION=1 with NEO4J_URL or DGRAPH_URL pointing at a scratch
// database to run these tests. They leave their nodes behind.
func integrationWriters(t *testing.T) map[string]interface {
	Writer
	Reader
} {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writers := map[string]interface {
		Writer
		Reader
	}{}
	if url := os.Getenv("NEO4J_URL"); url != "" {
		cfg := DefaultNeo4jConfig()
		cfg.URL = url
		cfg.Password = os.Getenv("NEO4J_PASSWORD")
		w, err := NewNeo4jWriter(ctx, cfg, logger)
		if err != nil {
			t.Skipf("Skipping test: Neo4j not available: %v", err)
		}
		writers["neo4j"] = w
	}
	if addr := os.Getenv("DGRAPH_URL"); addr != "" {
		cfg := DefaultDgraphConfig()
		cfg.Address = addr
		cfg.MaxRetries = 1
		w, err := NewDgraphWriter(ctx, cfg, logger)
		if err != nil {
			t.Skipf("Skipping test: DGraph not available: %v", err)
		}
		writers["dgraph"] = w
	}
	if len(writers) == 0 {
		t.Skip("Skipping integration test; no graph destination configured")
	}
	return writers
}

func TestIntegrationMergeTwice(t *testing.T) {
	for name, w := range integrationWriters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer w.Close(ctx)
			require.NoError(t, w.EnsureSchema(ctx))

			applyAll(t, w, seedBatches())
			applyAll(t, w, seedBatches())

			created, err := w.Rels(ctx, RelCreated)
			require.NoError(t, err)
			count := 0
			for _, r := range created {
				if r.From == user("alice") && r.To == product("1") {
					count++
				}
			}
			assert.Equal(t, 1, count)

			res, err := w.Apply(ctx, Batch{Kind: KindRels, Group: string(RelFavorited), Rels: []RelMerge{
				{Type: RelFavorited, From: user("alice"), To: product("does-not-exist")},
			}})
			require.NoError(t, err)
			assert.Len(t, res.Rejected, 1)
		})
	}
}
