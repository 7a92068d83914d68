package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace-migrator/internal/source"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("SOURCE_DRIVER", "sqlite")
	t.Setenv("SOURCE_DSN", "file:market.db")
	t.Setenv("GRAPH_BACKEND", "dgraph")
	t.Setenv("DGRAPH_URL", "dgraph:9080")
	t.Setenv("MIGRATION_SKIP", "true")
	t.Setenv("MIGRATION_WORKERS", "not-a-number")
	t.Setenv("MIGRATION_RETRY_DELAY", "50ms")

	c := FromEnv()
	assert.Equal(t, "sqlite", c.Source.Driver)
	assert.Equal(t, "file:market.db", c.Source.DSN)
	assert.Equal(t, GraphDgraph, c.GraphBackend)
	assert.Equal(t, "dgraph:9080", c.Dgraph.Address)
	assert.True(t, c.Skip)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 50*time.Millisecond, c.Retry.Delay)
	assert.Equal(t, 50*time.Millisecond, c.Neo4j.Retry.Delay)
	assert.False(t, c.Reconcile)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SOURCE_DSN", "from-env")
	t.Setenv("MIGRATION_GRAPH_BATCH_SIZE", "100")

	c := FromEnv()
	fs := flag.NewFlagSet("migration", flag.ContinueOnError)
	c.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--source-dsn", "from-flag", "--dry-run", "--reconcile"}))

	assert.Equal(t, "from-flag", c.Source.DSN)
	assert.Equal(t, 100, c.GraphBatchSize)
	assert.True(t, c.DryRun)
	assert.True(t, c.Reconcile)
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - name: products
    columns: [id, title, price_amount, seller_id, status]
  - name: product_images
    optional: true
`), 0o644))

	c := FromEnv()
	c.ConfigPath = path
	require.NoError(t, c.LoadTables())

	byName := map[string]source.TableSpec{}
	for _, spec := range c.Tables {
		byName[spec.Name] = spec
	}
	assert.Equal(t, []string{"id", "title", "price_amount", "seller_id", "status"}, byName["products"].Columns)
	assert.True(t, byName["product_images"].Optional)
	assert.Contains(t, byName, "users")
}

func TestLoadTablesMissingFile(t *testing.T) {
	c := FromEnv()
	c.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, c.LoadTables())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := FromEnv()
		c.Source.DSN = "user:pw@tcp(localhost:3306)/market"
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"driver":     func(c *Config) { c.Source.Driver = "postgres" },
		"dsn":        func(c *Config) { c.Source.DSN = "" },
		"graph":      func(c *Config) { c.GraphBackend = "arangodb" },
		"workers":    func(c *Config) { c.Workers = 0 },
		"batch size": func(c *Config) { c.GraphBatchSize = -1 },
		"lease":      func(c *Config) { c.LeaseName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	skipped := valid()
	skipped.Source.DSN = ""
	skipped.Skip = true
	assert.NoError(t, skipped.Validate())
}

func TestAdjustDisablesSkipUnchangedWithoutRedis(t *testing.T) {
	c := FromEnv()
	c.RedisURL = ""
	c.DryRun = false
	c.SkipUnchanged = true
	warnings := c.Adjust()
	assert.False(t, c.SkipUnchanged)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "REDIS_URL")

	c = FromEnv()
	c.DryRun = false
	c.SkipUnchanged = true
	c.RedisURL = "redis://localhost:6379/0"
	assert.Empty(t, c.Adjust())
	assert.True(t, c.SkipUnchanged)

	c.DryRun = true
	assert.Len(t, c.Adjust(), 1)
	assert.False(t, c.SkipUnchanged)
}
