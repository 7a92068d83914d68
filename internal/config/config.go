// Package config assembles the migration settings from environment
// variables, command-line flags and an optional YAML table mapping.
// Flags override the environment; the mapping overrides the default tables.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/lease"
	"github.com/marketplace-migrator/internal/source"
	"github.com/marketplace-migrator/internal/storeerr"
)

// Graph backends
const (
	GraphNeo4j  = "neo4j"
	GraphDgraph = "dgraph"
	GraphNone   = "none"
)

// Config holds everything a migration run needs
type Config struct {
	Skip       bool
	DryRun     bool
	Verbose    bool
	ConfigPath string

	Source source.Config
	Tables []source.TableSpec

	Mongo        docstore.MongoConfig
	GraphBackend string
	Neo4j        graph.Neo4jConfig
	Dgraph       graph.DgraphConfig

	RedisURL string
	NATSURL  string

	LeaseName string
	LeaseTTL  time.Duration

	Workers        int
	DocWorkers     int
	GraphBatchSize int
	Reconcile      bool
	SkipUnchanged  bool
	Retry          storeerr.RetryPolicy
}

// FromEnv reads the configuration from the environment
func FromEnv() *Config {
	retry := storeerr.DefaultRetryPolicy()
	retry.Attempts = getEnvInt("MIGRATION_RETRY_ATTEMPTS", retry.Attempts)
	retry.Delay = getEnvDuration("MIGRATION_RETRY_DELAY", retry.Delay)
	retry.MaxDelay = getEnvDuration("MIGRATION_RETRY_MAX_DELAY", retry.MaxDelay)
	retry.Timeout = getEnvDuration("MIGRATION_WRITE_TIMEOUT", retry.Timeout)

	src := source.DefaultConfig()
	src.Driver = getEnv("SOURCE_DRIVER", src.Driver)
	src.DSN = getEnv("SOURCE_DSN", "")
	src.ReadWorkers = getEnvInt("SOURCE_READ_WORKERS", src.ReadWorkers)

	mongo := docstore.DefaultMongoConfig()
	mongo.URL = getEnv("MONGODB_URL", mongo.URL)
	mongo.Database = getEnv("MONGODB_DATABASE", mongo.Database)
	mongo.Retry = retry

	neo := graph.DefaultNeo4jConfig()
	neo.URL = getEnv("NEO4J_URL", neo.URL)
	neo.User = getEnv("NEO4J_USER", neo.User)
	neo.Password = getEnv("NEO4J_PASSWORD", "")
	neo.Database = getEnv("NEO4J_DATABASE", neo.Database)
	neo.Retry = retry

	dg := graph.DefaultDgraphConfig()
	dg.Address = getEnv("DGRAPH_URL", dg.Address)
	dg.Retry = retry

	return &Config{
		Skip:           getEnvBool("MIGRATION_SKIP", false),
		Source:         src,
		Tables:         source.DefaultTables(),
		Mongo:          mongo,
		GraphBackend:   getEnv("GRAPH_BACKEND", GraphNeo4j),
		Neo4j:          neo,
		Dgraph:         dg,
		RedisURL:       getEnv("REDIS_URL", ""),
		NATSURL:        getEnv("NATS_URL", ""),
		LeaseName:      getEnv("MIGRATION_LEASE", "marketplace"),
		LeaseTTL:       getEnvDuration("MIGRATION_LEASE_TTL", lease.DefaultTTL),
		Workers:        getEnvInt("MIGRATION_WORKERS", 4),
		DocWorkers:     getEnvInt("MIGRATION_DOC_WORKERS", 8),
		GraphBatchSize: getEnvInt("MIGRATION_GRAPH_BATCH_SIZE", 500),
		Reconcile:      getEnvBool("MIGRATION_RECONCILE", false),
		SkipUnchanged:  getEnvBool("MIGRATION_SKIP_UNCHANGED", false),
		Retry:          retry,
	}
}

// RegisterFlags binds command-line flags whose defaults are the current
// values, so a flag only overrides when given
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Skip, "skip", c.Skip, "Skip the migration entirely (exit 0)")
	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun, "Project into in-memory stores and print the report")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose output")
	fs.StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to table mapping config (YAML)")
	fs.StringVar(&c.Source.Driver, "source-driver", c.Source.Driver, "Source driver: mysql, sqlite")
	fs.StringVar(&c.Source.DSN, "source-dsn", c.Source.DSN, "Source data source name")
	fs.StringVar(&c.Mongo.URL, "mongodb", c.Mongo.URL, "MongoDB connection URL")
	fs.StringVar(&c.Mongo.Database, "mongodb-database", c.Mongo.Database, "MongoDB database")
	fs.StringVar(&c.GraphBackend, "graph", c.GraphBackend, "Graph backend: neo4j, dgraph, none")
	fs.StringVar(&c.Neo4j.URL, "neo4j", c.Neo4j.URL, "Neo4j bolt URL")
	fs.StringVar(&c.Dgraph.Address, "dgraph", c.Dgraph.Address, "DGraph Alpha address")
	fs.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis URL for the run lease and fingerprints")
	fs.StringVar(&c.NATSURL, "nats", c.NATSURL, "NATS URL for run events")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Assembly workers")
	fs.IntVar(&c.DocWorkers, "doc-workers", c.DocWorkers, "Concurrent document writes")
	fs.IntVar(&c.GraphBatchSize, "batch-size", c.GraphBatchSize, "Merges per graph transaction")
	fs.BoolVar(&c.Reconcile, "reconcile", c.Reconcile, "Delete destination entities no longer in the source")
	fs.BoolVar(&c.SkipUnchanged, "skip-unchanged", c.SkipUnchanged, "Skip writes whose fingerprint is unchanged")
}

// LoadTables applies the YAML table mapping at ConfigPath, if any
func (c *Config) LoadTables() error {
	if c.ConfigPath == "" {
		return nil
	}
	overrides, err := loadTableConfig(c.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", c.ConfigPath, err)
	}
	c.Tables = source.MergeTables(source.DefaultTables(), overrides)
	return nil
}

// loadTableConfig loads table mapping from YAML
func loadTableConfig(path string) ([]source.TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config struct {
		Tables []source.TableSpec `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return config.Tables, nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Skip {
		return nil
	}
	switch c.Source.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported source driver %q", c.Source.Driver)
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("SOURCE_DSN is required")
	}
	switch c.GraphBackend {
	case GraphNeo4j, GraphDgraph, GraphNone:
	default:
		return fmt.Errorf("unsupported graph backend %q", c.GraphBackend)
	}
	if !c.DryRun && c.Mongo.URL == "" {
		return fmt.Errorf("MONGODB_URL is required")
	}
	if c.Workers <= 0 || c.DocWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if c.GraphBatchSize <= 0 {
		return fmt.Errorf("graph batch size must be positive")
	}
	if c.LeaseName == "" {
		return fmt.Errorf("lease name cannot be empty")
	}
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table mapping without a name")
		}
	}
	return nil
}

// Adjust turns off settings that cannot take effect and returns one
// warning per change. Fingerprints only outlive the process in Redis, and
// dry-run stores never do.
func (c *Config) Adjust() []string {
	var warnings []string
	if c.SkipUnchanged && c.RedisURL == "" {
		c.SkipUnchanged = false
		warnings = append(warnings, "skip-unchanged needs REDIS_URL to remember fingerprints between runs; disabled")
	}
	if c.SkipUnchanged && c.DryRun {
		c.SkipUnchanged = false
		warnings = append(warnings, "skip-unchanged has no effect on a dry run; disabled")
	}
	return warnings
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		var intVal int
		if _, err := fmt.Sscanf(val, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultValue
}
