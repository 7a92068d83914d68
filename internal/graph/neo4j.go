package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/storeerr"
)

const neo4jStore = "neo4j"

// Neo4jConfig holds configuration for the Neo4j writer
type Neo4jConfig struct {
	URL      string
	User     string
	Password string
	Database string
	Retry    storeerr.RetryPolicy
}

// DefaultNeo4jConfig returns sensible defaults
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		URL:      "bolt://localhost:7687",
		User:     "neo4j",
		Database: "neo4j",
		Retry:    storeerr.DefaultRetryPolicy(),
	}
}

// Neo4jWriter merges batches with Cypher MERGE, one write transaction per
// batch.
type Neo4jWriter struct {
	driver neo4j.DriverWithContext
	cfg    Neo4jConfig
	logger *zap.Logger
}

// NewNeo4jWriter connects and verifies connectivity with bounded retries
func NewNeo4jWriter(ctx context.Context, cfg Neo4jConfig, logger *zap.Logger) (*Neo4jWriter, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URL, auth, func(c *config.Config) {
		c.MaxTransactionRetryTime = 5 * time.Second
		c.SocketConnectTimeout = 5 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	w := &Neo4jWriter{driver: driver, cfg: cfg, logger: logger.Named("neo4j")}
	err = cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return &storeerr.ConnectionError{Store: neo4jStore, Op: "connect", Err: err}
		}
		return nil
	}, w.notify("connect"))
	if err != nil {
		driver.Close(ctx)
		return nil, err
	}

	w.logger.Info("Neo4j writer connected", zap.String("url", cfg.URL))
	return w, nil
}

func (w *Neo4jWriter) notify(op string) func(error, int) {
	return func(err error, attempt int) {
		w.logger.Warn("Neo4j call failed, retrying...",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (w *Neo4jWriter) session(ctx context.Context) neo4j.SessionWithContext {
	return w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.cfg.Database})
}

var neo4jSchema = []string{
	"CREATE CONSTRAINT user_username IF NOT EXISTS FOR (u:User) REQUIRE u.username IS UNIQUE",
	"CREATE CONSTRAINT product_id IF NOT EXISTS FOR (p:Product) REQUIRE p.id IS UNIQUE",
	"CREATE CONSTRAINT category_id IF NOT EXISTS FOR (c:Category) REQUIRE c.id IS UNIQUE",
	"CREATE CONSTRAINT location_id IF NOT EXISTS FOR (l:Location) REQUIRE l.id IS UNIQUE",
	"CREATE INDEX product_status IF NOT EXISTS FOR (p:Product) ON (p.status)",
}

// Target returns the hashed server URL and database
func (w *Neo4jWriter) Target() string { return targetID(neo4jStore, w.cfg.URL, w.cfg.Database) }

// EnsureSchema creates the uniqueness constraints that back MERGE
func (w *Neo4jWriter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range neo4jSchema {
		stmt := stmt
		err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			sess := w.session(ctx)
			defer sess.Close(ctx)
			result, err := sess.Run(ctx, stmt, nil)
			if err == nil {
				_, err = result.Consume(ctx)
			}
			return classifyNeo4j(err, "schema")
		}, w.notify("schema"))
		if err != nil {
			return fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
	}
	w.logger.Info("Neo4j schema initialized successfully")
	return nil
}

func nodeCypher(label Label) string {
	return fmt.Sprintf("MERGE (n:%s {%s: $key}) SET n = $props", label, KeyProperty(label))
}

func relCypher(r RelMerge) string {
	return fmt.Sprintf(
		"MATCH (a:%s {%s: $from}) MATCH (b:%s {%s: $to}) MERGE (a)-[r:%s]->(b) SET r = $props RETURN count(r) AS c",
		r.From.Label, KeyProperty(r.From.Label), r.To.Label, KeyProperty(r.To.Label), r.Type)
}

// runOps merges every op of the batch in tx. Relationships whose endpoints
// are missing match zero rows and are returned as rejections.
func runOps(ctx context.Context, tx neo4j.ManagedTransaction, b Batch) (ApplyResult, error) {
	var res ApplyResult
	for _, n := range b.Nodes {
		props := withProp(n.Props, KeyProperty(n.Node.Label), n.Node.Key)
		if _, err := tx.Run(ctx, nodeCypher(n.Node.Label), map[string]any{"key": n.Node.Key, "props": props}); err != nil {
			return res, err
		}
		res.Applied++
	}
	for _, r := range b.Rels {
		result, err := tx.Run(ctx, relCypher(r), map[string]any{
			"from":  r.From.Key,
			"to":    r.To.Key,
			"props": copyProps(r.Props),
		})
		if err != nil {
			return res, err
		}
		rec, err := result.Single(ctx)
		if err != nil {
			return res, err
		}
		if c, _ := rec.Get("c"); c == int64(0) {
			res.Rejected = append(res.Rejected, Rejection{
				Key: r.String(),
				Err: &storeerr.ConstraintViolation{Store: neo4jStore, Key: r.String(), Err: ErrMissingEndpoint},
			})
			continue
		}
		res.Applied++
	}
	return res, nil
}

// Apply merges a batch in one write transaction. When the transaction is
// rejected by a constraint the batch is replayed one merge per transaction
// so only the offending merges are skipped.
func (w *Neo4jWriter) Apply(ctx context.Context, b Batch) (ApplyResult, error) {
	if err := checkBatch(b); err != nil {
		return ApplyResult{}, err
	}
	res, err := w.applyOnce(ctx, b)
	if storeerr.IsConstraint(err) && b.Size() > 1 {
		w.logger.Warn("Batch rejected by constraint, applying merges individually",
			zap.String("group", b.Group),
			zap.Int("size", b.Size()))
		return w.applyEach(ctx, b)
	}
	if storeerr.IsConstraint(err) {
		return ApplyResult{Rejected: []Rejection{{Key: batchKey(b), Err: err}}}, nil
	}
	return res, err
}

func (w *Neo4jWriter) applyOnce(ctx context.Context, b Batch) (ApplyResult, error) {
	var res ApplyResult
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		sess := w.session(ctx)
		defer sess.Close(ctx)
		out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return runOps(ctx, tx, b)
		})
		if err != nil {
			return classifyNeo4j(err, "apply")
		}
		res = out.(ApplyResult)
		return nil
	}, w.notify("apply"))
	return res, err
}

func (w *Neo4jWriter) applyEach(ctx context.Context, b Batch) (ApplyResult, error) {
	var total ApplyResult
	single := func(one Batch) error {
		res, err := w.applyOnce(ctx, one)
		switch {
		case err == nil:
			total.Applied += res.Applied
			total.Rejected = append(total.Rejected, res.Rejected...)
		case storeerr.IsConstraint(err):
			total.Rejected = append(total.Rejected, Rejection{Key: batchKey(one), Err: err})
		default:
			return err
		}
		return nil
	}
	for _, n := range b.Nodes {
		if err := single(Batch{Kind: b.Kind, Level: b.Level, Group: b.Group, Nodes: []NodeMerge{n}}); err != nil {
			return total, err
		}
	}
	for _, r := range b.Rels {
		if err := single(Batch{Kind: b.Kind, Level: b.Level, Group: b.Group, Rels: []RelMerge{r}}); err != nil {
			return total, err
		}
	}
	return total, nil
}

// batchKey names the single merge of a one-op batch
func batchKey(b Batch) string {
	if len(b.Nodes) == 1 && len(b.Rels) == 0 {
		return b.Nodes[0].Node.String()
	}
	if len(b.Rels) == 1 && len(b.Nodes) == 0 {
		return b.Rels[0].String()
	}
	return b.Group
}

// Prune detaches and deletes nodes, then relationships, not stamped with runID
func (w *Neo4jWriter) Prune(ctx context.Context, runID string) (int, error) {
	var stmts []string
	for _, t := range RelTypes {
		stmts = append(stmts, fmt.Sprintf(
			"MATCH ()-[r:%s]->() WHERE coalesce(r.%s, '') <> $run DELETE r RETURN count(*) AS c", t, RunProperty))
	}
	for _, l := range Labels {
		stmts = append(stmts, fmt.Sprintf(
			"MATCH (n:%s) WHERE coalesce(n.%s, '') <> $run DETACH DELETE n RETURN count(*) AS c", l, RunProperty))
	}

	removed := 0
	for _, stmt := range stmts {
		stmt := stmt
		err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			sess := w.session(ctx)
			defer sess.Close(ctx)
			out, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				result, err := tx.Run(ctx, stmt, map[string]any{"run": runID})
				if err != nil {
					return nil, err
				}
				rec, err := result.Single(ctx)
				if err != nil {
					return nil, err
				}
				c, _ := rec.Get("c")
				n, _ := c.(int64)
				return int(n), nil
			})
			if err != nil {
				return classifyNeo4j(err, "prune")
			}
			removed += out.(int)
			return nil
		}, w.notify("prune"))
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Nodes lists the nodes of a label
func (w *Neo4jWriter) Nodes(ctx context.Context, label Label) ([]NodeMerge, error) {
	if !validLabel(label) {
		return nil, fmt.Errorf("unknown label %q", label)
	}
	key := KeyProperty(label)
	query := fmt.Sprintf("MATCH (n:%s) RETURN n.%s AS k, properties(n) AS p ORDER BY k", label, key)

	out, err := w.read(ctx, query, func(rec *neo4j.Record) any {
		k, _ := rec.Get("k")
		p, _ := rec.Get("p")
		ks, _ := k.(string)
		props, _ := p.(map[string]any)
		return NodeMerge{Node: NodeRef{Label: label, Key: ks}, Props: props}
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]NodeMerge, len(out))
	for i, v := range out {
		nodes[i] = v.(NodeMerge)
	}
	return nodes, nil
}

// Rels lists the relationships of a type
func (w *Neo4jWriter) Rels(ctx context.Context, t RelType) ([]RelMerge, error) {
	if !validRelType(t) {
		return nil, fmt.Errorf("unknown relationship type %q", t)
	}
	query := fmt.Sprintf(`MATCH (a)-[r:%s]->(b)
		RETURN labels(a)[0] AS fl, coalesce(a.username, a.id) AS fk,
		       labels(b)[0] AS tl, coalesce(b.username, b.id) AS tk,
		       properties(r) AS p`, t)

	out, err := w.read(ctx, query, func(rec *neo4j.Record) any {
		get := func(k string) string {
			v, _ := rec.Get(k)
			s, _ := v.(string)
			return s
		}
		p, _ := rec.Get("p")
		props, _ := p.(map[string]any)
		return RelMerge{
			Type:  t,
			From:  NodeRef{Label: Label(get("fl")), Key: get("fk")},
			To:    NodeRef{Label: Label(get("tl")), Key: get("tk")},
			Props: props,
		}
	})
	if err != nil {
		return nil, err
	}
	rels := make([]RelMerge, len(out))
	for i, v := range out {
		rels[i] = v.(RelMerge)
	}
	sortRels(rels)
	return rels, nil
}

func (w *Neo4jWriter) read(ctx context.Context, query string, scan func(*neo4j.Record) any) ([]any, error) {
	sess := w.session(ctx)
	defer sess.Close(ctx)

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		items := make([]any, len(records))
		for i, rec := range records {
			items[i] = scan(rec)
		}
		return items, nil
	})
	if err != nil {
		return nil, classifyNeo4j(err, "read")
	}
	return out.([]any), nil
}

// Close closes the driver
func (w *Neo4jWriter) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}

// classifyNeo4j maps driver errors onto the store error taxonomy
func classifyNeo4j(err error, op string) error {
	if err == nil {
		return nil
	}
	var n4e *neo4j.Neo4jError
	if errors.As(err, &n4e) && strings.Contains(n4e.Code, "ConstraintValidationFailed") {
		return &storeerr.ConstraintViolation{Store: neo4jStore, Key: op, Err: err}
	}
	if neo4j.IsConnectivityError(err) || neo4j.IsRetryable(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &storeerr.ConnectionError{Store: neo4jStore, Op: op, Err: err}
	}
	return fmt.Errorf("neo4j %s: %w", op, err)
}
