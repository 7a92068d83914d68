package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/marketplace-migrator/internal/jsonx"
	"github.com/marketplace-migrator/internal/storeerr"
)

const dgraphStore = "dgraph"

// DgraphConfig holds configuration for the Dgraph writer
type DgraphConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	Retry          storeerr.RetryPolicy
}

// DefaultDgraphConfig returns sensible defaults
func DefaultDgraphConfig() DgraphConfig {
	return DgraphConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 10 * time.Second,
		Retry:          storeerr.DefaultRetryPolicy(),
	}
}

// DgraphWriter merges batches with upsert blocks. Nodes are keyed by the
// xid predicate ("Label/key"); relationships are [uid] predicates whose
// properties are stored as facets.
type DgraphWriter struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	cfg    DgraphConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// timeoutInterceptor enforces a per-call timeout when the caller set no deadline
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewDgraphWriter dials Dgraph with retries
func NewDgraphWriter(ctx context.Context, cfg DgraphConfig, logger *zap.Logger) (*DgraphWriter, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.MaxRetries; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		conn, err = grpc.DialContext(dialCtx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to DGraph, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, &storeerr.ConnectionError{
			Store: dgraphStore,
			Op:    "connect",
			Err:   fmt.Errorf("failed after %d attempts: %w", cfg.MaxRetries, err),
		}
	}

	w := &DgraphWriter{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		cfg:    cfg,
		logger: logger.Named("dgraph"),
	}
	w.logger.Info("DGraph client connected successfully", zap.String("address", cfg.Address))
	return w, nil
}

// predicate converts a relationship type to its Dgraph predicate name
func predicate(t RelType) string {
	return strings.ToLower(string(t))
}

const dgraphSchema = `
	xid: string @index(exact) @upsert .
	last_seen_run: string @index(exact) .

	username: string @index(exact) .
	email: string .
	full_name: string .
	is_active: bool .

	id: string @index(exact) .
	name: string @index(term) .
	label: string .
	city: string @index(exact) .
	postcode: string .
	country: string .
	latitude: float .
	longitude: float .

	title: string @index(term) .
	description: string .
	status: string @index(exact) .
	condition: string .
	price_amount: float .
	price_currency: string .
	view_count: int .
	favorite_count: int .
	created_at: datetime .

	created: [uid] @reverse .
	in_category: [uid] @reverse .
	child_of: [uid] @reverse .
	located_in: [uid] @reverse .
	lives_in: [uid] @reverse .
	favorited: [uid] @reverse .
	viewed: [uid] @reverse .
	messaged: [uid] @reverse .
	similar_to: [uid] @reverse .
	related_to: [uid] @reverse .

	type User {
		xid
		last_seen_run
		username
		email
		full_name
		is_active
		created_at
		created
		lives_in
		favorited
		viewed
		messaged
	}

	type Category {
		xid
		last_seen_run
		id
		name
		child_of
	}

	type Location {
		xid
		last_seen_run
		id
		label
		city
		postcode
		country
		latitude
		longitude
	}

	type Product {
		xid
		last_seen_run
		id
		title
		description
		status
		condition
		price_amount
		price_currency
		view_count
		favorite_count
		created_at
		in_category
		located_in
		similar_to
		related_to
	}
`

// Target returns the hashed Alpha address
func (w *DgraphWriter) Target() string { return targetID(dgraphStore, w.cfg.Address, "") }

// EnsureSchema alters the Dgraph schema
func (w *DgraphWriter) EnsureSchema(ctx context.Context) error {
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return classifyDgraph(w.dg.Alter(ctx, &api.Operation{Schema: dgraphSchema}), "schema")
	}, w.notify("schema"))
	if err != nil {
		return fmt.Errorf("failed to alter schema: %w", err)
	}
	w.logger.Info("DGraph schema initialized successfully")
	return nil
}

func (w *DgraphWriter) notify(op string) func(error, int) {
	return func(err error, attempt int) {
		w.logger.Warn("DGraph call failed, retrying...",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func xid(r NodeRef) string { return r.String() }

// dgraphValue converts a property to a JSON-mutation value
func dgraphValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func nodeRequest(n NodeMerge) (*api.Request, error) {
	body := map[string]any{
		"uid":         "uid(n)",
		"xid":         xid(n.Node),
		"dgraph.type": string(n.Node.Label),
	}
	for k, v := range n.Props {
		body[k] = dgraphValue(v)
	}
	body[KeyProperty(n.Node.Label)] = n.Node.Key
	data, err := jsonx.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &api.Request{
		Query:     `query q($xid: string) { n as var(func: eq(xid, $xid)) }`,
		Vars:      map[string]string{"$xid": xid(n.Node)},
		Mutations: []*api.Mutation{{SetJson: data}},
	}, nil
}

func relRequest(r RelMerge) (*api.Request, error) {
	pred := predicate(r.Type)
	target := map[string]any{"uid": "uid(b)"}
	for k, v := range r.Props {
		target[pred+"|"+k] = dgraphValue(v)
	}
	data, err := jsonx.Marshal(map[string]any{"uid": "uid(a)", pred: target})
	if err != nil {
		return nil, err
	}
	return &api.Request{
		Query: `query q($from: string, $to: string) {
			a as var(func: eq(xid, $from))
			b as var(func: eq(xid, $to))
			from(func: uid(a)) { uid }
			to(func: uid(b)) { uid }
		}`,
		Vars: map[string]string{"$from": xid(r.From), "$to": xid(r.To)},
		Mutations: []*api.Mutation{{
			SetJson: data,
			Cond:    "@if(eq(len(a), 1) AND eq(len(b), 1))",
		}},
	}, nil
}

type endpoints struct {
	From []struct {
		UID string `json:"uid"`
	} `json:"from"`
	To []struct {
		UID string `json:"uid"`
	} `json:"to"`
}

// Apply runs one upsert request per merge inside a single transaction and
// commits once. Relationships whose endpoints do not resolve are skipped by
// the mutation condition and reported as rejections.
func (w *DgraphWriter) Apply(ctx context.Context, b Batch) (ApplyResult, error) {
	if err := checkBatch(b); err != nil {
		return ApplyResult{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	var res ApplyResult
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		res = ApplyResult{}
		txn := w.dg.NewTxn()
		defer txn.Discard(ctx)

		for _, n := range b.Nodes {
			req, err := nodeRequest(n)
			if err != nil {
				return fmt.Errorf("encode %s: %w", n.Node, err)
			}
			if _, err := txn.Do(ctx, req); err != nil {
				return classifyDgraph(err, "apply")
			}
			res.Applied++
		}
		for _, r := range b.Rels {
			req, err := relRequest(r)
			if err != nil {
				return fmt.Errorf("encode %s: %w", r, err)
			}
			resp, err := txn.Do(ctx, req)
			if err != nil {
				return classifyDgraph(err, "apply")
			}
			var found endpoints
			if err := jsonx.Unmarshal(resp.Json, &found); err != nil {
				return fmt.Errorf("decode endpoints of %s: %w", r, err)
			}
			if len(found.From) != 1 || len(found.To) != 1 {
				res.Rejected = append(res.Rejected, Rejection{
					Key: r.String(),
					Err: &storeerr.ConstraintViolation{Store: dgraphStore, Key: r.String(), Err: ErrMissingEndpoint},
				})
				continue
			}
			res.Applied++
		}
		return classifyDgraph(txn.Commit(ctx), "commit")
	}, w.notify("apply"))
	return res, err
}

// Prune deletes every node not stamped with runID together with its
// outgoing edges. Incoming edges from surviving nodes lose their xid and are
// skipped by Rels. Relationship facets carry no run stamp here, so stale
// edges between surviving nodes are kept.
func (w *DgraphWriter) Prune(ctx context.Context, runID string) (int, error) {
	req := &api.Request{
		Query: `query q($run: string) {
			n as var(func: has(xid)) @filter(NOT eq(last_seen_run, $run))
			stale(func: uid(n)) { count(uid) }
		}`,
		Vars: map[string]string{"$run": runID},
		Mutations: []*api.Mutation{{
			DelNquads: []byte("uid(n) * * ."),
		}},
		CommitNow: true,
	}

	var removed int
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		txn := w.dg.NewTxn()
		defer txn.Discard(ctx)
		resp, err := txn.Do(ctx, req)
		if err != nil {
			return classifyDgraph(err, "prune")
		}
		var out struct {
			Stale []struct {
				Count int `json:"count"`
			} `json:"stale"`
		}
		if err := jsonx.Unmarshal(resp.Json, &out); err != nil {
			return fmt.Errorf("decode prune count: %w", err)
		}
		if len(out.Stale) > 0 {
			removed = out.Stale[0].Count
		}
		return nil
	}, w.notify("prune"))
	return removed, err
}

// Nodes lists the nodes of a label
func (w *DgraphWriter) Nodes(ctx context.Context, label Label) ([]NodeMerge, error) {
	if !validLabel(label) {
		return nil, fmt.Errorf("unknown label %q", label)
	}
	resp, err := w.dg.NewReadOnlyTxn().QueryWithVars(ctx,
		`query q($t: string) { nodes(func: type($t)) { expand(_all_) } }`,
		map[string]string{"$t": string(label)})
	if err != nil {
		return nil, classifyDgraph(err, "read")
	}
	var out struct {
		Nodes []map[string]any `json:"nodes"`
	}
	if err := jsonx.Unmarshal(resp.Json, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}

	key := KeyProperty(label)
	nodes := make([]NodeMerge, 0, len(out.Nodes))
	for _, props := range out.Nodes {
		k, _ := props[key].(string)
		delete(props, "xid")
		nodes = append(nodes, NodeMerge{Node: NodeRef{Label: label, Key: k}, Props: props})
	}
	return nodes, nil
}

// Rels lists the relationships of a type with their facets
func (w *DgraphWriter) Rels(ctx context.Context, t RelType) ([]RelMerge, error) {
	if !validRelType(t) {
		return nil, fmt.Errorf("unknown relationship type %q", t)
	}
	pred := predicate(t)
	query := fmt.Sprintf(`{ rels(func: has(%s)) { xid %s @facets { xid } } }`, pred, pred)
	resp, err := w.dg.NewReadOnlyTxn().Query(ctx, query)
	if err != nil {
		return nil, classifyDgraph(err, "read")
	}
	var out struct {
		Rels []map[string]any `json:"rels"`
	}
	if err := jsonx.Unmarshal(resp.Json, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal relationships: %w", err)
	}

	var rels []RelMerge
	for _, src := range out.Rels {
		from, ok := parseXID(src["xid"])
		if !ok {
			continue
		}
		targets, _ := src[pred].([]any)
		for _, raw := range targets {
			target, _ := raw.(map[string]any)
			to, ok := parseXID(target["xid"])
			if !ok {
				continue
			}
			props := map[string]any{}
			for k, v := range target {
				if name, found := strings.CutPrefix(k, pred+"|"); found {
					props[name] = v
				}
			}
			rels = append(rels, RelMerge{Type: t, From: from, To: to, Props: props})
		}
	}
	sortRels(rels)
	return rels, nil
}

func parseXID(v any) (NodeRef, bool) {
	s, _ := v.(string)
	label, key, found := strings.Cut(s, "/")
	if !found {
		return NodeRef{}, false
	}
	return NodeRef{Label: Label(label), Key: key}, true
}

// Close closes the DGraph connection
func (w *DgraphWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// classifyDgraph maps gRPC and transaction errors onto the store error
// taxonomy. Aborted transactions are transient and retried like connection
// failures.
func classifyDgraph(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dgo.ErrAborted) || errors.Is(err, context.DeadlineExceeded) {
		return &storeerr.ConnectionError{Store: dgraphStore, Op: op, Err: err}
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return &storeerr.ConnectionError{Store: dgraphStore, Op: op, Err: err}
	}
	return fmt.Errorf("dgraph %s: %w", op, err)
}
