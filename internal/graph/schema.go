// Package graph provides the labeled-property graph schema of the
// marketplace and the writers that merge it into Neo4j, Dgraph or an
// in-process graph.
package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Label is a node label
type Label string

const (
	LabelUser     Label = "User"
	LabelProduct  Label = "Product"
	LabelCategory Label = "Category"
	LabelLocation Label = "Location"
)

// Labels lists every node label in merge order
var Labels = []Label{LabelUser, LabelCategory, LabelLocation, LabelProduct}

// RelType is a relationship type
type RelType string

const (
	RelCreated    RelType = "CREATED"
	RelInCategory RelType = "IN_CATEGORY"
	RelChildOf    RelType = "CHILD_OF"
	RelLocatedIn  RelType = "LOCATED_IN"
	RelLivesIn    RelType = "LIVES_IN"
	RelFavorited  RelType = "FAVORITED"
	RelViewed     RelType = "VIEWED"
	RelMessaged   RelType = "MESSAGED"
	RelSimilarTo  RelType = "SIMILAR_TO"
	RelRelatedTo  RelType = "RELATED_TO"
)

// RelTypes lists every relationship type
var RelTypes = []RelType{
	RelCreated, RelInCategory, RelChildOf, RelLocatedIn, RelLivesIn,
	RelFavorited, RelViewed, RelMessaged, RelSimilarTo, RelRelatedTo,
}

// KeyProperty returns the natural key property of a label
func KeyProperty(l Label) string {
	if l == LabelUser {
		return "username"
	}
	return "id"
}

func validLabel(l Label) bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

func validRelType(t RelType) bool {
	for _, known := range RelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NodeRef identifies a node by label and natural key
type NodeRef struct {
	Label Label
	Key   string
}

func (r NodeRef) String() string { return string(r.Label) + "/" + r.Key }

// NodeMerge upserts one node. Props replace the node's properties; the
// key property is always set from Node.Key.
type NodeMerge struct {
	Node  NodeRef
	Props map[string]any
}

// RelMerge upserts one relationship keyed by (From, To, Type). Props replace
// the relationship's properties.
type RelMerge struct {
	Type  RelType
	From  NodeRef
	To    NodeRef
	Props map[string]any
}

func (r RelMerge) String() string {
	return fmt.Sprintf("(%s)-[:%s]->(%s)", r.From, r.Type, r.To)
}

// BatchKind separates node batches from relationship batches
type BatchKind int

const (
	KindNodes BatchKind = iota
	KindRels
)

func (k BatchKind) String() string {
	if k == KindRels {
		return "relationships"
	}
	return "nodes"
}

// Batch is a group of merges applied in one destination transaction. All
// merges of a batch share a label or relationship type (Group). Batches of
// a lower Level must be applied before any batch of a higher one.
type Batch struct {
	Kind  BatchKind
	Level int
	Group string
	Nodes []NodeMerge
	Rels  []RelMerge
}

// Size returns the number of merges in the batch
func (b Batch) Size() int { return len(b.Nodes) + len(b.Rels) }

// checkBatch rejects unknown labels and types, and batches that mix groups
func checkBatch(b Batch) error {
	if len(b.Nodes) > 0 && len(b.Rels) > 0 {
		return fmt.Errorf("batch %s mixes nodes and relationships", b.Group)
	}
	for _, n := range b.Nodes {
		if !validLabel(n.Node.Label) {
			return fmt.Errorf("unknown label %q", n.Node.Label)
		}
		if n.Node.Label != b.Nodes[0].Node.Label {
			return fmt.Errorf("batch %s mixes labels %s and %s", b.Group, b.Nodes[0].Node.Label, n.Node.Label)
		}
	}
	for _, r := range b.Rels {
		if !validRelType(r.Type) || !validLabel(r.From.Label) || !validLabel(r.To.Label) {
			return fmt.Errorf("invalid relationship %s", r)
		}
		if r.Type != b.Rels[0].Type {
			return fmt.Errorf("batch %s mixes types %s and %s", b.Group, b.Rels[0].Type, r.Type)
		}
	}
	return nil
}

// Rejection is one merge the destination refused
type Rejection struct {
	Key string
	Err error
}

// ApplyResult reports the outcome of one batch
type ApplyResult struct {
	Applied  int
	Rejected []Rejection
}

// Writer merges batches into a graph destination
type Writer interface {
	// EnsureSchema creates uniqueness constraints and indexes
	EnsureSchema(ctx context.Context) error
	// Apply merges one batch. Merges rejected individually (constraint
	// violations, missing endpoints) are returned in the result; a returned
	// error means the batch as a whole did not apply.
	Apply(ctx context.Context, b Batch) (ApplyResult, error)
	// Prune deletes nodes and relationships whose last_seen_run is not runID
	Prune(ctx context.Context, runID string) (int, error)
	// Target identifies the destination, stable across processes
	Target() string
	Close(ctx context.Context) error
}

// Reader lists the merged state of a graph destination
type Reader interface {
	Nodes(ctx context.Context, label Label) ([]NodeMerge, error)
	Rels(ctx context.Context, t RelType) ([]RelMerge, error)
}

// RunProperty stamps the run that last merged a node or relationship
const RunProperty = "last_seen_run"

// Stamp returns a copy of the batch with RunProperty set on every merge
func Stamp(b Batch, runID string) Batch {
	out := b
	out.Nodes = make([]NodeMerge, len(b.Nodes))
	for i, n := range b.Nodes {
		n.Props = withProp(n.Props, RunProperty, runID)
		out.Nodes[i] = n
	}
	out.Rels = make([]RelMerge, len(b.Rels))
	for i, r := range b.Rels {
		r.Props = withProp(r.Props, RunProperty, runID)
		out.Rels[i] = r
	}
	return out
}

func withProp(props map[string]any, key string, value any) map[string]any {
	out := copyProps(props)
	out[key] = value
	return out
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+1)
	for k, v := range props {
		out[k] = v
	}
	return out
}

// targetID names a destination without leaking credentials in its address
func targetID(kind, addr, database string) string {
	return kind + ":" + strconv.FormatUint(xxhash.Sum64String(addr), 16) + "/" + database
}
