package graph

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/jsonx"
	"github.com/marketplace-migrator/internal/storeerr"
)

// ErrMissingEndpoint rejects a relationship whose start or end node was
// never merged.
var ErrMissingEndpoint = errors.New("relationship endpoint does not exist")

type relKey struct {
	Type RelType
	From NodeRef
	To   NodeRef
}

// MemoryGraph is an in-process graph used for dry runs and tests. It
// enforces the same merge keys as the real destinations.
type MemoryGraph struct {
	mu     sync.RWMutex
	nodes  map[NodeRef]map[string]any
	rels   map[relKey]map[string]any
	id     string
	logger *zap.Logger
}

// NewMemoryGraph creates an empty graph
func NewMemoryGraph(logger *zap.Logger) *MemoryGraph {
	return &MemoryGraph{
		nodes:  make(map[NodeRef]map[string]any),
		rels:   make(map[relKey]map[string]any),
		id:     uuid.NewString(),
		logger: logger.Named("memgraph"),
	}
}

func (g *MemoryGraph) EnsureSchema(ctx context.Context) error { return nil }

func (g *MemoryGraph) Close(ctx context.Context) error { return nil }

// Target is unique per graph
func (g *MemoryGraph) Target() string { return "memgraph:" + g.id }

// Apply merges a batch. Relationships with a missing endpoint are rejected
// one by one; the rest of the batch still applies.
func (g *MemoryGraph) Apply(ctx context.Context, b Batch) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}
	if err := checkBatch(b); err != nil {
		return ApplyResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var res ApplyResult
	for _, n := range b.Nodes {
		props := withProp(n.Props, KeyProperty(n.Node.Label), n.Node.Key)
		g.nodes[n.Node] = props
		res.Applied++
	}
	for _, r := range b.Rels {
		_, fromOK := g.nodes[r.From]
		_, toOK := g.nodes[r.To]
		if !fromOK || !toOK {
			res.Rejected = append(res.Rejected, Rejection{
				Key: r.String(),
				Err: &storeerr.ConstraintViolation{Store: "memgraph", Key: r.String(), Err: ErrMissingEndpoint},
			})
			continue
		}
		g.rels[relKey{Type: r.Type, From: r.From, To: r.To}] = copyProps(r.Props)
		res.Applied++
	}
	return res, nil
}

// Prune removes everything not stamped with runID, detaching removed nodes
func (g *MemoryGraph) Prune(ctx context.Context, runID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for ref, props := range g.nodes {
		if props[RunProperty] != runID {
			delete(g.nodes, ref)
			removed++
		}
	}
	for key, props := range g.rels {
		_, fromOK := g.nodes[key.From]
		_, toOK := g.nodes[key.To]
		if props[RunProperty] != runID || !fromOK || !toOK {
			delete(g.rels, key)
			removed++
		}
	}
	g.logger.Debug("Pruned graph", zap.Int("removed", removed), zap.String("run_id", runID))
	return removed, nil
}

// Nodes lists the nodes of a label ordered by key
func (g *MemoryGraph) Nodes(ctx context.Context, label Label) ([]NodeMerge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []NodeMerge
	for ref, props := range g.nodes {
		if ref.Label == label {
			out = append(out, NodeMerge{Node: ref, Props: props})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.Key < out[j].Node.Key })
	return out, nil
}

// Rels lists the relationships of a type ordered by endpoints
func (g *MemoryGraph) Rels(ctx context.Context, t RelType) ([]RelMerge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []RelMerge
	for key, props := range g.rels {
		if key.Type == t {
			out = append(out, RelMerge{Type: key.Type, From: key.From, To: key.To, Props: props})
		}
	}
	sortRels(out)
	return out, nil
}

// NodeCount returns the number of nodes with a label
func (g *MemoryGraph) NodeCount(label Label) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for ref := range g.nodes {
		if ref.Label == label {
			n++
		}
	}
	return n
}

// RelCount returns the number of relationships of a type
func (g *MemoryGraph) RelCount(t RelType) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for key := range g.rels {
		if key.Type == t {
			n++
		}
	}
	return n
}

type snapshotNode struct {
	Label string         `json:"label"`
	Key   string         `json:"key"`
	Props map[string]any `json:"props"`
}

type snapshotRel struct {
	Type  string         `json:"type"`
	From  string         `json:"from"`
	To    string         `json:"to"`
	Props map[string]any `json:"props"`
}

// Snapshot returns the whole graph as canonical JSON. Two graphs with the
// same content produce identical bytes.
func (g *MemoryGraph) Snapshot() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]snapshotNode, 0, len(g.nodes))
	for ref, props := range g.nodes {
		nodes = append(nodes, snapshotNode{Label: string(ref.Label), Key: ref.Key, Props: props})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Label != nodes[j].Label {
			return nodes[i].Label < nodes[j].Label
		}
		return nodes[i].Key < nodes[j].Key
	})

	rels := make([]RelMerge, 0, len(g.rels))
	for key, props := range g.rels {
		rels = append(rels, RelMerge{Type: key.Type, From: key.From, To: key.To, Props: props})
	}
	sortRels(rels)
	out := make([]snapshotRel, len(rels))
	for i, r := range rels {
		out[i] = snapshotRel{Type: string(r.Type), From: r.From.String(), To: r.To.String(), Props: r.Props}
	}

	return jsonx.Canonical(map[string]any{"nodes": nodes, "relationships": out})
}

func sortRels(rels []RelMerge) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Type != rels[j].Type {
			return rels[i].Type < rels[j].Type
		}
		if rels[i].From != rels[j].From {
			return rels[i].From.String() < rels[j].From.String()
		}
		return rels[i].To.String() < rels[j].To.String()
	})
}
