package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
)

// Finding is one inconsistency found in a destination
type Finding struct {
	Check   string `json:"check"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s %s: %s", f.Check, f.Key, f.Message)
}

// Verification is the outcome of reading back the destinations
type Verification struct {
	Documents map[string]int        `json:"documents,omitempty"`
	Nodes     map[graph.Label]int   `json:"nodes,omitempty"`
	Rels      map[graph.RelType]int `json:"relationships,omitempty"`
	Findings  []Finding             `json:"findings"`
}

// OK reports whether no check failed
func (v *Verification) OK() bool { return len(v.Findings) == 0 }

func (v *Verification) add(check, key, format string, args ...any) {
	v.Findings = append(v.Findings, Finding{Check: check, Key: key, Message: fmt.Sprintf(format, args...)})
}

// Verify reads both destinations back and checks referential completeness
// and that every stored aggregate matches the records it was folded from.
// Either reader may be nil to skip that destination.
func Verify(ctx context.Context, docs docstore.Reader, g graph.Reader) (*Verification, error) {
	v := &Verification{}
	var (
		products map[string]map[string]any
		users    map[string]map[string]any
		err      error
	)
	if docs != nil {
		users, products, err = verifyDocuments(ctx, docs, v)
		if err != nil {
			return nil, err
		}
	}
	if g != nil {
		nodes, err := verifyGraph(ctx, g, v)
		if err != nil {
			return nil, err
		}
		if docs != nil {
			compareKeys(v, "users", users, nodes[graph.LabelUser])
			compareKeys(v, "products", products, nodes[graph.LabelProduct])
		}
	}
	sort.SliceStable(v.Findings, func(i, j int) bool {
		if v.Findings[i].Check != v.Findings[j].Check {
			return v.Findings[i].Check < v.Findings[j].Check
		}
		return v.Findings[i].Key < v.Findings[j].Key
	})
	return v, nil
}

func byID(docs []map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		id, _ := d["_id"].(string)
		out[id] = d
	}
	return out
}

func verifyDocuments(ctx context.Context, r docstore.Reader, v *Verification) (map[string]map[string]any, map[string]map[string]any, error) {
	all := map[string]map[string]map[string]any{}
	v.Documents = map[string]int{}
	for _, c := range docstore.Collections {
		docs, err := r.All(ctx, c)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", c, err)
		}
		all[c] = byID(docs)
		v.Documents[c] = len(docs)
	}
	users := all[docstore.CollectionUsers]
	products := all[docstore.CollectionProducts]

	favoritesOf := map[string]int64{}
	for id, u := range users {
		favs := list(u["favorites"])
		for _, f := range favs {
			pid, _ := field(f, "product_id").(string)
			if _, ok := products[pid]; !ok {
				v.add("user.favorites", id, "favorite of unknown product %q", pid)
				continue
			}
			favoritesOf[pid]++
		}
		if n, _ := toInt(u["favorite_count"]); n != int64(len(favs)) {
			v.add("user.favorite_count", id, "favorite_count %d, %d favorites embedded", n, len(favs))
		}
	}

	listings := map[string]int64{}
	for id, p := range products {
		seller, _ := field(p["seller"], "username").(string)
		if _, ok := users[seller]; !ok {
			v.add("product.seller", id, "seller %q does not exist", seller)
		} else {
			listings[seller]++
		}
		if n, _ := toInt(field(p["stats"], "favorite_count")); n != favoritesOf[id] {
			v.add("product.favorite_count", id, "favorite_count %d, %d users favorited it", n, favoritesOf[id])
		}
		history := list(p["price_history"])
		if len(history) == 0 {
			v.add("product.price_history", id, "empty price history")
		} else if last := history[len(history)-1]; field(last, "amount") != p["price_amount"] {
			v.add("product.price_history", id, "last price %v does not match current price %v", field(last, "amount"), p["price_amount"])
		}
	}
	for id, u := range users {
		if n, _ := toInt(u["product_count"]); n != listings[id] {
			v.add("user.product_count", id, "product_count %d, %d products listed", n, listings[id])
		}
	}

	for id, c := range all[docstore.CollectionConversations] {
		for _, p := range list(c["participants"]) {
			name, _ := field(p, "username").(string)
			if _, ok := users[name]; !ok {
				v.add("conversation.participants", id, "participant %q does not exist", name)
			}
		}
		if pid, ok := c["product_id"].(string); ok {
			if _, found := products[pid]; !found {
				v.add("conversation.product", id, "product %q does not exist", pid)
			}
		}
		messages := list(c["messages"])
		if n, _ := toInt(c["message_count"]); n != int64(len(messages)) {
			v.add("conversation.message_count", id, "message_count %d, %d messages embedded", n, len(messages))
		}
	}
	return users, products, nil
}

func verifyGraph(ctx context.Context, r graph.Reader, v *Verification) (map[graph.Label]map[string]map[string]any, error) {
	nodes := map[graph.Label]map[string]map[string]any{}
	v.Nodes = map[graph.Label]int{}
	v.Rels = map[graph.RelType]int{}
	for _, label := range graph.Labels {
		merges, err := r.Nodes(ctx, label)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s nodes: %w", label, err)
		}
		nodes[label] = make(map[string]map[string]any, len(merges))
		for _, n := range merges {
			nodes[label][n.Node.Key] = n.Props
		}
		v.Nodes[label] = len(merges)
	}

	created := map[string]int{}
	favorited := map[string]int64{}
	for _, t := range graph.RelTypes {
		rels, err := r.Rels(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s relationships: %w", t, err)
		}
		v.Rels[t] = len(rels)
		for _, rel := range rels {
			if _, ok := nodes[rel.From.Label][rel.From.Key]; !ok {
				v.add("graph.endpoint", rel.String(), "start node does not exist")
			}
			if _, ok := nodes[rel.To.Label][rel.To.Key]; !ok {
				v.add("graph.endpoint", rel.String(), "end node does not exist")
			}
			switch t {
			case graph.RelCreated:
				created[rel.To.Key]++
			case graph.RelFavorited:
				favorited[rel.To.Key]++
			}
		}
	}

	for key, props := range nodes[graph.LabelProduct] {
		if created[key] != 1 {
			v.add("graph.created", key, "%d CREATED relationships, want 1", created[key])
		}
		if n, _ := toInt(props["favorite_count"]); n != favorited[key] {
			v.add("graph.favorite_count", key, "favorite_count %d, %d FAVORITED relationships", n, favorited[key])
		}
	}
	return nodes, nil
}

func compareKeys(v *Verification, what string, docs map[string]map[string]any, nodes map[string]map[string]any) {
	for id := range docs {
		if _, ok := nodes[id]; !ok {
			v.add("cross."+what, id, "document has no graph node")
		}
	}
	for key := range nodes {
		if _, ok := docs[key]; !ok {
			v.add("cross."+what, key, "graph node has no document")
		}
	}
}

func field(v any, name string) any {
	if m, ok := v.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func list(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	}
	return nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
