package project

import (
	"sort"
	"time"

	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/model"
)

// Graph levels. Every node batch sits at LevelNodes and every relationship
// batch at LevelRelationships, so endpoints always exist before the
// relationships that reference them are merged.
const (
	LevelNodes         = 0
	LevelRelationships = 1
)

// MinSharedFavorites is the smallest number of common favoriting users that
// relates two products
const MinSharedFavorites = 2

// DefaultBatchSize bounds the merges in one graph transaction
const DefaultBatchSize = 500

func ref(l graph.Label, key string) graph.NodeRef {
	return graph.NodeRef{Label: l, Key: key}
}

// props builds a property map from key/value pairs. Nil values, nil
// pointers and zero times are left out.
func props(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if v := propValue(kv[i+1]); v != nil {
			m[kv[i].(string)] = v
		}
	}
	return m
}

func propValue(v any) any {
	switch t := v.(type) {
	case *float64:
		if t == nil {
			return nil
		}
		return *t
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.UTC()
	}
	return v
}

// Nodes projects every entity to a node merge, grouped by label
func Nodes(idx *Index) map[graph.Label][]graph.NodeMerge {
	d := idx.Dataset
	out := make(map[graph.Label][]graph.NodeMerge, len(graph.Labels))
	for _, u := range d.Users {
		out[graph.LabelUser] = append(out[graph.LabelUser], graph.NodeMerge{
			Node: ref(graph.LabelUser, u.ID),
			Props: props(
				"email", u.Email,
				"full_name", u.FullName,
				"is_active", u.IsActive,
				"created_at", u.CreatedAt,
			),
		})
	}
	for _, c := range d.Categories {
		out[graph.LabelCategory] = append(out[graph.LabelCategory], graph.NodeMerge{
			Node:  ref(graph.LabelCategory, c.ID),
			Props: props("name", c.Name),
		})
	}
	for _, l := range d.Locations {
		out[graph.LabelLocation] = append(out[graph.LabelLocation], graph.NodeMerge{
			Node: ref(graph.LabelLocation, l.ID),
			Props: props(
				"label", l.Label(),
				"city", l.City,
				"postcode", l.Postcode,
				"country", l.Country,
				"latitude", l.Latitude,
				"longitude", l.Longitude,
			),
		})
	}
	for _, p := range d.Products {
		out[graph.LabelProduct] = append(out[graph.LabelProduct], graph.NodeMerge{
			Node: ref(graph.LabelProduct, p.ID),
			Props: props(
				"title", p.Title,
				"description", p.Description,
				"price_amount", p.Price.Amount,
				"price_currency", p.Price.Currency,
				"status", string(p.Status),
				"condition", optional(string(p.Condition)),
				"created_at", p.CreatedAt,
				"view_count", len(idx.ViewsByProduct[p.ID]),
				"favorite_count", len(idx.FavoritesByProduct[p.ID]),
			),
		})
	}
	return out
}

// Relationships projects every reference and interaction to a relationship
// merge, grouped by type
func Relationships(idx *Index) map[graph.RelType][]graph.RelMerge {
	d := idx.Dataset
	out := make(map[graph.RelType][]graph.RelMerge, len(graph.RelTypes))
	add := func(t graph.RelType, from, to graph.NodeRef, p map[string]any) {
		out[t] = append(out[t], graph.RelMerge{Type: t, From: from, To: to, Props: p})
	}

	for _, u := range d.Users {
		if _, ok := idx.Locations[u.LocationID]; ok {
			add(graph.RelLivesIn, ref(graph.LabelUser, u.ID), ref(graph.LabelLocation, u.LocationID), props())
		}
	}
	for _, c := range d.Categories {
		if _, ok := idx.Categories[c.ParentID]; ok {
			add(graph.RelChildOf, ref(graph.LabelCategory, c.ID), ref(graph.LabelCategory, c.ParentID), props())
		}
	}
	for _, p := range d.Products {
		product := ref(graph.LabelProduct, p.ID)
		add(graph.RelCreated, ref(graph.LabelUser, p.SellerID), product, props("created_at", p.CreatedAt))
		if _, ok := idx.Categories[p.CategoryID]; ok {
			add(graph.RelInCategory, product, ref(graph.LabelCategory, p.CategoryID), props())
		}
		if _, ok := idx.Locations[p.LocationID]; ok {
			add(graph.RelLocatedIn, product, ref(graph.LabelLocation, p.LocationID), props())
		}
	}
	for _, f := range d.Favorites {
		add(graph.RelFavorited, ref(graph.LabelUser, f.UserID), ref(graph.LabelProduct, f.ProductID),
			props("created_at", f.CreatedAt))
	}
	for _, e := range viewEdges(d.Views) {
		add(graph.RelViewed, ref(graph.LabelUser, e.from), ref(graph.LabelProduct, e.to),
			props("viewed_at", e.latest, "view_count", e.count))
	}
	for _, e := range messageEdges(d.Conversations) {
		add(graph.RelMessaged, ref(graph.LabelUser, e.from), ref(graph.LabelUser, e.to),
			props("message_count", e.count, "last_message_at", e.latest))
	}
	for _, e := range similarProducts(idx) {
		add(graph.RelSimilarTo, ref(graph.LabelProduct, e.from), ref(graph.LabelProduct, e.to),
			props("reason", "same_category"))
	}
	for _, e := range relatedProducts(idx) {
		add(graph.RelRelatedTo, ref(graph.LabelProduct, e.from), ref(graph.LabelProduct, e.to),
			props("shared_favorite_count", e.count))
	}

	for _, rels := range out {
		sort.Slice(rels, func(i, j int) bool {
			if rels[i].From.Key != rels[j].From.Key {
				return model.KeyLess(rels[i].From.Key, rels[j].From.Key)
			}
			return model.KeyLess(rels[i].To.Key, rels[j].To.Key)
		})
	}
	return out
}

// edge is an aggregated relationship between two natural keys
type edge struct {
	from, to string
	count    int
	latest   time.Time
}

type pairKey struct{ from, to string }

// fold accumulates one occurrence of (from, to) at time at
func fold(agg map[pairKey]*edge, from, to string, at time.Time) {
	k := pairKey{from, to}
	e, ok := agg[k]
	if !ok {
		e = &edge{from: from, to: to}
		agg[k] = e
	}
	e.count++
	if at.After(e.latest) {
		e.latest = at
	}
}

func edges(agg map[pairKey]*edge) []edge {
	out := make([]edge, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].from != out[j].from {
			return model.KeyLess(out[i].from, out[j].from)
		}
		return model.KeyLess(out[i].to, out[j].to)
	})
	return out
}

// viewEdges folds identified views into one edge per (viewer, product)
// carrying the view count and the latest view time. Anonymous views only
// count towards the product's view_count.
func viewEdges(views []model.View) []edge {
	agg := make(map[pairKey]*edge)
	for _, v := range views {
		if v.Anonymous() {
			continue
		}
		fold(agg, v.ViewerID, v.ProductID, v.ViewedAt)
	}
	return edges(agg)
}

// messageEdges connects every pair of participants that shared a
// conversation with messages, in both directions. The count is the number
// of messages across all conversations the pair shares.
func messageEdges(conversations []model.Conversation) []edge {
	agg := make(map[pairKey]*edge)
	for _, c := range conversations {
		for _, a := range c.Participants {
			for _, b := range c.Participants {
				if a == b {
					continue
				}
				for _, m := range c.Messages {
					fold(agg, a, b, m.CreatedAt)
				}
			}
		}
	}
	return edges(agg)
}

// similarProducts pairs every two products of the same category, once,
// from the lower key to the higher
func similarProducts(idx *Index) []edge {
	var out []edge
	for _, ids := range idx.ProductsByCategory {
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				out = append(out, edge{from: ids[i], to: ids[j]})
			}
		}
	}
	return out
}

// relatedProducts pairs products favorited by at least MinSharedFavorites
// common users
func relatedProducts(idx *Index) []edge {
	shared := make(map[pairKey]*edge)
	for _, favs := range idx.FavoritesByUser {
		ids := make([]string, len(favs))
		for i, f := range favs {
			ids[i] = f.ProductID
		}
		sort.Slice(ids, func(i, j int) bool { return model.KeyLess(ids[i], ids[j]) })
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				fold(shared, ids[i], ids[j], time.Time{})
			}
		}
	}
	var out []edge
	for _, e := range edges(shared) {
		if e.count >= MinSharedFavorites {
			out = append(out, e)
		}
	}
	return out
}

// Batches projects the graph into leveled batches of at most size merges.
// Node batches come first, one group per label, then relationship batches,
// one group per type. The order is deterministic.
func Batches(idx *Index, size int) []graph.Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out []graph.Batch

	nodes := Nodes(idx)
	for _, label := range graph.Labels {
		merges := nodes[label]
		sort.Slice(merges, func(i, j int) bool { return model.KeyLess(merges[i].Node.Key, merges[j].Node.Key) })
		for start := 0; start < len(merges); start += size {
			end := min(start+size, len(merges))
			out = append(out, graph.Batch{
				Kind:  graph.KindNodes,
				Level: LevelNodes,
				Group: string(label),
				Nodes: merges[start:end],
			})
		}
	}

	rels := Relationships(idx)
	for _, t := range graph.RelTypes {
		merges := rels[t]
		for start := 0; start < len(merges); start += size {
			end := min(start+size, len(merges))
			out = append(out, graph.Batch{
				Kind:  graph.KindRels,
				Level: LevelRelationships,
				Group: string(t),
				Rels:  merges[start:end],
			})
		}
	}
	return out
}
