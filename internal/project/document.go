package project

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/model"
)

// RecentViewLimit caps the recent_views array of a product document
const RecentViewLimit = 10

// timestamp maps the zero time to a null field
func timestamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// legacyID keeps the relational primary key as a number when it is one
func legacyID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func embedLocation(l *model.Location) any {
	if l == nil {
		return nil
	}
	return map[string]any{
		"city":     l.City,
		"postcode": l.Postcode,
		"country":  l.Country,
	}
}

func (idx *Index) sourceID(username string) any {
	if u, ok := idx.Users[username]; ok {
		return u.SourceID
	}
	return nil
}

// ProductDocument projects a product with its seller, category, location,
// view and favorite records into one self-contained document.
func ProductDocument(p *model.Product, idx *Index) docstore.Document {
	views := idx.ViewsByProduct[p.ID]
	favorites := idx.FavoritesByProduct[p.ID]

	var seller any
	if u, ok := idx.Users[p.SellerID]; ok {
		seller = map[string]any{
			"id":        u.SourceID,
			"username":  u.ID,
			"full_name": u.FullName,
		}
	}

	var category any
	if c, ok := idx.Categories[p.CategoryID]; ok {
		var parentName any
		if parent, ok := idx.Categories[c.ParentID]; ok {
			parentName = parent.Name
		}
		category = map[string]any{
			"id":          c.ID,
			"name":        c.Name,
			"parent_name": parentName,
		}
	}

	stats := map[string]any{
		"view_count":        len(views),
		"favorite_count":    len(favorites),
		"last_viewed_at":    nil,
		"last_favorited_at": nil,
	}
	if len(views) > 0 {
		stats["last_viewed_at"] = timestamp(views[len(views)-1].ViewedAt)
	}
	if len(favorites) > 0 {
		stats["last_favorited_at"] = timestamp(latestFavorite(favorites))
	}

	recent := make([]map[string]any, 0, RecentViewLimit)
	for i := len(views) - 1; i >= 0 && len(recent) < RecentViewLimit; i-- {
		v := views[i]
		var viewer any
		if !v.Anonymous() {
			viewer = idx.sourceID(v.ViewerID)
		}
		recent = append(recent, map[string]any{
			"viewer_user_id": viewer,
			"viewed_at":      timestamp(v.ViewedAt),
		})
	}

	body := map[string]any{
		"_id":               p.ID,
		"legacy_id":         legacyID(p.ID),
		"title":             p.Title,
		"description":       p.Description,
		"price_amount":      p.Price.Amount,
		"price_currency":    p.Price.Currency,
		"status":            string(p.Status),
		"product_condition": optional(string(p.Condition)),
		"seller":            seller,
		"category":          category,
		"location":          embedLocation(idx.Locations[p.LocationID]),
		"stats":             stats,
		"price_history":     priceHistory(p),
		"recent_views":      recent,
		"details": map[string]any{
			"colors":    []string{},
			"materials": []string{},
			"tags":      []string{},
		},
		"images":     []string{},
		"created_at": timestamp(p.CreatedAt),
		"updated_at": timestamp(p.UpdatedAt),
	}
	return docstore.Document{Collection: docstore.CollectionProducts, ID: p.ID, Body: body}
}

func latestFavorite(favorites []model.Favorite) time.Time {
	var latest time.Time
	for _, f := range favorites {
		if f.CreatedAt.After(latest) {
			latest = f.CreatedAt
		}
	}
	return latest
}

// priceHistory returns the recorded history with the current price
// appended when the history does not already end with it. The appended
// entry is dated by the product's last update.
func priceHistory(p *model.Product) []map[string]any {
	points := p.PriceHistory
	last := len(points) - 1
	if last < 0 || points[last].Amount != p.Price.Amount || points[last].Currency != p.Price.Currency {
		changed := p.UpdatedAt
		if changed.IsZero() {
			changed = p.CreatedAt
		}
		points = append(points[:len(points):len(points)], model.PricePoint{
			Amount:    p.Price.Amount,
			Currency:  p.Price.Currency,
			ChangedAt: changed,
		})
	}

	out := make([]map[string]any, len(points))
	for i, pt := range points {
		out[i] = map[string]any{
			"amount":     pt.Amount,
			"currency":   pt.Currency,
			"changed_at": timestamp(pt.ChangedAt),
		}
	}
	return out
}

// KeepPriceHistory folds the price history of the stored product document
// into a freshly projected one. No stored point is dropped: the result
// holds every distinct (amount, currency, changed_at) point of both,
// oldest first, with stored points ahead of projected ones at equal times.
func KeepPriceHistory(doc docstore.Document, stored map[string]any) docstore.Document {
	var points []map[string]any
	seen := map[string]bool{}
	add := func(e any) {
		m, ok := e.(map[string]any)
		if !ok {
			return
		}
		pt := map[string]any{
			"amount":     amount(m["amount"]),
			"currency":   m["currency"],
			"changed_at": m["changed_at"],
		}
		key := fmt.Sprintf("%v|%v|%d", pt["amount"], pt["currency"], changedAt(pt).UnixMilli())
		if seen[key] {
			return
		}
		seen[key] = true
		points = append(points, pt)
	}
	for _, e := range entries(stored["price_history"]) {
		add(e)
	}
	for _, e := range entries(doc.Body["price_history"]) {
		add(e)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return changedAt(points[i]).Before(changedAt(points[j]))
	})

	body := make(map[string]any, len(doc.Body))
	for k, v := range doc.Body {
		body[k] = v
	}
	body["price_history"] = points
	doc.Body = body
	return doc
}

func entries(v any) []any {
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

func changedAt(pt map[string]any) time.Time {
	t, _ := pt["changed_at"].(time.Time)
	return t.UTC().Truncate(time.Millisecond)
}

func amount(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return v
}

// UserDocument projects a user with its location, listing count and
// favorites.
func UserDocument(u *model.User, idx *Index) docstore.Document {
	favorites := idx.FavoritesByUser[u.ID]
	favs := make([]map[string]any, len(favorites))
	for i, f := range favorites {
		favs[i] = map[string]any{
			"product_id": f.ProductID,
			"created_at": timestamp(f.CreatedAt),
		}
	}

	body := map[string]any{
		"_id":            u.ID,
		"legacy_id":      legacyID(u.SourceID),
		"username":       u.ID,
		"email":          u.Email,
		"full_name":      u.FullName,
		"phone":          optional(u.Phone),
		"location":       embedLocation(idx.Locations[u.LocationID]),
		"is_active":      u.IsActive,
		"is_admin":       u.IsAdmin,
		"created_at":     timestamp(u.CreatedAt),
		"updated_at":     timestamp(u.UpdatedAt),
		"product_count":  len(idx.ProductsBySeller[u.ID]),
		"favorites":      favs,
		"favorite_count": len(favs),
	}
	if u.PasswordHash != "" {
		body["hashed_password"] = u.PasswordHash
	}
	return docstore.Document{Collection: docstore.CollectionUsers, ID: u.ID, Body: body}
}

// ConversationDocument projects a conversation with its messages embedded
func ConversationDocument(c *model.Conversation, idx *Index) docstore.Document {
	participants := make([]map[string]any, len(c.Participants))
	for i, username := range c.Participants {
		participants[i] = map[string]any{
			"user_id":  idx.sourceID(username),
			"username": username,
		}
	}
	messages := make([]map[string]any, len(c.Messages))
	for i, m := range c.Messages {
		messages[i] = map[string]any{
			"sender_id":       idx.sourceID(m.SenderID),
			"sender_username": m.SenderID,
			"body":            m.Body,
			"is_read":         m.IsRead,
			"created_at":      timestamp(m.CreatedAt),
		}
	}

	var product any
	if _, ok := idx.Products[c.ProductID]; ok {
		product = c.ProductID
	}
	body := map[string]any{
		"_id":             c.ID,
		"legacy_id":       legacyID(c.ID),
		"participants":    participants,
		"product_id":      product,
		"messages":        messages,
		"message_count":   len(messages),
		"last_message_at": timestamp(c.LastMessageAt()),
		"created_at":      timestamp(c.CreatedAt),
	}
	return docstore.Document{Collection: docstore.CollectionConversations, ID: c.ID, Body: body}
}

// Documents projects every entity of the index, grouped by collection in
// dependency order and sorted by _id within a collection.
func Documents(idx *Index) []docstore.Document {
	d := idx.Dataset
	docs := make([]docstore.Document, 0, len(d.Users)+len(d.Products)+len(d.Conversations))
	for i := range d.Users {
		docs = append(docs, UserDocument(&d.Users[i], idx))
	}
	for i := range d.Products {
		docs = append(docs, ProductDocument(&d.Products[i], idx))
	}
	for i := range d.Conversations {
		docs = append(docs, ConversationDocument(&d.Conversations[i], idx))
	}

	order := map[string]int{}
	for i, c := range docstore.Collections {
		order[c] = i
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Collection != docs[j].Collection {
			return order[docs[i].Collection] < order[docs[j].Collection]
		}
		return model.KeyLess(docs[i].ID, docs[j].ID)
	})
	return docs
}
