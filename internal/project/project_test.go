package project

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace-migrator/internal/docstore"
	"github.com/marketplace-migrator/internal/graph"
	"github.com/marketplace-migrator/internal/model"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func testDataset() *model.Dataset {
	lat := 55.7
	return &model.Dataset{
		Users: []model.User{
			{ID: "alice", SourceID: "1", Email: "alice@example.com", FullName: "Alice A", IsActive: true, LocationID: "1", PasswordHash: "$2b$12$hash", CreatedAt: at(1, 0)},
			{ID: "bob", SourceID: "2", Email: "bob@example.com", FullName: "bob", IsActive: true, CreatedAt: at(1, 0)},
			{ID: "carol", SourceID: "3", Email: "carol@example.com", FullName: "carol", IsActive: false, CreatedAt: at(2, 0)},
		},
		Categories: []model.Category{
			{ID: "1", Name: "Electronics"},
			{ID: "2", Name: "Phones", ParentID: "1"},
		},
		Locations: []model.Location{
			{ID: "1", City: "Copenhagen", Postcode: "2100", Country: "Denmark", Latitude: &lat},
		},
		Products: []model.Product{
			{ID: "1", Title: "Phone", Price: model.Money{Amount: 1000, Currency: "DKK"}, Status: model.StatusActive, Condition: model.ConditionLikeNew,
				SellerID: "alice", CategoryID: "2", LocationID: "1", CreatedAt: at(3, 0), UpdatedAt: at(10, 0),
				PriceHistory: []model.PricePoint{{Amount: 1200, Currency: "DKK", ChangedAt: at(5, 0)}}},
			{ID: "2", Title: "Charger", Price: model.Money{Amount: 150, Currency: "DKK"}, Status: model.StatusActive,
				SellerID: "alice", CategoryID: "1", CreatedAt: at(4, 0)},
			{ID: "10", Title: "Tablet", Price: model.Money{Amount: 2500, Currency: "DKK"}, Status: model.StatusSold, Condition: model.ConditionUsed,
				SellerID: "bob", CategoryID: "2", CreatedAt: at(4, 0),
				PriceHistory: []model.PricePoint{{Amount: 2500, Currency: "DKK", ChangedAt: at(4, 0)}}},
		},
		Favorites: []model.Favorite{
			{UserID: "bob", ProductID: "1", CreatedAt: at(6, 0)},
			{UserID: "carol", ProductID: "1", CreatedAt: at(7, 0)},
			{UserID: "bob", ProductID: "10", CreatedAt: at(6, 1)},
			{UserID: "carol", ProductID: "10", CreatedAt: at(7, 1)},
		},
		Views: []model.View{
			{ViewerID: "bob", ProductID: "1", ViewedAt: at(8, 9)},
			{ViewerID: "bob", ProductID: "1", ViewedAt: at(8, 10)},
			{ProductID: "1", ViewedAt: at(8, 11)},
			{ViewerID: "alice", ProductID: "10", ViewedAt: at(9, 0)},
		},
		Conversations: []model.Conversation{
			{ID: "1", ProductID: "1", Participants: []string{"alice", "bob"}, CreatedAt: at(8, 0), Messages: []model.Message{
				{SenderID: "bob", Body: "Still available?", IsRead: true, CreatedAt: at(8, 9)},
				{SenderID: "alice", Body: "Yes", CreatedAt: at(8, 10)},
			}},
		},
	}
}

func TestProductDocument(t *testing.T) {
	idx := NewIndex(testDataset())
	doc := ProductDocument(idx.Products["1"], idx)

	assert.Equal(t, docstore.CollectionProducts, doc.Collection)
	assert.Equal(t, "1", doc.ID)
	body := doc.Body
	assert.Equal(t, int64(1), body["legacy_id"])
	assert.Equal(t, "like_new", body["product_condition"])
	assert.Equal(t, map[string]any{"id": "1", "username": "alice", "full_name": "Alice A"}, body["seller"])
	assert.Equal(t, map[string]any{"id": "2", "name": "Phones", "parent_name": "Electronics"}, body["category"])
	assert.Equal(t, map[string]any{"city": "Copenhagen", "postcode": "2100", "country": "Denmark"}, body["location"])

	stats := body["stats"].(map[string]any)
	assert.Equal(t, 3, stats["view_count"])
	assert.Equal(t, 2, stats["favorite_count"])
	assert.Equal(t, at(8, 11), stats["last_viewed_at"])
	assert.Equal(t, at(7, 0), stats["last_favorited_at"])

	history := body["price_history"].([]map[string]any)
	require.Len(t, history, 2)
	assert.Equal(t, 1200.0, history[0]["amount"])
	assert.Equal(t, 1000.0, history[1]["amount"])
	assert.Equal(t, at(10, 0), history[1]["changed_at"])

	recent := body["recent_views"].([]map[string]any)
	require.Len(t, recent, 3)
	assert.Nil(t, recent[0]["viewer_user_id"])
	assert.Equal(t, "2", recent[1]["viewer_user_id"])
	assert.Equal(t, at(8, 10), recent[1]["viewed_at"])
}

func TestProductDocumentEdgeCases(t *testing.T) {
	idx := NewIndex(testDataset())

	// history already ends with the current price
	tablet := ProductDocument(idx.Products["10"], idx).Body
	assert.Len(t, tablet["price_history"].([]map[string]any), 1)

	// no history, no location, no condition, a root category
	charger := ProductDocument(idx.Products["2"], idx).Body
	history := charger["price_history"].([]map[string]any)
	require.Len(t, history, 1)
	assert.Equal(t, at(4, 0), history[0]["changed_at"])
	assert.Nil(t, charger["location"])
	assert.Nil(t, charger["product_condition"])
	assert.Nil(t, charger["category"].(map[string]any)["parent_name"])
	assert.NotNil(t, charger["recent_views"])
	assert.Empty(t, charger["recent_views"])
	stats := charger["stats"].(map[string]any)
	assert.Nil(t, stats["last_viewed_at"])
	assert.Equal(t, 0, stats["view_count"])
}

func TestRecentViewsAreCapped(t *testing.T) {
	d := testDataset()
	for i := 0; i < 15; i++ {
		d.Views = append(d.Views, model.View{ViewerID: "carol", ProductID: "2", ViewedAt: at(10+i, 0)})
	}
	idx := NewIndex(d)
	body := ProductDocument(idx.Products["2"], idx).Body

	recent := body["recent_views"].([]map[string]any)
	require.Len(t, recent, RecentViewLimit)
	assert.Equal(t, at(24, 0), recent[0]["viewed_at"])
	assert.Equal(t, 15, body["stats"].(map[string]any)["view_count"])
}

func TestKeepPriceHistory(t *testing.T) {
	point := func(amount float64, changed time.Time) map[string]any {
		return map[string]any{"amount": amount, "currency": "DKK", "changed_at": changed}
	}
	stored := map[string]any{"price_history": []any{
		point(500, at(10, 0)),
		map[string]any{"amount": int64(480), "currency": "DKK", "changed_at": at(12, 0)},
	}}
	doc := docstore.Document{Collection: docstore.CollectionProducts, ID: "2", Body: map[string]any{
		"price_amount":  450.0,
		"price_history": []map[string]any{point(500, at(10, 0)), point(450, at(20, 0))},
	}}

	kept := KeepPriceHistory(doc, stored)
	history := kept.Body["price_history"].([]map[string]any)
	require.Len(t, history, 3)
	assert.Equal(t, 500.0, history[0]["amount"])
	assert.Equal(t, 480.0, history[1]["amount"])
	assert.Equal(t, 450.0, history[2]["amount"])
	assert.Equal(t, 450.0, kept.Body["price_amount"])

	// the projected document is not modified
	assert.Len(t, doc.Body["price_history"], 2)

	again := KeepPriceHistory(kept, map[string]any{"price_history": history})
	assert.Equal(t, history, again.Body["price_history"])
}

func TestKeepPriceHistoryWithoutStoredHistory(t *testing.T) {
	doc := docstore.Document{Collection: docstore.CollectionProducts, ID: "1", Body: map[string]any{
		"price_history": []map[string]any{{"amount": 10.0, "currency": "DKK", "changed_at": at(1, 0)}},
	}}
	kept := KeepPriceHistory(doc, map[string]any{})
	assert.Len(t, kept.Body["price_history"], 1)
}

func TestUserDocument(t *testing.T) {
	idx := NewIndex(testDataset())

	alice := UserDocument(idx.Users["alice"], idx).Body
	assert.Equal(t, "alice", alice["_id"])
	assert.Equal(t, int64(1), alice["legacy_id"])
	assert.Equal(t, 2, alice["product_count"])
	assert.Equal(t, "$2b$12$hash", alice["hashed_password"])
	assert.NotNil(t, alice["location"])
	assert.Equal(t, 0, alice["favorite_count"])

	bob := UserDocument(idx.Users["bob"], idx).Body
	assert.NotContains(t, bob, "hashed_password")
	assert.Nil(t, bob["phone"])
	favs := bob["favorites"].([]map[string]any)
	require.Len(t, favs, 2)
	assert.Equal(t, "1", favs[0]["product_id"])
	assert.Equal(t, "10", favs[1]["product_id"])
	assert.Equal(t, 2, bob["favorite_count"])
}

func TestConversationDocument(t *testing.T) {
	idx := NewIndex(testDataset())
	body := ConversationDocument(&idx.Dataset.Conversations[0], idx).Body

	assert.Equal(t, "1", body["product_id"])
	assert.Equal(t, 2, body["message_count"])
	assert.Equal(t, at(8, 10), body["last_message_at"])
	participants := body["participants"].([]map[string]any)
	assert.Equal(t, "2", participants[1]["user_id"])
	messages := body["messages"].([]map[string]any)
	assert.Equal(t, "bob", messages[0]["sender_username"])
	assert.Equal(t, true, messages[0]["is_read"])
}

func TestDocumentsOrder(t *testing.T) {
	docs := Documents(NewIndex(testDataset()))
	var keys []string
	for _, d := range docs {
		keys = append(keys, d.Key())
	}
	assert.Equal(t, []string{
		"users/alice", "users/bob", "users/carol",
		"products/1", "products/2", "products/10",
		"conversations/1",
	}, keys)
}

func relsOf(batches []graph.Batch, t graph.RelType) []graph.RelMerge {
	var out []graph.RelMerge
	for _, b := range batches {
		for _, r := range b.Rels {
			if r.Type == t {
				out = append(out, r)
			}
		}
	}
	return out
}

func TestBatchesLevelsAndGroups(t *testing.T) {
	batches := Batches(NewIndex(testDataset()), DefaultBatchSize)

	seenRels := false
	for _, b := range batches {
		switch b.Kind {
		case graph.KindNodes:
			assert.False(t, seenRels, "node batch after relationship batch")
			assert.Equal(t, LevelNodes, b.Level)
		case graph.KindRels:
			seenRels = true
			assert.Equal(t, LevelRelationships, b.Level)
			for _, r := range b.Rels {
				assert.Equal(t, b.Group, string(r.Type))
			}
		}
	}

	assert.Len(t, relsOf(batches, graph.RelCreated), 3)
	assert.Len(t, relsOf(batches, graph.RelInCategory), 3)
	assert.Len(t, relsOf(batches, graph.RelChildOf), 1)
	assert.Len(t, relsOf(batches, graph.RelLocatedIn), 1)
	assert.Len(t, relsOf(batches, graph.RelLivesIn), 1)
	assert.Len(t, relsOf(batches, graph.RelFavorited), 4)
}

func TestBatchesRespectSize(t *testing.T) {
	batches := Batches(NewIndex(testDataset()), 2)
	var users []string
	for _, b := range batches {
		assert.LessOrEqual(t, b.Size(), 2)
		if b.Group == string(graph.LabelUser) {
			for _, n := range b.Nodes {
				users = append(users, n.Node.Key)
			}
		}
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
}

func TestViewedAggregatesIdentifiedViews(t *testing.T) {
	viewed := relsOf(Batches(NewIndex(testDataset()), 0), graph.RelViewed)
	require.Len(t, viewed, 2)

	assert.Equal(t, "alice", viewed[0].From.Key)
	assert.Equal(t, "bob", viewed[1].From.Key)
	assert.Equal(t, 2, viewed[1].Props["view_count"])
	assert.Equal(t, at(8, 10), viewed[1].Props["viewed_at"])
}

func TestMessagedIsSymmetric(t *testing.T) {
	messaged := relsOf(Batches(NewIndex(testDataset()), 0), graph.RelMessaged)
	require.Len(t, messaged, 2)
	for _, r := range messaged {
		assert.Equal(t, 2, r.Props["message_count"])
		assert.Equal(t, at(8, 10), r.Props["last_message_at"])
	}
	assert.Equal(t, "alice", messaged[0].From.Key)
	assert.Equal(t, "bob", messaged[0].To.Key)
}

func TestRecommendationEdges(t *testing.T) {
	batches := Batches(NewIndex(testDataset()), 0)

	similar := relsOf(batches, graph.RelSimilarTo)
	require.Len(t, similar, 1)
	assert.Equal(t, "1", similar[0].From.Key)
	assert.Equal(t, "10", similar[0].To.Key)
	assert.Equal(t, "same_category", similar[0].Props["reason"])

	related := relsOf(batches, graph.RelRelatedTo)
	require.Len(t, related, 1)
	assert.Equal(t, 2, related[0].Props["shared_favorite_count"])
}

func TestNodePropsOmitMissingValues(t *testing.T) {
	nodes := Nodes(NewIndex(testDataset()))

	loc := nodes[graph.LabelLocation][0]
	assert.Equal(t, 55.7, loc.Props["latitude"])
	assert.NotContains(t, loc.Props, "longitude")
	assert.Equal(t, "Copenhagen 2100", loc.Props["label"])

	for _, p := range nodes[graph.LabelProduct] {
		if p.Node.Key == "2" {
			assert.NotContains(t, p.Props, "condition")
		}
		if p.Node.Key == "1" {
			assert.Equal(t, 3, p.Props["view_count"])
			assert.Equal(t, 2, p.Props["favorite_count"])
		}
	}
}

func TestProjectionIsDeterministic(t *testing.T) {
	a := testDataset()
	b := testDataset()
	// reverse every slice of b
	for i, j := 0, len(b.Favorites)-1; i < j; i, j = i+1, j-1 {
		b.Favorites[i], b.Favorites[j] = b.Favorites[j], b.Favorites[i]
	}
	for i, j := 0, len(b.Views)-1; i < j; i, j = i+1, j-1 {
		b.Views[i], b.Views[j] = b.Views[j], b.Views[i]
	}

	assert.Equal(t, fmt.Sprint(Batches(NewIndex(a), 3)), fmt.Sprint(Batches(NewIndex(b), 3)))
	assert.Equal(t, fmt.Sprint(Documents(NewIndex(a))), fmt.Sprint(Documents(NewIndex(b))))
}
