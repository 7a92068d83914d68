package source

// Table names of the marketplace schema
const (
	TableUsers                    = "users"
	TableCategories               = "categories"
	TableLocations                = "locations"
	TableProducts                 = "products"
	TableFavorites                = "favorites"
	TableItemViews                = "item_views"
	TablePriceHistory             = "product_price_history"
	TableConversations            = "conversations"
	TableConversationParticipants = "conversation_participants"
	TableMessages                 = "messages"
	TableMessageReads             = "message_reads"
)

// DefaultTables returns the tables the migration reads and the columns it
// expects in each of them.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{
			Name:            TableUsers,
			Columns:         []string{"id", "username", "email", "full_name", "location_id", "is_active", "created_at", "updated_at"},
			OptionalColumns: []string{"hashed_password", "phone", "is_admin"},
		},
		{
			Name:    TableCategories,
			Columns: []string{"id", "name", "parent_id"},
		},
		{
			Name:            TableLocations,
			Columns:         []string{"id", "city", "postcode"},
			OptionalColumns: []string{"country", "latitude", "longitude"},
		},
		{
			Name: TableProducts,
			Columns: []string{
				"id", "seller_id", "category_id", "location_id", "title", "description",
				"price_amount", "price_currency", "condition", "status", "created_at", "updated_at",
			},
			OptionalColumns: []string{"views_count", "likes_count"},
		},
		{
			Name:    TableFavorites,
			Columns: []string{"user_id", "product_id", "created_at"},
		},
		{
			Name:    TableItemViews,
			Columns: []string{"id", "product_id", "viewer_user_id", "viewed_at"},
		},
		{
			Name:     TablePriceHistory,
			Columns:  []string{"product_id", "amount", "currency", "changed_at"},
			Optional: true,
		},
		{
			Name:     TableConversations,
			Columns:  []string{"id", "product_id", "created_at"},
			Optional: true,
		},
		{
			Name:     TableConversationParticipants,
			Columns:  []string{"conversation_id", "user_id"},
			Optional: true,
		},
		{
			Name:     TableMessages,
			Columns:  []string{"id", "conversation_id", "sender_id", "body", "created_at"},
			Optional: true,
		},
		{
			Name:     TableMessageReads,
			Columns:  []string{"message_id", "user_id"},
			Optional: true,
		},
	}
}

// MergeTables overlays mapping overrides onto the defaults by table name.
// Overrides for unknown table names are appended.
func MergeTables(defaults, overrides []TableSpec) []TableSpec {
	out := make([]TableSpec, len(defaults))
	copy(out, defaults)
	for _, o := range overrides {
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				if len(o.Columns) > 0 {
					out[i].Columns = o.Columns
				}
				if len(o.OptionalColumns) > 0 {
					out[i].OptionalColumns = o.OptionalColumns
				}
				out[i].Optional = out[i].Optional || o.Optional
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}
