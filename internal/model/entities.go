// Package model holds the destination-agnostic marketplace entities produced
// by the assemblers. Values are treated as immutable once assembled: the
// document and graph projectors only read them.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Kind names an entity type. It doubles as the migration stage name.
type Kind string

const (
	KindUser         Kind = "users"
	KindCategory     Kind = "categories"
	KindLocation     Kind = "locations"
	KindProduct      Kind = "products"
	KindFavorite     Kind = "favorites"
	KindView         Kind = "views"
	KindConversation Kind = "conversations"
)

// Kinds lists every entity type in dependency order.
var Kinds = []Kind{
	KindUser, KindCategory, KindLocation,
	KindProduct,
	KindFavorite, KindView, KindConversation,
}

// ProductStatus is the listing state of a product
type ProductStatus string

const (
	StatusActive ProductStatus = "active"
	StatusSold   ProductStatus = "sold"
	StatusPaused ProductStatus = "paused"
)

// ParseStatus returns the status for a source value, case-insensitively.
func ParseStatus(s string) (ProductStatus, bool) {
	switch ProductStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusSold:
		return StatusSold, true
	case StatusPaused:
		return StatusPaused, true
	}
	return "", false
}

// Condition is the physical condition of a product
type Condition string

const (
	ConditionNew     Condition = "new"
	ConditionLikeNew Condition = "like_new"
	ConditionGood    Condition = "good"
	ConditionFair    Condition = "fair"
	ConditionUsed    Condition = "used"
	ConditionPoor    Condition = "poor"
)

// ParseCondition accepts both "like_new" and "like new" spellings.
func ParseCondition(s string) (Condition, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	switch Condition(norm) {
	case ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionUsed, ConditionPoor:
		return Condition(norm), true
	}
	return "", false
}

// Money is an amount in a three-letter currency
type Money struct {
	Amount   float64
	Currency string
}

// DefaultCurrency is used when the source leaves the currency empty
const DefaultCurrency = "DKK"

// DefaultCountry is used when a location has no country column
const DefaultCountry = "Denmark"

// User is a marketplace account. ID is the username.
type User struct {
	ID       string
	SourceID string
	Email    string
	// PasswordHash is carried over opaque so accounts keep working
	PasswordHash string
	FullName     string
	Phone        string
	IsActive     bool
	IsAdmin      bool
	LocationID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Category is a node of the category tree
type Category struct {
	ID       string
	Name     string
	ParentID string
}

// Location is a free-text place with optional coordinates
type Location struct {
	ID        string
	City      string
	Postcode  string
	Country   string
	Latitude  *float64
	Longitude *float64
}

// Label renders the location as "city postcode"
func (l Location) Label() string {
	return strings.TrimSpace(l.City + " " + l.Postcode)
}

// PricePoint is one entry of a product's price history
type PricePoint struct {
	Amount    float64
	Currency  string
	ChangedAt time.Time
}

// Product is a listing. SellerID references a User natural key.
type Product struct {
	ID           string
	Title        string
	Description  string
	Price        Money
	Status       ProductStatus
	Condition    Condition
	SellerID     string
	CategoryID   string
	LocationID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PriceHistory []PricePoint
}

// Favorite is a (user, product) pair
type Favorite struct {
	UserID    string
	ProductID string
	CreatedAt time.Time
}

// View is a single product view record. Counts are derived from these.
type View struct {
	ViewerID  string
	ProductID string
	ViewedAt  time.Time
}

// Anonymous reports whether the view has no known viewer
func (v View) Anonymous() bool { return v.ViewerID == "" }

// Message is one message of a conversation
type Message struct {
	SenderID  string
	Body      string
	IsRead    bool
	CreatedAt time.Time
}

// Conversation is a message thread between at least two users
type Conversation struct {
	ID           string
	ProductID    string
	Participants []string
	Messages     []Message
	CreatedAt    time.Time
}

// LastMessageAt returns the time of the newest message, or zero.
func (c Conversation) LastMessageAt() time.Time {
	if len(c.Messages) == 0 {
		return time.Time{}
	}
	return c.Messages[len(c.Messages)-1].CreatedAt
}

// Dataset is the complete set of assembled entities of one run
type Dataset struct {
	Users         []User
	Categories    []Category
	Locations     []Location
	Products      []Product
	Favorites     []Favorite
	Views         []View
	Conversations []Conversation
}

// Count returns the number of assembled entities of a kind
func (d *Dataset) Count(kind Kind) int {
	switch kind {
	case KindUser:
		return len(d.Users)
	case KindCategory:
		return len(d.Categories)
	case KindLocation:
		return len(d.Locations)
	case KindProduct:
		return len(d.Products)
	case KindFavorite:
		return len(d.Favorites)
	case KindView:
		return len(d.Views)
	case KindConversation:
		return len(d.Conversations)
	}
	return 0
}

// KeyLess orders natural keys numerically when both are integers
func KeyLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
