// Package sourcetest provides sqlite-backed marketplace databases for tests.
package sourcetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/source"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	username VARCHAR(64),
	email VARCHAR(255),
	hashed_password VARCHAR(255),
	full_name VARCHAR(255),
	phone VARCHAR(32),
	location_id INTEGER,
	is_active BOOLEAN DEFAULT 1,
	is_admin BOOLEAN DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE categories (
	id INTEGER PRIMARY KEY,
	name VARCHAR(255),
	parent_id INTEGER
);
CREATE TABLE locations (
	id INTEGER PRIMARY KEY,
	city VARCHAR(255),
	postcode VARCHAR(16),
	latitude REAL,
	longitude REAL
);
CREATE TABLE products (
	id INTEGER PRIMARY KEY,
	seller_id INTEGER,
	category_id INTEGER,
	location_id INTEGER,
	title VARCHAR(255),
	description TEXT,
	price_amount DECIMAL(10,2),
	price_currency VARCHAR(3),
	condition VARCHAR(32),
	status VARCHAR(16),
	views_count INTEGER DEFAULT 0,
	likes_count INTEGER DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE favorites (
	user_id INTEGER,
	product_id INTEGER,
	created_at DATETIME
);
CREATE TABLE item_views (
	id INTEGER PRIMARY KEY,
	product_id INTEGER,
	viewer_user_id INTEGER,
	viewed_at DATETIME
);
CREATE TABLE product_price_history (
	id INTEGER PRIMARY KEY,
	product_id INTEGER,
	amount DECIMAL(10,2),
	currency VARCHAR(3),
	changed_at DATETIME
);
CREATE TABLE conversations (
	id INTEGER PRIMARY KEY,
	product_id INTEGER,
	created_at DATETIME
);
CREATE TABLE conversation_participants (
	conversation_id INTEGER,
	user_id INTEGER
);
CREATE TABLE messages (
	id INTEGER PRIMARY KEY,
	conversation_id INTEGER,
	sender_id INTEGER,
	body TEXT,
	created_at DATETIME
);
CREATE TABLE message_reads (
	message_id INTEGER,
	user_id INTEGER
);
`

// NewDB returns an empty marketplace database in a temporary file
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "marketplace.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("creating test database schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// Exec runs statements against the test database
func Exec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// NewSource wraps the test database as a row source
func NewSource(db *sql.DB, logger *zap.Logger) *source.SQLSource {
	cfg := source.DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.ReadWorkers = 2
	return source.NewSQLSource(db, cfg, logger)
}

// SeedMarketplace loads 3 users, 2 categories, 1 location, 5 products and
// 4 favorites, plus views, one historical price and one conversation.
func SeedMarketplace(t *testing.T, db *sql.DB) {
	t.Helper()
	Exec(t, db, `INSERT INTO locations (id, city, postcode, latitude, longitude) VALUES
		(1, 'Copenhagen', '2100', 55.7, 12.57)`)
	Exec(t, db, `INSERT INTO users (id, username, email, full_name, location_id, is_active, created_at, updated_at) VALUES
		(1, 'alice', 'alice@example.com', 'Alice Andersen', 1, 1, '2024-01-01 09:00:00', '2024-01-01 09:00:00'),
		(2, 'bob', 'bob@example.com', 'Bob Berg', NULL, 1, '2024-01-02 09:00:00', '2024-01-02 09:00:00'),
		(3, 'carol', 'carol@example.com', NULL, 1, 1, '2024-01-03 09:00:00', '2024-01-03 09:00:00')`)
	Exec(t, db, `INSERT INTO categories (id, name, parent_id) VALUES
		(1, 'Electronics', NULL),
		(2, 'Phones', 1)`)
	Exec(t, db, `INSERT INTO products (id, seller_id, category_id, location_id, title, description, price_amount, price_currency, condition, status, created_at, updated_at) VALUES
		(1, 1, 2, 1, 'iPhone 13', 'Barely used phone', 1000.00, 'DKK', 'like_new', 'active', '2024-02-01 10:00:00', '2024-03-01 10:00:00'),
		(2, 1, 1, 1, 'Laptop stand', 'Aluminium stand', 150.00, NULL, 'good', 'active', '2024-02-02 10:00:00', '2024-02-02 10:00:00'),
		(3, 2, 2, NULL, 'Pixel 7', 'Works fine', 2500.00, 'DKK', 'used', 'sold', '2024-02-03 10:00:00', '2024-02-03 10:00:00'),
		(4, 2, 1, NULL, 'USB-C cable', NULL, 40.00, 'DKK', NULL, 'paused', '2024-02-04 10:00:00', '2024-02-04 10:00:00'),
		(5, 3, 1, 1, 'Headphones', 'Noise cancelling', 800.00, 'DKK', 'new', 'active', '2024-02-05 10:00:00', '2024-02-05 10:00:00')`)
	Exec(t, db, `INSERT INTO product_price_history (id, product_id, amount, currency, changed_at) VALUES
		(1, 1, 1200.00, 'DKK', '2024-02-01 10:00:00')`)
	Exec(t, db, `INSERT INTO favorites (user_id, product_id, created_at) VALUES
		(2, 1, '2024-03-02 08:00:00'),
		(3, 1, '2024-03-03 08:00:00'),
		(1, 3, '2024-03-04 08:00:00'),
		(3, 5, '2024-03-05 08:00:00')`)
	Exec(t, db, `INSERT INTO item_views (id, product_id, viewer_user_id, viewed_at) VALUES
		(1, 1, 2, '2024-03-01 12:00:00'),
		(2, 1, 2, '2024-03-02 12:00:00'),
		(3, 1, NULL, '2024-03-03 12:00:00'),
		(4, 3, 1, '2024-03-04 12:00:00')`)
	Exec(t, db, `INSERT INTO conversations (id, product_id, created_at) VALUES
		(1, 1, '2024-03-02 09:00:00')`)
	Exec(t, db, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES (1, 1), (1, 2)`)
	Exec(t, db, `INSERT INTO messages (id, conversation_id, sender_id, body, created_at) VALUES
		(1, 1, 2, 'Is it still available?', '2024-03-02 09:00:00'),
		(2, 1, 1, 'Yes', '2024-03-02 09:05:00')`)
	Exec(t, db, `INSERT INTO message_reads (message_id, user_id) VALUES (1, 1)`)
}
