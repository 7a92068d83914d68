// Package docstore writes projected documents into a document database.
// Every write is a whole-document upsert keyed by _id, so a re-run replaces
// each document with its latest projection. Product price history is the
// exception: the caller folds the stored history in before the write.
package docstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Collection names
const (
	CollectionUsers         = "users"
	CollectionProducts      = "products"
	CollectionConversations = "conversations"
)

// Collections lists every collection the migration writes
var Collections = []string{CollectionUsers, CollectionProducts, CollectionConversations}

// RunField stamps the run that last wrote a document when reconciling
const RunField = "_run"

// Document is one projected document. Body carries _id.
type Document struct {
	Collection string
	ID         string
	Body       map[string]any
}

// Key returns "collection/id"
func (d Document) Key() string { return d.Collection + "/" + d.ID }

// Stamped returns a copy of the document with RunField set
func (d Document) Stamped(runID string) Document {
	body := make(map[string]any, len(d.Body)+1)
	for k, v := range d.Body {
		body[k] = v
	}
	body[RunField] = runID
	d.Body = body
	return d
}

// Writer upserts documents
type Writer interface {
	// EnsureIndexes creates the unique and lookup indexes
	EnsureIndexes(ctx context.Context) error
	// Upsert replaces the document with the same _id or inserts it
	Upsert(ctx context.Context, doc Document) error
	// Find returns the stored document with the given _id
	Find(ctx context.Context, collection, id string) (map[string]any, bool, error)
	// Prune deletes documents of a collection whose RunField is not runID
	Prune(ctx context.Context, collection, runID string) (int, error)
	// Target identifies the destination, stable across processes
	Target() string
	Close(ctx context.Context) error
}

// Reader lists stored documents
type Reader interface {
	All(ctx context.Context, collection string) ([]map[string]any, error)
}

// normalizeTime keeps stored timestamps comparable across stores, which
// persist millisecond precision.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// targetID names a destination without leaking credentials in its URL
func targetID(kind, url, database string) string {
	return kind + ":" + strconv.FormatUint(xxhash.Sum64String(url), 16) + "/" + database
}
