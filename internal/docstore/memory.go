package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/jsonx"
	"github.com/marketplace-migrator/internal/storeerr"
)

const memoryStore = "memdocs"

// MemoryStore keeps documents in process. It enforces the unique email
// index once EnsureIndexes has run and keeps a Bleve full-text index over
// product titles and descriptions.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]map[string]map[string]any
	unique bool
	emails map[string]string
	index  bleve.Index
	id     string
	logger *zap.Logger
}

type productText struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func productMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Store = false
	title.IncludeInAll = true
	doc.AddFieldMappingsAt("title", title)

	description := bleve.NewTextFieldMapping()
	description.Store = false
	description.IncludeInAll = true
	doc.AddFieldMappingsAt("description", description)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = "standard"
	return m
}

// NewMemoryStore creates an empty store
func NewMemoryStore(logger *zap.Logger) (*MemoryStore, error) {
	index, err := bleve.NewMemOnly(productMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create product index: %w", err)
	}
	return &MemoryStore{
		docs:   make(map[string]map[string]map[string]any),
		emails: make(map[string]string),
		index:  index,
		id:     uuid.NewString(),
		logger: logger.Named("memdocs"),
	}, nil
}

// EnsureIndexes turns on the unique email constraint
func (s *MemoryStore) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique = true
	return nil
}

// Upsert replaces the document with the same _id
func (s *MemoryStore) Upsert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.Collection == CollectionUsers && s.unique {
		if email, _ := doc.Body["email"].(string); email != "" {
			if owner, taken := s.emails[email]; taken && owner != doc.ID {
				return &storeerr.ConstraintViolation{
					Store: memoryStore,
					Key:   doc.Key(),
					Err:   fmt.Errorf("duplicate email %q already used by %s", email, owner),
				}
			}
		}
	}

	coll, ok := s.docs[doc.Collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.docs[doc.Collection] = coll
	}
	if prev, ok := coll[doc.ID]; ok && doc.Collection == CollectionUsers {
		if email, _ := prev["email"].(string); email != "" {
			delete(s.emails, email)
		}
	}
	body := clone(doc.Body).(map[string]any)
	body["_id"] = doc.ID
	coll[doc.ID] = body

	switch doc.Collection {
	case CollectionUsers:
		if email, _ := body["email"].(string); email != "" {
			s.emails[email] = doc.ID
		}
	case CollectionProducts:
		title, _ := body["title"].(string)
		description, _ := body["description"].(string)
		if err := s.index.Index(doc.ID, productText{Title: title, Description: description}); err != nil {
			return fmt.Errorf("failed to index product %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Prune deletes documents whose RunField is not runID
func (s *MemoryStore) Prune(ctx context.Context, collection, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, body := range s.docs[collection] {
		if body[RunField] == runID {
			continue
		}
		delete(s.docs[collection], id)
		removed++
		switch collection {
		case CollectionUsers:
			if email, _ := body["email"].(string); email != "" {
				delete(s.emails, email)
			}
		case CollectionProducts:
			if err := s.index.Delete(id); err != nil {
				return removed, fmt.Errorf("failed to unindex product %s: %w", id, err)
			}
		}
	}
	s.logger.Debug("Pruned collection",
		zap.String("collection", collection),
		zap.Int("removed", removed))
	return removed, nil
}

// All returns copies of every document in a collection ordered by _id
func (s *MemoryStore) All(ctx context.Context, collection string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.ids(collection)
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = clone(s.docs[collection][id]).(map[string]any)
	}
	return out, nil
}

// Get returns a copy of one document
func (s *MemoryStore) Get(collection, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[collection][id]
	if !ok {
		return nil, false
	}
	return clone(body).(map[string]any), true
}

// Find returns a copy of one document
func (s *MemoryStore) Find(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	body, ok := s.Get(collection, id)
	return body, ok, nil
}

// Target is unique per store; nothing outlives the process
func (s *MemoryStore) Target() string { return memoryStore + ":" + s.id }

// Count returns the number of documents in a collection
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[collection])
}

// CountBy groups a collection by a dotted field path and counts each value.
// Documents without the field are counted under "".
func (s *MemoryStore) CountBy(collection, field string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, body := range s.docs[collection] {
		v, _ := lookup(body, field)
		key := ""
		if v != nil {
			key = fmt.Sprint(v)
		}
		counts[key]++
	}
	return counts
}

// Search runs a full-text match over product titles and descriptions and
// returns matching product ids, best match first.
func (s *MemoryStore) Search(ctx context.Context, text string, limit int) ([]string, error) {
	q := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("product search failed: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Snapshot returns every collection as canonical JSON
func (s *MemoryStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string][]map[string]any, len(s.docs))
	for coll := range s.docs {
		for _, id := range s.ids(coll) {
			all[coll] = append(all[coll], s.docs[coll][id])
		}
	}
	return jsonx.Canonical(all)
}

// Close releases the full-text index
func (s *MemoryStore) Close(ctx context.Context) error {
	return s.index.Close()
}

func (s *MemoryStore) ids(collection string) []string {
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// lookup resolves a dotted path such as "seller.id"
func lookup(body map[string]any, path string) (any, bool) {
	var cur any = body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// clone deep-copies a document value and truncates timestamps to the
// precision a real store keeps.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = clone(e)
		}
		return m
	case []map[string]any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = clone(e)
		}
		return a
	case []any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = clone(e)
		}
		return a
	case []string:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = e
		}
		return a
	case time.Time:
		return normalizeTime(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	}
	return v
}
