// Package assemble turns reflected rows into marketplace entities.
//
// Every assembler is best-effort: a row that fails validation is recorded
// as a skip and the rest of the batch continues. Rows are processed in
// parallel and the output is sorted by natural key, so results do not
// depend on source row order.
package assemble

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/source"
)

// ValidationError describes why a source row was skipped
type ValidationError struct {
	Table  string `json:"table"`
	Key    string `json:"key"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s[%s].%s: %s", e.Table, e.Key, e.Field, e.Reason)
}

func invalid(row source.Row, key, field, reason string) *ValidationError {
	if key == "" {
		key = row.Key()
	}
	return &ValidationError{Table: row.Table, Key: key, Field: field, Reason: reason}
}

// Result is the outcome of assembling one entity type
type Result[T any] struct {
	Items    []T
	Skips    []*ValidationError
	Warnings []string
}

// Parents resolves references to entities assembled at an earlier level
type Parents struct {
	// Users maps a relational user id to the username natural key
	Users      map[string]string
	Categories map[string]bool
	Locations  map[string]bool
	Products   map[string]bool
}

// NewParents indexes the first assembly level
func NewParents(users []model.User, categories []model.Category, locations []model.Location) *Parents {
	p := &Parents{
		Users:      make(map[string]string, len(users)),
		Categories: make(map[string]bool, len(categories)),
		Locations:  make(map[string]bool, len(locations)),
		Products:   map[string]bool{},
	}
	for _, u := range users {
		p.Users[u.SourceID] = u.ID
	}
	for _, c := range categories {
		p.Categories[c.ID] = true
	}
	for _, l := range locations {
		p.Locations[l.ID] = true
	}
	return p
}

// WithProducts returns a copy that also resolves the given products
func (p *Parents) WithProducts(products []model.Product) *Parents {
	next := *p
	next.Products = make(map[string]bool, len(products))
	for _, prod := range products {
		next.Products[prod.ID] = true
	}
	return &next
}

// Assembler runs the per-entity assemblers on a bounded worker pool
type Assembler struct {
	workers int
}

// New returns an assembler using up to workers goroutines per table
func New(workers int) *Assembler {
	if workers <= 0 {
		workers = 1
	}
	return &Assembler{workers: workers}
}

type outcome[T any] struct {
	item T
	ok   bool
	skip *ValidationError
	warn []string
}

// mapRows applies fn to every row on the worker pool. Results keep their
// row index so the caller sees a stable order before sorting.
func mapRows[T any](ctx context.Context, workers int, rows []source.Row, fn func(source.Row) outcome[T]) (Result[T], error) {
	out := make([]outcome[T], len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range rows {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = fn(rows[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result[T]{}, err
	}

	var res Result[T]
	for _, o := range out {
		if o.skip != nil {
			res.Skips = append(res.Skips, o.skip)
		}
		if o.ok {
			res.Items = append(res.Items, o.item)
		}
		res.Warnings = append(res.Warnings, o.warn...)
	}
	sortSkips(res.Skips)
	sort.Strings(res.Warnings)
	return res, nil
}

func accept[T any](item T, warn ...string) outcome[T] {
	return outcome[T]{item: item, ok: true, warn: warn}
}

func reject[T any](err *ValidationError) outcome[T] {
	return outcome[T]{skip: err}
}

func sortSkips(skips []*ValidationError) {
	sort.Slice(skips, func(i, j int) bool {
		if skips[i].Table != skips[j].Table {
			return skips[i].Table < skips[j].Table
		}
		if skips[i].Key != skips[j].Key {
			return model.KeyLess(skips[i].Key, skips[j].Key)
		}
		return skips[i].Field < skips[j].Field
	})
}

// requireText returns the trimmed text of a non-null column
func requireText(row source.Row, col string) (string, *ValidationError) {
	if row.IsNull(col) {
		return "", invalid(row, "", col, "required value is null")
	}
	s := strings.TrimSpace(row.String(col))
	if s == "" {
		return "", invalid(row, "", col, "required value is empty")
	}
	return s, nil
}
