// Package project turns an assembled dataset into destination-shaped
// output: self-contained documents for the document store and leveled
// merge batches for the graph. Projection is pure; the same dataset always
// yields the same documents and batches.
package project

import (
	"sort"

	"github.com/marketplace-migrator/internal/model"
)

// Index resolves references between the entities of one dataset
type Index struct {
	Dataset *model.Dataset

	Users      map[string]*model.User
	Categories map[string]*model.Category
	Locations  map[string]*model.Location
	Products   map[string]*model.Product

	// ViewsByProduct and FavoritesByProduct are ordered oldest first
	ViewsByProduct     map[string][]model.View
	FavoritesByProduct map[string][]model.Favorite
	FavoritesByUser    map[string][]model.Favorite
	ProductsBySeller   map[string][]string
	ProductsByCategory map[string][]string
}

// NewIndex builds the lookup tables of a dataset
func NewIndex(d *model.Dataset) *Index {
	idx := &Index{
		Dataset:            d,
		Users:              make(map[string]*model.User, len(d.Users)),
		Categories:         make(map[string]*model.Category, len(d.Categories)),
		Locations:          make(map[string]*model.Location, len(d.Locations)),
		Products:           make(map[string]*model.Product, len(d.Products)),
		ViewsByProduct:     make(map[string][]model.View),
		FavoritesByProduct: make(map[string][]model.Favorite),
		FavoritesByUser:    make(map[string][]model.Favorite),
		ProductsBySeller:   make(map[string][]string),
		ProductsByCategory: make(map[string][]string),
	}
	for i := range d.Users {
		idx.Users[d.Users[i].ID] = &d.Users[i]
	}
	for i := range d.Categories {
		idx.Categories[d.Categories[i].ID] = &d.Categories[i]
	}
	for i := range d.Locations {
		idx.Locations[d.Locations[i].ID] = &d.Locations[i]
	}
	for i := range d.Products {
		p := &d.Products[i]
		idx.Products[p.ID] = p
		idx.ProductsBySeller[p.SellerID] = append(idx.ProductsBySeller[p.SellerID], p.ID)
		if p.CategoryID != "" {
			idx.ProductsByCategory[p.CategoryID] = append(idx.ProductsByCategory[p.CategoryID], p.ID)
		}
	}
	for _, v := range d.Views {
		idx.ViewsByProduct[v.ProductID] = append(idx.ViewsByProduct[v.ProductID], v)
	}
	for _, f := range d.Favorites {
		idx.FavoritesByProduct[f.ProductID] = append(idx.FavoritesByProduct[f.ProductID], f)
		idx.FavoritesByUser[f.UserID] = append(idx.FavoritesByUser[f.UserID], f)
	}

	for _, views := range idx.ViewsByProduct {
		sort.SliceStable(views, func(i, j int) bool {
			if !views[i].ViewedAt.Equal(views[j].ViewedAt) {
				return views[i].ViewedAt.Before(views[j].ViewedAt)
			}
			return views[i].ViewerID < views[j].ViewerID
		})
	}
	for _, favs := range []map[string][]model.Favorite{idx.FavoritesByProduct, idx.FavoritesByUser} {
		for _, list := range favs {
			sort.SliceStable(list, func(i, j int) bool {
				if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
					return list[i].CreatedAt.Before(list[j].CreatedAt)
				}
				if list[i].UserID != list[j].UserID {
					return list[i].UserID < list[j].UserID
				}
				return model.KeyLess(list[i].ProductID, list[j].ProductID)
			})
		}
	}
	for _, ids := range []map[string][]string{idx.ProductsBySeller, idx.ProductsByCategory} {
		for _, list := range ids {
			sort.Slice(list, func(i, j int) bool { return model.KeyLess(list[i], list[j]) })
		}
	}
	return idx
}
