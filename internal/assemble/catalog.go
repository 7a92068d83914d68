package assemble

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/source"
)

// Users assembles accounts keyed by username. When two rows share a
// username or an email the one with the lowest source id wins and the
// other is skipped.
func (a *Assembler) Users(ctx context.Context, rows []source.Row) (Result[model.User], error) {
	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.User] {
		id, verr := requireText(row, "id")
		if verr != nil {
			return reject[model.User](verr)
		}
		username, verr := requireText(row, "username")
		if verr != nil {
			return reject[model.User](verr)
		}
		email, verr := requireText(row, "email")
		if verr != nil {
			return reject[model.User](verr)
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return reject[model.User](invalid(row, id, "email", "malformed email address"))
		}

		u := model.User{
			ID:           username,
			SourceID:     id,
			Email:        strings.ToLower(email),
			PasswordHash: row.String("hashed_password"),
			FullName:     strings.TrimSpace(row.String("full_name")),
			Phone:        strings.TrimSpace(row.String("phone")),
			IsActive:     true,
			IsAdmin:      row.Bool("is_admin"),
			CreatedAt:    row.Time("created_at"),
			UpdatedAt:    row.Time("updated_at"),
		}
		if u.FullName == "" {
			u.FullName = username
		}
		if !row.IsNull("is_active") {
			u.IsActive = row.Bool("is_active")
		}
		if !row.IsNull("location_id") {
			u.LocationID = row.String("location_id")
		}
		if u.UpdatedAt.IsZero() {
			u.UpdatedAt = u.CreatedAt
		}
		return accept(u)
	})
	if err != nil {
		return res, err
	}

	sort.Slice(res.Items, func(i, j int) bool {
		if res.Items[i].ID != res.Items[j].ID {
			return res.Items[i].ID < res.Items[j].ID
		}
		return model.KeyLess(res.Items[i].SourceID, res.Items[j].SourceID)
	})
	kept := res.Items[:0]
	for i, u := range res.Items {
		if i > 0 && u.ID == res.Items[i-1].ID {
			res.Skips = append(res.Skips, &ValidationError{
				Table:  source.TableUsers,
				Key:    u.SourceID,
				Field:  "username",
				Reason: fmt.Sprintf("duplicate username %q", u.ID),
			})
			continue
		}
		kept = append(kept, u)
	}
	res.Items = dedupeEmails(kept, &res.Skips)
	sortSkips(res.Skips)
	return res, nil
}

// dedupeEmails keeps the account with the lowest source id for each email,
// matching the unique email index on the users collection.
func dedupeEmails(users []model.User, skips *[]*ValidationError) []model.User {
	owner := make(map[string]string, len(users))
	for _, u := range users {
		if cur, ok := owner[u.Email]; !ok || model.KeyLess(u.SourceID, cur) {
			owner[u.Email] = u.SourceID
		}
	}
	kept := users[:0]
	for _, u := range users {
		if owner[u.Email] != u.SourceID {
			*skips = append(*skips, &ValidationError{
				Table:  source.TableUsers,
				Key:    u.SourceID,
				Field:  "email",
				Reason: fmt.Sprintf("duplicate email %q", u.Email),
			})
			continue
		}
		kept = append(kept, u)
	}
	return kept
}

// Categories assembles the category tree. A parent reference that does not
// resolve within the table is dropped with a warning.
func (a *Assembler) Categories(ctx context.Context, rows []source.Row) (Result[model.Category], error) {
	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.Category] {
		id, verr := requireText(row, "id")
		if verr != nil {
			return reject[model.Category](verr)
		}
		name, verr := requireText(row, "name")
		if verr != nil {
			return reject[model.Category](verr)
		}
		c := model.Category{ID: id, Name: name}
		if !row.IsNull("parent_id") {
			c.ParentID = row.String("parent_id")
		}
		return accept(c)
	})
	if err != nil {
		return res, err
	}

	known := make(map[string]bool, len(res.Items))
	for _, c := range res.Items {
		known[c.ID] = true
	}
	for i := range res.Items {
		c := &res.Items[i]
		if c.ParentID == "" {
			continue
		}
		if c.ParentID == c.ID || !known[c.ParentID] {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("categories[%s]: parent %s does not resolve, dropped", c.ID, c.ParentID))
			c.ParentID = ""
		}
	}
	sort.Slice(res.Items, func(i, j int) bool { return model.KeyLess(res.Items[i].ID, res.Items[j].ID) })
	sort.Strings(res.Warnings)
	return res, nil
}

// Locations assembles places. Country defaults when the column is absent.
func (a *Assembler) Locations(ctx context.Context, rows []source.Row) (Result[model.Location], error) {
	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.Location] {
		id, verr := requireText(row, "id")
		if verr != nil {
			return reject[model.Location](verr)
		}
		l := model.Location{
			ID:       id,
			City:     strings.TrimSpace(row.String("city")),
			Postcode: strings.TrimSpace(row.String("postcode")),
			Country:  strings.TrimSpace(row.String("country")),
		}
		if l.Country == "" {
			l.Country = model.DefaultCountry
		}
		if lat, ok := row.Float("latitude"); ok {
			l.Latitude = &lat
		}
		if lng, ok := row.Float("longitude"); ok {
			l.Longitude = &lng
		}
		return accept(l)
	})
	if err != nil {
		return res, err
	}
	sort.Slice(res.Items, func(i, j int) bool { return model.KeyLess(res.Items[i].ID, res.Items[j].ID) })
	return res, nil
}
