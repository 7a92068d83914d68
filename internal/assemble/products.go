package assemble

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/source"
)

// Products assembles listings. Seller, price and status are required;
// a category that is set must resolve. An unresolvable location is
// dropped with a warning. historyRows come from product_price_history.
func (a *Assembler) Products(ctx context.Context, rows, historyRows []source.Row, parents *Parents) (Result[model.Product], error) {
	history, historyWarnings := priceHistory(historyRows)

	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.Product] {
		id, verr := requireText(row, "id")
		if verr != nil {
			return reject[model.Product](verr)
		}
		title, verr := requireText(row, "title")
		if verr != nil {
			return reject[model.Product](verr)
		}

		sellerSource, verr := requireText(row, "seller_id")
		if verr != nil {
			return reject[model.Product](verr)
		}
		seller, found := parents.Users[sellerSource]
		if !found {
			return reject[model.Product](invalid(row, id, "seller_id",
				fmt.Sprintf("seller %s does not resolve to a migrated user", sellerSource)))
		}

		price, verr := parsePrice(row, id, "price_amount", "price_currency")
		if verr != nil {
			return reject[model.Product](verr)
		}

		statusText, verr := requireText(row, "status")
		if verr != nil {
			return reject[model.Product](verr)
		}
		status, valid := model.ParseStatus(statusText)
		if !valid {
			return reject[model.Product](invalid(row, id, "status", fmt.Sprintf("unknown status %q", statusText)))
		}

		p := model.Product{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(row.String("description")),
			Price:       price,
			Status:      status,
			SellerID:    seller,
			CreatedAt:   row.Time("created_at"),
			UpdatedAt:   row.Time("updated_at"),
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}

		if cond := strings.TrimSpace(row.String("condition")); cond != "" {
			parsed, valid := model.ParseCondition(cond)
			if !valid {
				return reject[model.Product](invalid(row, id, "condition", fmt.Sprintf("unknown condition %q", cond)))
			}
			p.Condition = parsed
		}

		if !row.IsNull("category_id") {
			cat := row.String("category_id")
			if !parents.Categories[cat] {
				return reject[model.Product](invalid(row, id, "category_id",
					fmt.Sprintf("category %s does not resolve", cat)))
			}
			p.CategoryID = cat
		}

		var warnings []string
		if !row.IsNull("location_id") {
			loc := row.String("location_id")
			if parents.Locations[loc] {
				p.LocationID = loc
			} else {
				warnings = append(warnings, fmt.Sprintf("products[%s]: location %s does not resolve, dropped", id, loc))
			}
		}

		p.PriceHistory = history[id]
		return accept(p, warnings...)
	})
	if err != nil {
		return res, err
	}

	res.Warnings = append(res.Warnings, historyWarnings...)
	sort.Strings(res.Warnings)
	sort.Slice(res.Items, func(i, j int) bool { return model.KeyLess(res.Items[i].ID, res.Items[j].ID) })
	return res, nil
}

func parsePrice(row source.Row, key, amountCol, currencyCol string) (model.Money, *ValidationError) {
	if row.IsNull(amountCol) {
		return model.Money{}, invalid(row, key, amountCol, "required value is null")
	}
	amount, parsed := row.Float(amountCol)
	if !parsed {
		return model.Money{}, invalid(row, key, amountCol, fmt.Sprintf("unparsable price %q", row.String(amountCol)))
	}
	if amount < 0 {
		return model.Money{}, invalid(row, key, amountCol, "negative price")
	}

	currency := strings.ToUpper(strings.TrimSpace(row.String(currencyCol)))
	if currency == "" {
		currency = model.DefaultCurrency
	}
	if len(currency) != 3 {
		return model.Money{}, invalid(row, key, currencyCol, fmt.Sprintf("malformed currency %q", currency))
	}
	return model.Money{Amount: amount, Currency: currency}, nil
}

// priceHistory groups history rows by product, chronologically. Malformed
// entries are dropped with a warning; they never skip the product itself.
func priceHistory(rows []source.Row) (map[string][]model.PricePoint, []string) {
	out := make(map[string][]model.PricePoint)
	var warnings []string
	for _, row := range rows {
		productID := row.String("product_id")
		if productID == "" {
			warnings = append(warnings, fmt.Sprintf("%s[%s]: missing product_id, dropped", row.Table, row.Key()))
			continue
		}
		money, verr := parsePrice(row, row.Key(), "amount", "currency")
		if verr != nil {
			warnings = append(warnings, fmt.Sprintf("%s, dropped", verr.Error()))
			continue
		}
		changedAt, parsed := row.Get("changed_at").Time()
		if !parsed {
			warnings = append(warnings, fmt.Sprintf("%s[%s]: unparsable changed_at, dropped", row.Table, row.Key()))
			continue
		}
		out[productID] = append(out[productID], model.PricePoint{
			Amount:    money.Amount,
			Currency:  money.Currency,
			ChangedAt: changedAt,
		})
	}
	for id := range out {
		points := out[id]
		sort.SliceStable(points, func(i, j int) bool {
			if !points[i].ChangedAt.Equal(points[j].ChangedAt) {
				return points[i].ChangedAt.Before(points[j].ChangedAt)
			}
			return points[i].Amount < points[j].Amount
		})
	}
	return out, warnings
}
