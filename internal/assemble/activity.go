package assemble

import (
	"context"
	"fmt"
	"sort"

	"github.com/marketplace-migrator/internal/model"
	"github.com/marketplace-migrator/internal/source"
)

func pairKey(row source.Row, a, b string) string {
	return row.String(a) + "/" + row.String(b)
}

// Favorites assembles (user, product) pairs. Duplicate pairs keep the
// earliest record.
func (a *Assembler) Favorites(ctx context.Context, rows []source.Row, parents *Parents) (Result[model.Favorite], error) {
	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.Favorite] {
		key := pairKey(row, "user_id", "product_id")
		userSource, verr := requireText(row, "user_id")
		if verr != nil {
			verr.Key = key
			return reject[model.Favorite](verr)
		}
		user, found := parents.Users[userSource]
		if !found {
			return reject[model.Favorite](invalid(row, key, "user_id", "user does not resolve"))
		}
		productID, verr := requireText(row, "product_id")
		if verr != nil {
			verr.Key = key
			return reject[model.Favorite](verr)
		}
		if !parents.Products[productID] {
			return reject[model.Favorite](invalid(row, key, "product_id", "product does not resolve"))
		}
		return accept(model.Favorite{UserID: user, ProductID: productID, CreatedAt: row.Time("created_at")})
	})
	if err != nil {
		return res, err
	}

	sort.Slice(res.Items, func(i, j int) bool {
		x, y := res.Items[i], res.Items[j]
		if x.UserID != y.UserID {
			return x.UserID < y.UserID
		}
		if x.ProductID != y.ProductID {
			return model.KeyLess(x.ProductID, y.ProductID)
		}
		return x.CreatedAt.Before(y.CreatedAt)
	})
	kept := res.Items[:0]
	for i, f := range res.Items {
		if i > 0 && f.UserID == res.Items[i-1].UserID && f.ProductID == res.Items[i-1].ProductID {
			res.Skips = append(res.Skips, &ValidationError{
				Table:  source.TableFavorites,
				Key:    f.UserID + "/" + f.ProductID,
				Field:  "product_id",
				Reason: "duplicate favorite",
			})
			continue
		}
		kept = append(kept, f)
	}
	res.Items = kept
	sortSkips(res.Skips)
	return res, nil
}

// Views assembles view records. A null viewer is an anonymous view; a
// viewer that is set must resolve.
func (a *Assembler) Views(ctx context.Context, rows []source.Row, parents *Parents) (Result[model.View], error) {
	res, err := mapRows(ctx, a.workers, rows, func(row source.Row) outcome[model.View] {
		productID, verr := requireText(row, "product_id")
		if verr != nil {
			return reject[model.View](verr)
		}
		if !parents.Products[productID] {
			return reject[model.View](invalid(row, "", "product_id", fmt.Sprintf("product %s does not resolve", productID)))
		}
		if row.IsNull("viewed_at") {
			return reject[model.View](invalid(row, "", "viewed_at", "required value is null"))
		}
		viewedAt, parsed := row.Get("viewed_at").Time()
		if !parsed {
			return reject[model.View](invalid(row, "", "viewed_at", "unparsable timestamp"))
		}

		v := model.View{ProductID: productID, ViewedAt: viewedAt}
		if !row.IsNull("viewer_user_id") {
			viewer, found := parents.Users[row.String("viewer_user_id")]
			if !found {
				return reject[model.View](invalid(row, "", "viewer_user_id", "viewer does not resolve"))
			}
			v.ViewerID = viewer
		}
		return accept(v)
	})
	if err != nil {
		return res, err
	}

	sort.Slice(res.Items, func(i, j int) bool {
		x, y := res.Items[i], res.Items[j]
		if x.ProductID != y.ProductID {
			return model.KeyLess(x.ProductID, y.ProductID)
		}
		if !x.ViewedAt.Equal(y.ViewedAt) {
			return x.ViewedAt.Before(y.ViewedAt)
		}
		return x.ViewerID < y.ViewerID
	})
	return res, nil
}

// ConversationRows groups the tables a conversation is built from
type ConversationRows struct {
	Conversations []source.Row
	Participants  []source.Row
	Messages      []source.Row
	Reads         []source.Row
}

type sourcedMessage struct {
	id  string
	msg model.Message
}

// Conversations assembles message threads. A conversation needs at least
// two resolvable participants; messages from unknown senders are dropped.
// A message counts as read once any participant other than its sender has
// read it.
func (a *Assembler) Conversations(ctx context.Context, in ConversationRows, parents *Parents) (Result[model.Conversation], error) {
	var warnings []string

	participants := make(map[string][]string)
	seen := make(map[string]bool)
	for _, row := range in.Participants {
		convID := row.String("conversation_id")
		userSource := row.String("user_id")
		user, found := parents.Users[userSource]
		if !found {
			warnings = append(warnings, fmt.Sprintf("%s[%s]: participant %s does not resolve, dropped", row.Table, convID, userSource))
			continue
		}
		if seen[convID+"/"+user] {
			continue
		}
		seen[convID+"/"+user] = true
		participants[convID] = append(participants[convID], user)
	}

	readers := make(map[string][]string)
	for _, row := range in.Reads {
		readers[row.String("message_id")] = append(readers[row.String("message_id")], row.String("user_id"))
	}

	messages := make(map[string][]sourcedMessage)
	for _, row := range in.Messages {
		senderSource := row.String("sender_id")
		sender, found := parents.Users[senderSource]
		if !found {
			warnings = append(warnings, fmt.Sprintf("%s[%s]: sender %s does not resolve, dropped", row.Table, row.Key(), senderSource))
			continue
		}
		m := sourcedMessage{
			id: row.Key(),
			msg: model.Message{
				SenderID:  sender,
				Body:      row.String("body"),
				CreatedAt: row.Time("created_at"),
			},
		}
		for _, r := range readers[m.id] {
			if r != senderSource {
				m.msg.IsRead = true
				break
			}
		}
		convID := row.String("conversation_id")
		messages[convID] = append(messages[convID], m)
	}

	res, err := mapRows(ctx, a.workers, in.Conversations, func(row source.Row) outcome[model.Conversation] {
		id, verr := requireText(row, "id")
		if verr != nil {
			return reject[model.Conversation](verr)
		}
		users := append([]string(nil), participants[id]...)
		if len(users) < 2 {
			return reject[model.Conversation](invalid(row, id, "participants",
				fmt.Sprintf("%d resolvable participants, need at least 2", len(users))))
		}
		sort.Strings(users)

		c := model.Conversation{ID: id, Participants: users, CreatedAt: row.Time("created_at")}
		var warn []string
		if !row.IsNull("product_id") {
			productID := row.String("product_id")
			if parents.Products[productID] {
				c.ProductID = productID
			} else {
				warn = append(warn, fmt.Sprintf("conversations[%s]: product %s does not resolve, dropped", id, productID))
			}
		}

		msgs := append([]sourcedMessage(nil), messages[id]...)
		sort.Slice(msgs, func(i, j int) bool {
			if !msgs[i].msg.CreatedAt.Equal(msgs[j].msg.CreatedAt) {
				return msgs[i].msg.CreatedAt.Before(msgs[j].msg.CreatedAt)
			}
			return model.KeyLess(msgs[i].id, msgs[j].id)
		})
		for _, m := range msgs {
			c.Messages = append(c.Messages, m.msg)
		}
		return accept(c, warn...)
	})
	if err != nil {
		return res, err
	}

	res.Warnings = append(res.Warnings, warnings...)
	sort.Strings(res.Warnings)
	sort.Slice(res.Items, func(i, j int) bool { return model.KeyLess(res.Items[i].ID, res.Items[j].ID) })
	return res, nil
}
