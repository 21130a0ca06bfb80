package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/academy/internal/models"
)

// UserDoc is the searchable projection of a user. No secrets go in here.
type UserDoc struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	Plan          string    `json:"plan"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func DocFromUser(u *models.User) UserDoc {
	return UserDoc{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		Role:          u.Role,
		Plan:          u.Plan,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
}

type Directory struct {
	ES    *elasticsearch.Client
	Index string
}

func (d *Directory) IndexUser(ctx context.Context, doc UserDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("search: marshal: %w", err)
	}
	res, err := d.ES.Index(d.Index, bytes.NewReader(body),
		d.ES.Index.WithContext(ctx),
		d.ES.Index.WithDocumentID(strconv.FormatUint(uint64(doc.ID), 10)),
	)
	if err != nil {
		return fmt.Errorf("search: index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("search: index: %s", res.Status())
	}
	return nil
}

func (d *Directory) DeleteUser(ctx context.Context, id uint) error {
	res, err := d.ES.Delete(d.Index, strconv.FormatUint(uint64(id), 10), d.ES.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: delete: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("search: delete: %s", res.Status())
	}
	return nil
}

// Search runs a fuzzy match over name and email.
func (d *Directory) Search(ctx context.Context, query string, from, size int) (int64, []UserDoc, error) {
	body := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    []string{"name^2", "email"},
				"fuzziness": "AUTO",
			},
		},
		"from": from,
		"size": size,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("search: encode: %w", err)
	}

	res, err := d.ES.Search(
		d.ES.Search.WithContext(ctx),
		d.ES.Search.WithIndex(d.Index),
		d.ES.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return 0, nil, fmt.Errorf("search: %s: %s", res.Status(), msg)
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 } `json:"total"`
			Hits  []struct {
				Source UserDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, fmt.Errorf("search: decode: %w", err)
	}

	docs := make([]UserDoc, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		docs[i] = hit.Source
	}
	return r.Hits.Total.Value, docs, nil
}
