package fulfillment

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"paywall-service/internal/db"
	"paywall-service/internal/payment"
)

const defaultAuthor = "Anonymous"

type Article struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (a Article) normalized() Article {
	a.Title = strings.TrimSpace(a.Title)
	a.Author = strings.TrimSpace(a.Author)
	if a.Author == "" {
		a.Author = defaultAuthor
	}
	return a
}

func (a Article) Validate() error {
	a = a.normalized()
	if a.Title == "" {
		return errors.New("article title is required")
	}
	if strings.TrimSpace(a.Body) == "" {
		return errors.New("article body is required")
	}
	return nil
}

// DedupeKey identifies an article purchase by title and author.
func (a Article) DedupeKey() string {
	a = a.normalized()
	return payment.DedupeKey(payment.ActionContentCreation, a.Title, a.Author)
}

func DecodeArticle(data json.RawMessage) (Article, error) {
	var a Article
	if len(data) == 0 {
		return a, errors.New("article data is required")
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, errors.Wrap(err, "decode article data")
	}
	return a, nil
}

type ArticleWriter interface {
	Create(ctx context.Context, entity *db.ArticleEntity) error
}

// ContentCreation publishes the purchased article.
type ContentCreation struct {
	articles ArticleWriter
	now      func() time.Time
}

func NewContentCreation(articles ArticleWriter) *ContentCreation {
	return &ContentCreation{articles: articles, now: time.Now}
}

func (c *ContentCreation) Validate(data json.RawMessage) error {
	a, err := DecodeArticle(data)
	if err != nil {
		return err
	}
	return a.Validate()
}

func (c *ContentCreation) Fulfill(ctx context.Context, paymentID uuid.UUID, data json.RawMessage) error {
	a, err := DecodeArticle(data)
	if err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	a = a.normalized()

	return c.articles.Create(ctx, &db.ArticleEntity{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Title:     a.Title,
		Author:    a.Author,
		Body:      a.Body,
		CreatedAt: c.now().UTC(),
	})
}
