package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type ArticleRepository struct {
	pool *pgxpool.Pool
}

func NewArticleRepository(pool *pgxpool.Pool) *ArticleRepository {
	return &ArticleRepository{pool: pool}
}

func (r *ArticleRepository) Create(ctx context.Context, entity *ArticleEntity) error {
	query := `INSERT INTO article (id, payment_id, title, author, body, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := conn(ctx, r.pool).Exec(ctx, query, entity.ID, entity.PaymentID, entity.Title, entity.Author, entity.Body, entity.CreatedAt)
	return errors.Wrap(err, "insert article")
}

func (r *ArticleRepository) SelectByPaymentID(ctx context.Context, paymentID uuid.UUID) (*ArticleEntity, error) {
	query := `SELECT id, payment_id, title, author, body, created_at FROM article WHERE payment_id = $1`

	var e ArticleEntity
	err := conn(ctx, r.pool).QueryRow(ctx, query, paymentID).Scan(&e.ID, &e.PaymentID, &e.Title, &e.Author, &e.Body, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select article")
	}
	return &e, nil
}

func (r *ArticleRepository) List(ctx context.Context) ([]*ArticleEntity, error) {
	query := `SELECT id, payment_id, title, author, body, created_at FROM article ORDER BY created_at DESC`

	rows, err := conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "select articles")
	}
	defer rows.Close()

	articles := []*ArticleEntity{}
	for rows.Next() {
		var e ArticleEntity
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Title, &e.Author, &e.Body, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan article")
		}
		articles = append(articles, &e)
	}
	return articles, errors.Wrap(rows.Err(), "iterate articles")
}
