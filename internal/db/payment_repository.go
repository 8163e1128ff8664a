package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"paywall-service/internal/payment"
)

const paymentColumns = `id, status, action_type, action_data, dedupe_key, amount, currency, gateway_reference_id, created_at, updated_at, reconciled_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) InsertPending(ctx context.Context, p *payment.Payment) error {
	// the conflict target is the partial unique index over in-flight statuses
	query := `INSERT INTO payment (` + paymentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'approved', 'confirmed') DO NOTHING
	          RETURNING id`

	e := newPaymentEntity(p)
	var id uuid.UUID
	err := conn(ctx, r.pool).QueryRow(ctx, query, e.ID, e.Status, e.ActionType, e.ActionData, e.DedupeKey,
		e.Amount, e.Currency, e.GatewayReferenceID, e.CreatedAt, e.UpdatedAt, e.ReconciledAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.ErrDuplicateInFlight
	}
	return errors.Wrap(err, "insert payment")
}

func (r *PaymentRepository) SelectByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment WHERE id = $1`

	e, err := scanPayment(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select payment")
	}
	return e.toPayment(), nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to payment.Status, gatewayRef *string) (time.Time, error) {
	query := `UPDATE payment
	          SET status = $3, gateway_reference_id = COALESCE(gateway_reference_id, $4), updated_at = now()
	          WHERE id = $1 AND status = $2
	          RETURNING updated_at`

	q := conn(ctx, r.pool)
	var updatedAt time.Time
	err := q.QueryRow(ctx, query, id, string(from), string(to), gatewayRef).Scan(&updatedAt)
	if err == nil {
		return updatedAt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, errors.Wrap(err, "update payment status")
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment WHERE id = $1)`, id).Scan(&exists); err != nil {
		return time.Time{}, errors.Wrap(err, "check payment existence")
	}
	if !exists {
		return time.Time{}, payment.ErrNotFound
	}
	return time.Time{}, errors.Wrapf(payment.ErrStaleTransition, "%s -> %s", from, to)
}

// MarkReconciled records a reconciliation attempt without touching the status
// or updated_at.
func (r *PaymentRepository) MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `UPDATE payment SET reconciled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "mark payment reconciled")
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrNotFound
	}
	return nil
}

// SelectStale returns payments in one of statuses not updated since before.
// Payments never reconciled come first, then the least recently reconciled,
// then the oldest.
func (r *PaymentRepository) SelectStale(ctx context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	query := `SELECT ` + paymentColumns + `
	          FROM payment
	          WHERE status = ANY($1) AND updated_at < $2
	          ORDER BY reconciled_at NULLS FIRST, updated_at
	          LIMIT $3`

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := conn(ctx, r.pool).Query(ctx, query, names, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale payments")
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		e, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stale payment")
		}
		payments = append(payments, e.toPayment())
	}
	return payments, errors.Wrap(rows.Err(), "iterate stale payments")
}

func scanPayment(row pgx.Row) (*PaymentEntity, error) {
	var e PaymentEntity
	err := row.Scan(&e.ID, &e.Status, &e.ActionType, &e.ActionData, &e.DedupeKey, &e.Amount, &e.Currency,
		&e.GatewayReferenceID, &e.CreatedAt, &e.UpdatedAt, &e.ReconciledAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
