package db_test

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"paywall-service/internal/db"
	"paywall-service/internal/payment"
	"paywall-service/internal/testhelpers"
)

type PaymentRepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	sut         *db.PaymentRepository
	articles    *db.ArticleRepository
	ledger      *db.Ledger
	ctx         context.Context
}

func (s *PaymentRepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.sut = db.NewPaymentRepository(pool)
	s.articles = db.NewArticleRepository(pool)
	s.ledger = db.NewLedger(pool)
}

func (s *PaymentRepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PaymentRepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE article, payment")
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func newPendingPayment(dedupeKey string) *payment.Payment {
	now := time.Now().UTC()
	return &payment.Payment{
		ID:         uuid.New(),
		Status:     payment.StatusPending,
		ActionType: payment.ActionContentCreation,
		ActionData: json.RawMessage(`{"title":"A","author":"B","body":"C"}`),
		DedupeKey:  dedupeKey,
		Amount:     1000,
		Currency:   "USD",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *PaymentRepositoryTestSuite) TestInsertPending() {
	t := s.T()

	p := newPendingPayment("t1")
	require.NoError(t, s.sut.InsertPending(s.ctx, p))

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, stored.Status)
	assert.Equal(t, "t1", stored.DedupeKey)
	assert.Equal(t, int64(1000), stored.Amount)
	assert.JSONEq(t, string(p.ActionData), string(stored.ActionData))
	assert.Nil(t, stored.GatewayReferenceID)
}

func (s *PaymentRepositoryTestSuite) TestInsertPending_DuplicateInFlight() {
	t := s.T()

	require.NoError(t, s.sut.InsertPending(s.ctx, newPendingPayment("t1")))

	err := s.sut.InsertPending(s.ctx, newPendingPayment("t1"))
	assert.ErrorIs(t, err, payment.ErrDuplicateInFlight)
}

func (s *PaymentRepositoryTestSuite) TestInsertPending_ConcurrentDuplicates() {
	t := s.T()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.sut.InsertPending(s.ctx, newPendingPayment("t1"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, payment.ErrDuplicateInFlight)
	}
	assert.Equal(t, 1, succeeded)

	var count int
	require.NoError(t, s.pool.QueryRow(s.ctx, "SELECT count(*) FROM payment WHERE dedupe_key = 't1'").Scan(&count))
	assert.Equal(t, 1, count)
}

func (s *PaymentRepositoryTestSuite) TestInsertPending_AllowedAfterTerminal() {
	t := s.T()

	first := newPendingPayment("t1")
	require.NoError(t, s.sut.InsertPending(s.ctx, first))
	_, err := s.sut.UpdateStatus(s.ctx, first.ID, payment.StatusPending, payment.StatusError, nil)
	require.NoError(t, err)

	assert.NoError(t, s.sut.InsertPending(s.ctx, newPendingPayment("t1")))
}

func (s *PaymentRepositoryTestSuite) TestUpdateStatus() {
	t := s.T()

	p := newPendingPayment("t1")
	require.NoError(t, s.sut.InsertPending(s.ctx, p))

	ref := "charge-1"
	updatedAt, err := s.sut.UpdateStatus(s.ctx, p.ID, payment.StatusPending, payment.StatusApproved, &ref)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), updatedAt, 5*time.Second)

	// a later transition without a reference keeps the stored one
	_, err = s.sut.UpdateStatus(s.ctx, p.ID, payment.StatusApproved, payment.StatusError, nil)
	require.NoError(t, err)

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusError, stored.Status)
	require.NotNil(t, stored.GatewayReferenceID)
	assert.Equal(t, "charge-1", *stored.GatewayReferenceID)
}

func (s *PaymentRepositoryTestSuite) TestUpdateStatus_StalePrecondition() {
	t := s.T()

	p := newPendingPayment("t1")
	require.NoError(t, s.sut.InsertPending(s.ctx, p))
	_, err := s.sut.UpdateStatus(s.ctx, p.ID, payment.StatusPending, payment.StatusError, nil)
	require.NoError(t, err)

	_, err = s.sut.UpdateStatus(s.ctx, p.ID, payment.StatusPending, payment.StatusError, nil)
	assert.ErrorIs(t, err, payment.ErrStaleTransition)

	_, err = s.sut.UpdateStatus(s.ctx, uuid.New(), payment.StatusPending, payment.StatusError, nil)
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func (s *PaymentRepositoryTestSuite) TestSelectByID_NotFound() {
	_, err := s.sut.SelectByID(s.ctx, uuid.New())
	assert.ErrorIs(s.T(), err, payment.ErrNotFound)
}

func (s *PaymentRepositoryTestSuite) TestSelectStale() {
	t := s.T()

	old := newPendingPayment("old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, s.sut.InsertPending(s.ctx, old))

	fresh := newPendingPayment("fresh")
	require.NoError(t, s.sut.InsertPending(s.ctx, fresh))

	done := newPendingPayment("done")
	done.CreatedAt = time.Now().Add(-time.Hour)
	done.UpdatedAt = done.CreatedAt
	require.NoError(t, s.sut.InsertPending(s.ctx, done))
	_, err := s.pool.Exec(s.ctx, "UPDATE payment SET status = 'error' WHERE id = $1", done.ID)
	require.NoError(t, err)

	stale, err := s.sut.SelectStale(s.ctx, payment.InFlight, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func (s *PaymentRepositoryTestSuite) TestSelectStale_ReconciledPaymentsGoLast() {
	t := s.T()

	stuck := newPendingPayment("stuck")
	stuck.CreatedAt = time.Now().Add(-48 * time.Hour)
	stuck.UpdatedAt = stuck.CreatedAt
	require.NoError(t, s.sut.InsertPending(s.ctx, stuck))

	newer := newPendingPayment("newer")
	newer.CreatedAt = time.Now().Add(-time.Hour)
	newer.UpdatedAt = newer.CreatedAt
	require.NoError(t, s.sut.InsertPending(s.ctx, newer))

	before := time.Now().Add(-5 * time.Minute)
	stale, err := s.sut.SelectStale(s.ctx, payment.InFlight, before, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	require.NoError(t, s.sut.MarkReconciled(s.ctx, stuck.ID, time.Now()))

	stale, err = s.sut.SelectStale(s.ctx, payment.InFlight, before, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, newer.ID, stale[0].ID)

	stored, err := s.sut.SelectByID(s.ctx, stuck.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReconciledAt)
	assert.WithinDuration(t, stuck.UpdatedAt, stored.UpdatedAt, time.Second)
	assert.Equal(t, payment.StatusPending, stored.Status)

	assert.ErrorIs(t, s.sut.MarkReconciled(s.ctx, uuid.New(), time.Now()), payment.ErrNotFound)
}

func (s *PaymentRepositoryTestSuite) approvedPayment() *payment.Payment {
	t := s.T()

	p := newPendingPayment("t1")
	require.NoError(t, s.sut.InsertPending(s.ctx, p))
	ref := "charge-1"
	_, err := s.sut.UpdateStatus(s.ctx, p.ID, payment.StatusPending, payment.StatusApproved, &ref)
	require.NoError(t, err)
	return p
}

func (s *PaymentRepositoryTestSuite) confirm(p *payment.Payment, fail error) error {
	return s.ledger.RunAtomic(s.ctx, func(ctx context.Context) error {
		if _, err := s.sut.UpdateStatus(ctx, p.ID, payment.StatusApproved, payment.StatusConfirmed, nil); err != nil {
			return err
		}
		if err := s.articles.Create(ctx, &db.ArticleEntity{
			ID:        uuid.New(),
			PaymentID: p.ID,
			Title:     "A",
			Author:    "B",
			Body:      "C",
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return fail
	})
}

func (s *PaymentRepositoryTestSuite) TestLedger_Commit() {
	t := s.T()

	p := s.approvedPayment()
	require.NoError(t, s.confirm(p, nil))

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusConfirmed, stored.Status)

	article, err := s.articles.SelectByPaymentID(s.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, article)
	assert.Equal(t, "A", article.Title)
}

func (s *PaymentRepositoryTestSuite) TestLedger_RollbackOnError() {
	t := s.T()

	p := s.approvedPayment()
	failure := assert.AnError
	assert.ErrorIs(t, s.confirm(p, failure), failure)

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, stored.Status)

	article, err := s.articles.SelectByPaymentID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, article)
}

func (s *PaymentRepositoryTestSuite) TestLedger_RollbackOnPanic() {
	t := s.T()

	p := s.approvedPayment()
	assert.Panics(t, func() {
		_ = s.ledger.RunAtomic(s.ctx, func(ctx context.Context) error {
			if _, err := s.sut.UpdateStatus(ctx, p.ID, payment.StatusApproved, payment.StatusConfirmed, nil); err != nil {
				return err
			}
			panic("crash between status write and fulfillment")
		})
	})

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, stored.Status)

	article, err := s.articles.SelectByPaymentID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, article)
}

func (s *PaymentRepositoryTestSuite) TestLedger_SecondConfirmFailsPrecondition() {
	t := s.T()

	p := s.approvedPayment()
	require.NoError(t, s.confirm(p, nil))

	err := s.confirm(p, nil)
	assert.ErrorIs(t, err, payment.ErrStaleTransition)

	articles, err := s.articles.List(s.ctx)
	require.NoError(t, err)
	assert.Len(t, articles, 1)
}

func (s *PaymentRepositoryTestSuite) TestLedger_NestedJoinsOuterScope() {
	t := s.T()

	p := s.approvedPayment()
	err := s.ledger.RunAtomic(s.ctx, func(ctx context.Context) error {
		if err := s.ledger.RunAtomic(ctx, func(ctx context.Context) error {
			_, err := s.sut.UpdateStatus(ctx, p.ID, payment.StatusApproved, payment.StatusConfirmed, nil)
			return err
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	stored, err := s.sut.SelectByID(s.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, stored.Status)
}

func TestPaymentRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(PaymentRepositoryTestSuite))
}
