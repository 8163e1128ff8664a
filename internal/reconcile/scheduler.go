package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"paywall-service/internal/config"
	"paywall-service/internal/gateway"
	"paywall-service/internal/logcontext"
	"paywall-service/internal/payment"
)

const (
	defaultPeriod      = 5 * time.Minute
	defaultBatchSize   = 200
	defaultParallelism = 8
)

var (
	runsSkippedCounter  = metrics.GetOrCreateCounter(`reconcile_runs_total{result="overlap_skipped"}`)
	runsFetchingCounter = metrics.GetOrCreateCounter(`reconcile_runs_total{result="fetching_failed"}`)
	runsSuccessCounter  = metrics.GetOrCreateCounter(`reconcile_runs_total{result="success"}`)

	runDurationHistogram = metrics.GetOrCreateHistogram(`reconcile_duration_milliseconds`)

	escalationsCounter = metrics.GetOrCreateCounter(`payment_escalations_total`)
)

type Store interface {
	SelectStale(ctx context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error)
	MarkReconciled(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Machine is the subset of the payment state machine reconciliation drives.
type Machine interface {
	Abandon(ctx context.Context, p *payment.Payment) error
	Cancel(ctx context.Context, p *payment.Payment) error
	Complete(ctx context.Context, p *payment.Payment) error
	MarkCompleted(ctx context.Context, p *payment.Payment) error
}

type Gateway interface {
	ListChargesInRange(ctx context.Context, begin, end time.Time) ([]gateway.Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*gateway.Charge, error)
	CancelCharge(ctx context.Context, chargeID string) (*gateway.Charge, error)
}

type Options struct {
	Period time.Duration
	// StaleAfter is how long a payment may sit in a non-terminal status
	// before a run picks it up.
	StaleAfter time.Duration
	// EscalateAfter flags Confirmed payments that still fail to complete
	// after this long. Zero disables it.
	EscalateAfter time.Duration
	BatchSize     int
	Parallelism   int
}

func OptionsFromConfig(cfg config.Reconcile) Options {
	return Options{
		Period:        cfg.Period(),
		StaleAfter:    cfg.StaleAfter(),
		EscalateAfter: cfg.EscalateAfter(),
		BatchSize:     cfg.BatchSize,
		Parallelism:   cfg.Parallelism,
	}
}

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
)

type Report map[Outcome]int

type Scheduler struct {
	store   Store
	machine Machine
	gateway Gateway
	opts    Options
	logger  *slog.Logger
	running atomic.Bool
	now     func() time.Time
}

func NewScheduler(store Store, machine Machine, gw Gateway, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = defaultPeriod
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = opts.Period
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Scheduler{
		store:   store,
		machine: machine,
		gateway: gw,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.Period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping reconciliation")
				return
			}
		}
	}()
}

// RunOnce reconciles one batch of stale payments. It returns false without
// doing anything if another run is still active.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.WarnContext(ctx, "Previous reconciliation still running, skipping")
		runsSkippedCounter.Inc()
		return nil, false
	}
	defer s.running.Store(false)

	startTime := time.Now()
	defer func() {
		runDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	now := s.now()
	s.logger.InfoContext(ctx, "Fetching stale payments")
	stale, err := s.store.SelectStale(ctx, payment.InFlight, now.Add(-s.opts.StaleAfter), s.opts.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching stale payments", "error", err)
		runsFetchingCounter.Inc()
		return nil, true
	}

	report := Report{}
	if len(stale) == 0 {
		s.logger.InfoContext(ctx, "No stale payments found")
		runsSuccessCounter.Inc()
		return report, true
	}

	charges := s.chargeIndex(ctx, stale, now)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for _, p := range stale {
		g.Go(func() error {
			outcome := s.resolve(ctx, p, charges[p.ID.String()], now)
			if outcome == OutcomeFailed || outcome == OutcomeEscalated {
				s.markReconciled(ctx, p)
			}
			metrics.GetOrCreateCounter(fmt.Sprintf(`reconcile_payments_total{result=%q}`, outcome)).Inc()

			mu.Lock()
			report[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "Reconciliation finished", "stale", len(stale), "report", report)
	runsSuccessCounter.Inc()
	return report, true
}

// markReconciled moves a payment that stays in flight behind the rest of the
// stale set, so it cannot hold the head of every batch.
func (s *Scheduler) markReconciled(ctx context.Context, p *payment.Payment) {
	if err := s.store.MarkReconciled(ctx, p.ID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "Error recording reconciliation attempt", "paymentId", p.ID.String(), "error", err)
	}
}

// chargeIndex lists the gateway charges created since the oldest Pending or
// Confirmed payment of the batch, keyed by reference id. Approved payments
// need no lookup, and Confirmed payments older than EscalateAfter are looked
// up one by one instead of widening the range. A listing failure yields an
// empty index.
func (s *Scheduler) chargeIndex(ctx context.Context, stale []*payment.Payment, now time.Time) map[string][]gateway.Charge {
	index := make(map[string][]gateway.Charge)

	var floor time.Time
	if s.opts.EscalateAfter > 0 {
		floor = now.Add(-s.opts.EscalateAfter)
	}

	var begin time.Time
	for _, p := range stale {
		if p.Status == payment.StatusApproved {
			continue
		}
		if p.Status == payment.StatusConfirmed && p.CreatedAt.Before(floor) {
			continue
		}
		if begin.IsZero() || p.CreatedAt.Before(begin) {
			begin = p.CreatedAt
		}
	}
	if begin.IsZero() {
		return index
	}

	charges, err := s.gateway.ListChargesInRange(ctx, begin, now)
	if err != nil {
		s.logger.WarnContext(ctx, "Error listing gateway charges", "kind", gateway.KindOf(err).String(), "error", err)
		return index
	}
	for _, c := range charges {
		index[c.ReferenceID] = append(index[c.ReferenceID], c)
	}
	return index
}

func (s *Scheduler) resolve(ctx context.Context, p *payment.Payment, charges []gateway.Charge, now time.Time) Outcome {
	ctx = logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))
	s.logger.InfoContext(ctx, "Reconciling payment", "status", p.Status, "updatedAt", p.UpdatedAt)

	switch p.Status {
	case payment.StatusPending:
		s.cancelOrphans(ctx, charges)
		return s.outcome(ctx, s.machine.Abandon(ctx, p))
	case payment.StatusApproved:
		return s.outcome(ctx, s.machine.Cancel(ctx, p))
	case payment.StatusConfirmed:
		return s.resolveConfirmed(ctx, p, charges, now)
	}
	return OutcomeSkipped
}

// cancelOrphans voids charges the gateway holds for a payment that never
// recorded its approval. Failures are left to the gateway's own expiry.
func (s *Scheduler) cancelOrphans(ctx context.Context, charges []gateway.Charge) {
	for _, c := range charges {
		if c.Status != gateway.ChargeApproved && c.Status != gateway.ChargePending {
			continue
		}
		s.logger.WarnContext(ctx, "Cancelling orphaned charge", "chargeId", c.ID)
		if _, err := s.gateway.CancelCharge(ctx, c.ID); err != nil {
			s.logger.WarnContext(ctx, "Error cancelling orphaned charge", "chargeId", c.ID, "kind", gateway.KindOf(err).String(), "error", err)
		}
	}
}

func (s *Scheduler) resolveConfirmed(ctx context.Context, p *payment.Payment, charges []gateway.Charge, now time.Time) Outcome {
	charge := s.lookupCharge(ctx, p, charges)

	if charge != nil && charge.Status.Closed() {
		s.escalate(ctx, p, "charge closed at gateway after fulfillment", "chargeStatus", charge.Status)
		return OutcomeEscalated
	}

	var err error
	if charge != nil && charge.Status == gateway.ChargeCompleted {
		s.logger.InfoContext(ctx, "Charge already completed at gateway", "chargeId", charge.ID)
		err = s.machine.MarkCompleted(ctx, p)
	} else {
		err = s.machine.Complete(ctx, p)
	}

	outcome := s.outcome(ctx, err)
	if outcome == OutcomeFailed && s.opts.EscalateAfter > 0 && now.Sub(p.UpdatedAt) > s.opts.EscalateAfter {
		s.escalate(ctx, p, "payment still not completed", "confirmedFor", now.Sub(p.UpdatedAt).String())
		return OutcomeEscalated
	}
	return outcome
}

func (s *Scheduler) lookupCharge(ctx context.Context, p *payment.Payment, charges []gateway.Charge) *gateway.Charge {
	for i := range charges {
		if charges[i].ID == p.GatewayRef() {
			return &charges[i]
		}
	}

	charge, err := s.gateway.GetCharge(ctx, p.GatewayRef())
	if err != nil {
		s.logger.WarnContext(ctx, "Error looking up charge", "chargeId", p.GatewayRef(), "kind", gateway.KindOf(err).String(), "error", err)
		return nil
	}
	return charge
}

func (s *Scheduler) outcome(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeResolved
	case errors.Is(err, payment.ErrStaleTransition):
		s.logger.InfoContext(ctx, "Payment already moved on, nothing to do")
		return OutcomeSkipped
	default:
		s.logger.ErrorContext(ctx, "Error reconciling payment", "error", err)
		return OutcomeFailed
	}
}

func (s *Scheduler) escalate(ctx context.Context, p *payment.Payment, reason string, args ...any) {
	escalationsCounter.Inc()
	args = append([]any{"reason", reason, "chargeId", p.GatewayRef()}, args...)
	s.logger.ErrorContext(ctx, "Payment needs operator attention", args...)
}
