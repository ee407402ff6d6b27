// Package quota tracks consumption of the paid imagery and vision budgets.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

type Budget string

const (
	BudgetImagery Budget = "imagery" // processing units per UTC calendar month
	BudgetVision  Budget = "vision"  // vision calls per UTC day
)

const (
	StateOK      = "ok"
	StateWarning = "quota_warning"
)

type BudgetStatus struct {
	Budget      Budget  `json:"budget"`
	Period      string  `json:"period"`
	Used        int     `json:"used"`
	HardLimit   int     `json:"hard_limit"`
	SafeLimit   int     `json:"safe_limit"`
	PercentUsed float64 `json:"percent_used"`
	Status      string  `json:"status"`
}

type Status struct {
	Imagery BudgetStatus `json:"imagery"`
	Vision  BudgetStatus `json:"vision"`
}

type limits struct {
	hard, safe int
}

type Guard struct {
	ledger repository.QuotaLedger
	limits map[Budget]limits
	now    func() time.Time
}

func NewGuard(ledger repository.QuotaLedger, cfg config.QuotaConfig) *Guard {
	return &Guard{
		ledger: ledger,
		limits: map[Budget]limits{
			BudgetImagery: {hard: cfg.ImageryMonthlyLimit, safe: cfg.ImagerySafeLimit},
			BudgetVision:  {hard: cfg.VisionDailyLimit, safe: cfg.VisionSafeLimit},
		},
		now: time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// PeriodKey returns the ledger key of the period containing t.
func PeriodKey(b Budget, t time.Time) string {
	t = t.UTC()
	if b == BudgetVision {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// Allow reports whether the budget is still below its safe limit for the current period.
func (g *Guard) Allow(ctx context.Context, b Budget) (bool, error) {
	lim, ok := g.limits[b]
	if !ok {
		return false, fmt.Errorf("unknown budget %q", b)
	}
	used, err := g.used(ctx, b, PeriodKey(b, g.now()))
	if err != nil {
		return false, fmt.Errorf("read %s quota: %w", b, err)
	}
	return used < lim.safe, nil
}

// Record charges amount against the current period. Recorded usage is never rolled back.
func (g *Guard) Record(ctx context.Context, b Budget, amount int) error {
	if amount <= 0 {
		return nil
	}
	now := g.now()
	key := PeriodKey(b, now)

	var err error
	switch b {
	case BudgetImagery:
		err = g.ledger.RecordImageryUsage(ctx, key, amount, now)
	case BudgetVision:
		err = g.ledger.IncrementVisionUsage(ctx, key, amount, now)
	default:
		return fmt.Errorf("unknown budget %q", b)
	}
	if err != nil {
		return fmt.Errorf("record %s quota: %w", b, err)
	}
	return nil
}

func (g *Guard) Status(ctx context.Context) (*Status, error) {
	imagery, err := g.budgetStatus(ctx, BudgetImagery)
	if err != nil {
		return nil, err
	}
	vision, err := g.budgetStatus(ctx, BudgetVision)
	if err != nil {
		return nil, err
	}
	return &Status{Imagery: imagery, Vision: vision}, nil
}

func (g *Guard) budgetStatus(ctx context.Context, b Budget) (BudgetStatus, error) {
	lim := g.limits[b]
	key := PeriodKey(b, g.now())
	used, err := g.used(ctx, b, key)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("read %s quota: %w", b, err)
	}

	pct := 0.0
	if lim.hard > 0 {
		pct = math.Round(float64(used)/float64(lim.hard)*1000) / 10
	}
	state := StateOK
	if used >= lim.safe {
		state = StateWarning
	}

	metrics.QuotaUsed.WithLabelValues(string(b)).Set(float64(used))
	metrics.QuotaUsedPercent.WithLabelValues(string(b)).Set(pct)

	return BudgetStatus{
		Budget:      b,
		Period:      key,
		Used:        used,
		HardLimit:   lim.hard,
		SafeLimit:   lim.safe,
		PercentUsed: pct,
		Status:      state,
	}, nil
}

func (g *Guard) used(ctx context.Context, b Budget, key string) (int, error) {
	if b == BudgetVision {
		return g.ledger.VisionUsage(ctx, key)
	}
	return g.ledger.ImageryUsage(ctx, key)
}
