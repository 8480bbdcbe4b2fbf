package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// planCacheTTL bounds how stale the catalog can be. Plan edits are
// rare and never need to take effect mid-request.
const planCacheTTL = time.Minute

// PgPlanSource loads the plan catalog from the plans table, with a
// short TTL cache so quoting does not hit the database on every call.
type PgPlanSource struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	cached   map[Tier]Plan
	loadedAt time.Time
}

// NewPgPlanSource creates a database-backed PlanSource.
func NewPgPlanSource(pool *pgxpool.Pool) (*PgPlanSource, error) {
	if pool == nil {
		return nil, errors.New("subscription: pgx pool is required")
	}
	return &PgPlanSource{pool: pool}, nil
}

// Load returns the active plan catalog keyed by tier.
func (s *PgPlanSource) Load(ctx context.Context) (map[Tier]Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.loadedAt) < planCacheTTL {
		return clonePlans(s.cached), nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tier, intro_price, intro_duration_days, intro_cycles,
		       price_monthly, price_yearly, currency, active
		FROM plans WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	defer rows.Close()

	plans := make(map[Tier]Plan)
	for rows.Next() {
		var p Plan
		if err := rows.Scan(
			&p.Tier, &p.IntroPrice, &p.IntroDurationDays, &p.IntroCycles,
			&p.PriceMonthly, &p.PriceYearly, &p.Currency, &p.Active,
		); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("load plans: %w", err)
		}
		plans[p.Tier] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	if len(plans) == 0 {
		return nil, errors.New("subscription: plan catalog is empty")
	}

	s.cached = plans
	s.loadedAt = time.Now()
	return clonePlans(plans), nil
}

func clonePlans(in map[Tier]Plan) map[Tier]Plan {
	out := make(map[Tier]Plan, len(in))
	for tier, plan := range in {
		out[tier] = plan
	}
	return out
}
