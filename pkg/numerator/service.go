// Package numerator issues human-readable document numbers from the
// sys_sequences table, one sequence per tenant and key.
package numerator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Strategy defines how numbers are drawn from the database.
type Strategy int

const (
	// StrategyStrict increments the sequence once per number. No gaps.
	StrategyStrict Strategy = iota

	// StrategyCached reserves RangeSize numbers at a time and hands them out
	// from memory. A restart leaves a gap.
	StrategyCached
)

// Querier is satisfied by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config describes the number format.
type Config struct {
	// Prefix starts every number, e.g. "SO".
	Prefix string
	// IncludeYear renders PREFIX-YYYY-NNNNN.
	IncludeYear bool
	// PadWidth is the minimum width of the counter (default 5).
	PadWidth int
	// ResetPeriod is "year", "month" or "never".
	ResetPeriod string

	Strategy  Strategy
	RangeSize int64
}

// DefaultConfig returns a yearly strict sequence: PREFIX-2026-00001.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:      prefix,
		IncludeYear: true,
		PadWidth:    5,
		ResetPeriod: "year",
		Strategy:    StrategyStrict,
		RangeSize:   50,
	}
}

type cachedRange struct {
	current int64
	max     int64
}

// Service issues numbers for one document kind. Numbers are drawn outside
// business transactions so a rolled-back document does not hold the row lock.
type Service struct {
	querier Querier
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	ranges map[string]*cachedRange // tenant:key
}

// New creates a numbering service.
func New(querier Querier, cfg Config) *Service {
	if cfg.PadWidth <= 0 {
		cfg.PadWidth = 5
	}
	if cfg.RangeSize <= 0 {
		cfg.RangeSize = 50
	}
	return &Service{
		querier: querier,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		ranges:  make(map[string]*cachedRange),
	}
}

// Next returns the tenant's next number.
func (s *Service) Next(ctx context.Context, tenantID string) (string, error) {
	period := s.now()
	key := s.buildKey(period)

	var (
		num int64
		err error
	)
	switch s.cfg.Strategy {
	case StrategyCached:
		num, err = s.nextCached(ctx, tenantID, key)
	default:
		num, err = s.reserve(ctx, tenantID, key, 1)
	}
	if err != nil {
		return "", err
	}
	return s.format(period, num), nil
}

// reserve bumps the sequence by n and returns the new last value.
func (s *Service) reserve(ctx context.Context, tenantID, key string, n int64) (int64, error) {
	var last int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (tenant_id, key, current_val, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE
		SET current_val = sys_sequences.current_val + EXCLUDED.current_val, updated_at = NOW()
		RETURNING current_val
	`, tenantID, key, n).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("next %s number: %w", key, err)
	}
	return last, nil
}

func (s *Service) nextCached(ctx context.Context, tenantID, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := tenantID + ":" + key
	rng, ok := s.ranges[cacheKey]
	if !ok {
		rng = &cachedRange{}
		s.ranges[cacheKey] = rng
	}
	if rng.current >= rng.max {
		last, err := s.reserve(ctx, tenantID, key, s.cfg.RangeSize)
		if err != nil {
			return 0, err
		}
		rng.current = last - s.cfg.RangeSize
		rng.max = last
	}
	rng.current++
	return rng.current, nil
}

// SetNext makes the next issued number value+1. Cached ranges are dropped.
func (s *Service) SetNext(ctx context.Context, tenantID string, value int64) error {
	key := s.buildKey(s.now())
	var stored int64
	err := s.querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (tenant_id, key, current_val, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE SET current_val = EXCLUDED.current_val, updated_at = NOW()
		RETURNING current_val
	`, tenantID, key, value).Scan(&stored)
	if err != nil {
		return fmt.Errorf("set %s number: %w", key, err)
	}

	s.mu.Lock()
	delete(s.ranges, tenantID+":"+key)
	s.mu.Unlock()
	return nil
}

func (s *Service) buildKey(period time.Time) string {
	switch s.cfg.ResetPeriod {
	case "month":
		return fmt.Sprintf("%s_%s", s.cfg.Prefix, period.Format("2006_01"))
	case "year":
		return fmt.Sprintf("%s_%s", s.cfg.Prefix, period.Format("2006"))
	default:
		return s.cfg.Prefix
	}
}

func (s *Service) format(period time.Time, num int64) string {
	if s.cfg.IncludeYear {
		return fmt.Sprintf("%s-%s-%0*d", s.cfg.Prefix, period.Format("2006"), s.cfg.PadWidth, num)
	}
	return fmt.Sprintf("%s-%0*d", s.cfg.Prefix, s.cfg.PadWidth, num)
}
