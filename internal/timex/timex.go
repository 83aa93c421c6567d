// Package timex provides the platform's common clock and cron
// expression matching. Time is sourced from the shared store so every
// process sees the same instant regardless of local clock drift.
package timex

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dataflux-func/dataflux-func/pkg/database"
)

// Source yields the shared clock.
type Source struct {
	redis *database.Redis
}

func NewSource(redis *database.Redis) *Source {
	return &Source{redis: redis}
}

// Now returns seconds since epoch with millisecond precision, read
// from the shared store.
func (s *Source) Now(ctx context.Context) (float64, error) {
	return s.redis.Timestamp(ctx)
}

// NextWholeSecond returns the ceiling of the shared clock, the instant
// Beat aligns its ticks to.
func (s *Source) NextWholeSecond(ctx context.Context) (int64, float64, error) {
	now, err := s.redis.Timestamp(ctx)
	if err != nil {
		return 0, 0, err
	}
	return int64(math.Ceil(now)), now, nil
}

// 5-field (minute-resolution) and 6-field (second-resolution) parsers.
var (
	parser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parser6 = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

func parse(expr string) (cron.Schedule, int, error) {
	fields := len(strings.Fields(expr))
	if fields == 6 {
		sched, err := parser6.Parse(expr)
		return sched, 6, err
	}
	sched, err := parser5.Parse(expr)
	return sched, 5, err
}

// IsValidCronExpr reports whether expr parses as a 5- or 6-field cron
// expression.
func IsValidCronExpr(expr string) bool {
	if expr == "" {
		return false
	}
	_, _, err := parse(expr)
	return err == nil
}

// IsFiveFieldCronExpr reports whether expr is a valid expression
// without a seconds part.
func IsFiveFieldCronExpr(expr string) bool {
	if expr == "" || len(strings.Fields(expr)) != 5 {
		return false
	}
	_, err := parser5.Parse(expr)
	return err == nil
}

// MatchCronExpr reports whether the instant t (unix seconds) fires
// under expr in the given time zone. A 5-field expression only fires
// at second zero of the matching minute.
func MatchCronExpr(expr string, t int64, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}

	sched, fields, err := parse(expr)
	if err != nil {
		return false
	}

	instant := time.Unix(t, 0).In(loc)
	if fields == 5 && instant.Second() != 0 {
		return false
	}

	// Schedule.Next is strictly-after, so step back one interval unit
	// and check the next fire lands exactly on the instant.
	prev := instant.Add(-time.Second)
	return sched.Next(prev).Equal(instant)
}
