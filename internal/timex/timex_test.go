package timex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsValidCronExpr(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{"* * * * *", true},
		{"*/5 * * * *", true},
		{"* * * * * *", true},
		{"*/2 * * * * *", true},
		{"0 0 * * 1-5", true},
		{"", false},
		{"not a cron", false},
		{"61 * * * *", false},
		{"* * * *", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidCronExpr(tt.expr))
		})
	}
}

func TestIsFiveFieldCronExpr(t *testing.T) {
	assert.True(t, IsFiveFieldCronExpr("*/5 * * * *"))
	assert.False(t, IsFiveFieldCronExpr("* * * * * *"))
	assert.False(t, IsFiveFieldCronExpr("bogus"))
}

func TestMatchCronExprSeconds(t *testing.T) {
	// */2 on the seconds field fires on even seconds.
	assert.True(t, MatchCronExpr("*/2 * * * * *", 10, time.UTC))
	assert.False(t, MatchCronExpr("*/2 * * * * *", 11, time.UTC))
	assert.True(t, MatchCronExpr("*/2 * * * * *", 12, time.UTC))

	// */5 fires at 15, 20, 25 but not 12, 14.
	for _, ts := range []int64{15, 20, 25} {
		assert.True(t, MatchCronExpr("*/5 * * * * *", ts, time.UTC), "t=%d", ts)
	}
	for _, ts := range []int64{12, 14} {
		assert.False(t, MatchCronExpr("*/5 * * * * *", ts, time.UTC), "t=%d", ts)
	}
}

func TestMatchCronExprFiveField(t *testing.T) {
	// A 5-field expression only fires at second zero of a matching
	// minute.
	onTheMinute := time.Date(2026, 8, 2, 15, 5, 0, 0, time.UTC).Unix()
	assert.True(t, MatchCronExpr("*/5 * * * *", onTheMinute, time.UTC))
	assert.False(t, MatchCronExpr("*/5 * * * *", onTheMinute+1, time.UTC))

	offMinute := time.Date(2026, 8, 2, 15, 7, 0, 0, time.UTC).Unix()
	assert.False(t, MatchCronExpr("*/5 * * * *", offMinute, time.UTC))
}

func TestMatchCronExprTimezone(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	assert.NoError(t, err)

	// 16:00 UTC == 00:00 next day in Shanghai (+8).
	utcMidnightInShanghai := time.Date(2026, 8, 2, 16, 0, 0, 0, time.UTC).Unix()
	assert.True(t, MatchCronExpr("0 0 * * *", utcMidnightInShanghai, shanghai))
	assert.False(t, MatchCronExpr("0 0 * * *", utcMidnightInShanghai, time.UTC))
}

func TestMatchInvalidExpr(t *testing.T) {
	assert.False(t, MatchCronExpr("bogus", 10, time.UTC))
}
