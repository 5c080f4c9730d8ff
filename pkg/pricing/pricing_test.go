package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRound(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact", "1.23", "1.23"},
		{"half up", "0.000005", "0.00001"},
		{"truncates below half", "0.000004", "0"},
		{"negative", "-2.345678", "-2.34568"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Round(decimal.RequireFromString(tt.in))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestRoundCharge_FloorsTinyPositiveCosts(t *testing.T) {
	tiny := decimal.RequireFromString("0.000001")
	assert.True(t, RoundCharge(tiny).Equal(MinCharge))

	// zero stays zero, only positive sub-precision amounts get floored
	assert.True(t, RoundCharge(decimal.Zero).IsZero())
	assert.True(t, RoundCharge(decimal.RequireFromString("0.5")).Equal(decimal.RequireFromString("0.5")))
}

func TestWithPlatformFee(t *testing.T) {
	got := WithPlatformFee(decimal.RequireFromString("10"))
	assert.True(t, got.Equal(decimal.RequireFromString("12")), "got %s", got)
}

func TestCatalog_OrderAndLowestTier(t *testing.T) {
	c := NewCatalog(nil)

	lowest := c.LowestTier()
	assert.Equal(t, "free", lowest.ID)

	all := c.All()
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Price().LessThan(all[i-1].Price()),
			"catalog not sorted at %d: %s < %s", i, all[i].ID, all[i-1].ID)
	}

	assert.Equal(t, "pro", c.Get("pro").ID)
	assert.Nil(t, c.Get("nope"))
}

func TestCatalog_ConfigOverride(t *testing.T) {
	c := NewCatalog([]*Plan{
		{ID: "team", Name: "Team", MonthlyPrice: "49.5", MonthlyCredits: 1000},
		{ID: "solo", Name: "Solo", MonthlyPrice: "9", MonthlyCredits: 100},
	})
	assert.Equal(t, "solo", c.LowestTier().ID)
	assert.True(t, c.Get("team").Price().Equal(decimal.RequireFromString("49.5")))
	assert.True(t, c.Get("solo").Credits().Equal(decimal.NewFromInt(100)))
}
