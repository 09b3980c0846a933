package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSompi(t *testing.T) {
	cases := []struct {
		kas  string
		want int64
	}{
		{"1", 100_000_000},
		{"1000", 100_000_000_000},
		{"0.00000001", 1},
		{"12.34567891", 1_234_567_891},
		{"0.1", 10_000_000},
	}
	for _, tc := range cases {
		t.Run(tc.kas, func(t *testing.T) {
			assert.Equal(t, tc.want, ToSompi(decimal.RequireFromString(tc.kas)))
		})
	}
}

func TestFromSompiRoundTrip(t *testing.T) {
	kas := FromSompi(1_234_567_891)
	assert.Equal(t, "12.34567891", FormatKAS(kas))
	assert.Equal(t, int64(1_234_567_891), ToSompi(kas))
}

func TestConvertToSettlement(t *testing.T) {
	got, err := ConvertToSettlement(decimal.RequireFromString("100.00000000"), decimal.RequireFromString("0.10"))
	require.NoError(t, err)
	assert.Equal(t, "1000.00000000", FormatKAS(got))
	assert.Equal(t, int64(1000)*SompiPerKAS, ToSompi(got))

	got, err = ConvertToSettlement(decimal.NewFromInt(1), decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "0.33333333", FormatKAS(got))

	_, err = ConvertToSettlement(decimal.NewFromInt(1), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = ConvertToSettlement(decimal.NewFromInt(1), decimal.NewFromInt(-2))
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestParseAmount(t *testing.T) {
	d, err := ParseAmount("25.5")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("25.5")))

	for _, bad := range []string{"", "abc", "0", "-1", "1.123456789"} {
		_, err := ParseAmount(bad)
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency("usd")
	require.NoError(t, err)
	assert.Equal(t, USD, c)
	assert.True(t, c.IsFiat())
	assert.False(t, KAS.IsFiat())

	_, err = ParseCurrency("EUR")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}
