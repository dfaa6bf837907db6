package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *float64
	}{
		{in: "4,9", want: ptr(4.9)},
		{in: "5", want: ptr(5)},
		{in: " 3.25 ", want: ptr(3.25)},
		{in: "", want: nil},
		{in: "n/a", want: nil},
	}
	for _, tt := range tests {
		got := ParseRating(tt.in)
		if tt.want == nil {
			require.Nil(t, got, tt.in)
			continue
		}
		require.NotNil(t, got, tt.in)
		require.InDelta(t, *tt.want, *got, 1e-9, tt.in)
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	p := ParsePrice("569 RUB", "")
	require.NotNil(t, p)
	require.InDelta(t, 569.0, p.Amount, 1e-9)
	require.Equal(t, "RUB", p.Currency)

	p = ParsePrice("1234.50", "usd")
	require.NotNil(t, p)
	require.InDelta(t, 1234.5, p.Amount, 1e-9)
	require.Equal(t, "USD", p.Currency)

	p = ParsePrice("99", "")
	require.NotNil(t, p)
	require.Empty(t, p.Currency)

	require.Nil(t, ParsePrice("Free", ""))
	require.Nil(t, ParsePrice("", "RUB"))
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"b", "a"}, dedupe([]string{" b", "a", "b ", "", "a"}))
	require.Equal(t, []string{}, dedupe(nil))
}

func ptr(v float64) *float64 { return &v }
