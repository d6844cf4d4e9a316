package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuction_MeetsMinimum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		price     float64
		increment float64
		amount    float64
		want      bool
	}{
		{name: "integral_exact", price: 100, increment: 10, amount: 110, want: true},
		{name: "integral_below", price: 100, increment: 10, amount: 109.99, want: false},
		{name: "fractional_exact", price: 1.10, increment: 2.20, amount: 3.30, want: true},
		{name: "fractional_one_cent_below", price: 1.10, increment: 2.20, amount: 3.29, want: false},
		{name: "fractional_exact_tenths", price: 0.1, increment: 0.2, amount: 0.3, want: true},
		{name: "above", price: 19.99, increment: 0.01, amount: 25, want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a := Auction{CurrentPrice: tc.price, BidIncrement: tc.increment}
			require.Equal(t, tc.want, a.MeetsMinimum(tc.amount))
		})
	}
}

func TestAuction_MinimumNextBidIsCentExact(t *testing.T) {
	t.Parallel()

	a := Auction{CurrentPrice: 1.10, BidIncrement: 2.20}
	require.Equal(t, 3.30, a.MinimumNextBid())
	require.True(t, a.AtOrBelowPrice(1.10))
	require.False(t, a.AtOrBelowPrice(1.11))
}

func TestIsWholeCents(t *testing.T) {
	t.Parallel()

	require.True(t, IsWholeCents(3.30))
	require.True(t, IsWholeCents(0.07))
	require.True(t, IsWholeCents(100))
	require.False(t, IsWholeCents(0.005))
	require.False(t, IsWholeCents(110.005))
}

func TestValidAuctionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{id: "auction1", want: true},
		{id: "lot_42-b", want: true},
		{id: "", want: false},
		{id: "a.b", want: false},
		{id: "a b", want: false},
		{id: "a>", want: false},
		{id: "a:b", want: false},
		{id: strings.Repeat("x", 129), want: false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ValidAuctionID(tc.id), "id %q", tc.id)
	}
}
