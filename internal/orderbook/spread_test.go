package orderbook

import (
	"testing"

	"depthbook/internal/domain"
)

func TestDecimalPlaces(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"1", 0},
		{"0.1", 1},
		{"0.01", 2},
		{"0.010", 2},
		{"0.0005", 4},
		{"25", 0},
	}
	for _, tt := range tests {
		if got := DecimalPlaces(dec(tt.in)); got != tt.want {
			t.Errorf("DecimalPlaces(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSpread(t *testing.T) {
	bids, asks := BuildDepth(grouped("100", "5", "99", "3"), grouped("101", "4", "102", "2"), OwnPrices{}, DefaultSizePercentFloor)

	spread, pct := Spread(bids, asks, dec("1"))
	if !spread.Equal(dec("1")) {
		t.Errorf("spread = %s, want 1", spread)
	}
	if !pct.Round(2).Equal(dec("0.99")) {
		t.Errorf("spread percentage = %s, want ~0.99", pct)
	}
}

func TestSpread_RoundsToTick(t *testing.T) {
	bids, asks := BuildDepth(grouped("99.999", "1"), grouped("100.0042", "1"), OwnPrices{}, DefaultSizePercentFloor)

	spread, _ := Spread(bids, asks, dec("0.001"))
	if !spread.Equal(dec("0.005")) {
		t.Errorf("spread = %s, want 0.005", spread)
	}
}

func TestSpread_EmptySide(t *testing.T) {
	bids, _ := BuildDepth(grouped("100", "5"), nil, OwnPrices{}, DefaultSizePercentFloor)

	for _, tc := range []struct {
		name       string
		bids, asks []domain.DisplayLevel
	}{
		{"no asks", bids, nil},
		{"no bids", nil, bids},
		{"empty", nil, nil},
	} {
		spread, pct := Spread(tc.bids, tc.asks, dec("0.01"))
		if !spread.IsZero() || !pct.IsZero() {
			t.Errorf("%s: spread=%s pct=%s, want zeros", tc.name, spread, pct)
		}
	}
}

func TestSpread_NeverNegative(t *testing.T) {
	bids, asks := BuildDepth(grouped("101", "1"), grouped("100", "1"), OwnPrices{}, DefaultSizePercentFloor)

	spread, pct := Spread(bids, asks, dec("1"))
	if spread.IsNegative() || pct.IsNegative() {
		t.Errorf("crossed book produced spread=%s pct=%s", spread, pct)
	}
}
