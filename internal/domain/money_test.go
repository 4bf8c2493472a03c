package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRound2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "1.005", want: "1.01"},
		{in: "1.004", want: "1"},
		{in: "-1.005", want: "-1.01"},
		{in: "37.5", want: "37.5"},
		{in: "0.125", want: "0.13"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got := Round2(decimal.RequireFromString(tc.in))
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("Round2(%s) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ToMinorUnits(MustMoney("37.50")); got != 3750 {
		t.Fatalf("ToMinorUnits = %d, want 3750", got)
	}
	if got := FromMinorUnits(1999); !got.Equal(MustMoney("19.99")) {
		t.Fatalf("FromMinorUnits = %s, want 19.99", got)
	}
}

func TestParseMoneyRejectsGarbage(t *testing.T) {
	if _, err := ParseMoney("ten dollars"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
