package fees

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

func TestSchedule_ForTrade(t *testing.T) {
	tests := []struct {
		name  string
		s     Schedule
		quote int64
		want  int64
	}{
		{"default", Default, 48_987_098, 48_987},
		{"rounds down", Default, 999, 0},
		{"zero fee", Schedule{0, 1}, 48_987_098, 0},
		{"five bps", Schedule{5, 10_000}, 10_000_000, 5_000},
		{"sign ignored", Default, -2_000_000, 2_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.s.ForTrade(fixed.NewQuote(tt.quote))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(fixed.NewQuote(tt.want)) {
				t.Errorf("expected %d, got %s", tt.want, got)
			}
		})
	}
}

func TestSchedule_Validate(t *testing.T) {
	for _, s := range []Schedule{{1, 0}, {-1, 10}, {10, 10}, {11, 10}} {
		if err := s.Validate(); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("%s: expected ErrInvalidSchedule, got %v", s, err)
		}
		if _, err := s.ForTrade(fixed.NewQuote(1)); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("%s: expected ForTrade to reject the schedule, got %v", s, err)
		}
	}
}

func TestCollect(t *testing.T) {
	m := model.Market{Index: 1, TotalFee: fixed.NewQuote(100), TotalFeeMinusDistributions: fixed.NewQuote(40)}
	got, err := Collect(m, fixed.NewQuote(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.TotalFee.Equal(fixed.NewQuote(125)) || !got.TotalFeeMinusDistributions.Equal(fixed.NewQuote(65)) {
		t.Errorf("expected 125/65, got %s/%s", got.TotalFee, got.TotalFeeMinusDistributions)
	}
	if !m.TotalFee.Equal(fixed.NewQuote(100)) {
		t.Error("Collect mutated its input")
	}
}
