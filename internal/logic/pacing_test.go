package logic

import (
	"testing"

	"github.com/patrickwarner/adeligibility/internal/models"
)

func rates(ads []models.CreativeAd) []float64 {
	out := make([]float64, 0, len(ads))
	for _, ad := range ads {
		out = append(out, ad.PassThroughRate)
	}
	return out
}

func TestPaceSharedDraw(t *testing.T) {
	ads := []models.CreativeAd{
		{CreativeInstanceID: "a", PassThroughRate: 0.1},
		{CreativeInstanceID: "b", PassThroughRate: 0.5},
	}
	got := Pace(ads, 0.3)
	if len(got) != 1 || got[0].CreativeInstanceID != "b" {
		t.Fatalf("expected only b to survive draw 0.3, got %+v", got)
	}
}

func TestPaceBoundaries(t *testing.T) {
	ads := []models.CreativeAd{
		{CreativeInstanceID: "never", PassThroughRate: 0},
		{CreativeInstanceID: "always", PassThroughRate: 1},
		{CreativeInstanceID: "half", PassThroughRate: 0.5},
	}

	cases := []struct {
		draw float64
		want []float64
	}{
		{draw: 0, want: []float64{1, 0.5}},
		{draw: 0.5, want: []float64{1}},
		{draw: 0.4999, want: []float64{1, 0.5}},
		{draw: 0.999999, want: []float64{1}},
	}
	for _, tc := range cases {
		got := rates(Pace(ads, tc.draw))
		if len(got) != len(tc.want) {
			t.Fatalf("draw %v: expected %v, got %v", tc.draw, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("draw %v: expected %v, got %v", tc.draw, tc.want, got)
			}
		}
	}
}

func TestPaceExcludesRatesAtOrBelowDraw(t *testing.T) {
	ads := make([]models.CreativeAd, 0, 11)
	for i := 0; i <= 10; i++ {
		ads = append(ads, models.CreativeAd{PassThroughRate: float64(i) / 10})
	}
	for _, r := range []float64{0, 0.05, 0.3, 0.7, 0.95} {
		for _, ad := range Pace(ads, r) {
			if ad.PassThroughRate <= r {
				t.Errorf("draw %v admitted rate %v", r, ad.PassThroughRate)
			}
		}
	}
}

func TestPacerSeededIsReproducible(t *testing.T) {
	a := NewPacer(42)
	b := NewPacer(42)
	for i := 0; i < 100; i++ {
		ra, rb := a.Draw(), b.Draw()
		if ra != rb {
			t.Fatalf("draw %d differs: %v vs %v", i, ra, rb)
		}
		if ra < 0 || ra >= 1 {
			t.Fatalf("draw %v outside [0,1)", ra)
		}
	}
}

func TestPacerUsesOneDrawPerCall(t *testing.T) {
	ads := []models.CreativeAd{
		{CreativeInstanceID: "a", PassThroughRate: 0.25},
		{CreativeInstanceID: "b", PassThroughRate: 0.5},
		{CreativeInstanceID: "c", PassThroughRate: 0.75},
	}
	p := NewPacer(7)
	ref := NewPacer(7)
	for i := 0; i < 50; i++ {
		got, r := p.Pace(ads)
		want := Pace(ads, ref.Draw())
		if r < 0 || r >= 1 {
			t.Fatalf("draw %v outside [0,1)", r)
		}
		if len(got) != len(want) {
			t.Fatalf("iteration %d: expected %d survivors, got %d", i, len(want), len(got))
		}
	}
}
