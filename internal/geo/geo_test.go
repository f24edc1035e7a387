package geo

import (
	"math"
	"testing"
)

func TestDistanceKnownPairs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		a, b      Coordinate
		want      float64 // meters
		tolerance float64
	}{
		{
			name: "same point",
			a:    Coordinate{52.52, 13.405},
			b:    Coordinate{52.52, 13.405},
			want: 0, tolerance: 0.001,
		},
		{
			name: "one degree latitude",
			a:    Coordinate{0, 0},
			b:    Coordinate{1, 0},
			want: 111195, tolerance: 100,
		},
		{
			name: "berlin tv tower to brandenburg gate",
			a:    Coordinate{52.520817, 13.409419},
			b:    Coordinate{52.516275, 13.377704},
			want: 2163, tolerance: 30,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Fatalf("Distance = %.1f m, want %.1f ± %.1f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestDistanceSymmetry(t *testing.T) {
	t.Parallel()
	a := Coordinate{48.1371, 11.5754}
	b := Coordinate{48.3538, 11.7861}
	if d1, d2 := Distance(a, b), Distance(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Fatalf("asymmetric distance: %f vs %f", d1, d2)
	}
}

func TestRegionContains(t *testing.T) {
	t.Parallel()
	r := Region{ID: "r1", Center: Coordinate{52.52, 13.405}, RadiusMeters: 500}
	if !r.Contains(Coordinate{52.52, 13.405}) {
		t.Fatal("center must be inside")
	}
	if !r.Contains(Coordinate{52.5235, 13.405}) { // ~390 m north
		t.Fatal("point within radius must be inside")
	}
	if r.Contains(Coordinate{52.53, 13.405}) { // ~1.1 km north
		t.Fatal("point beyond radius must be outside")
	}
}
