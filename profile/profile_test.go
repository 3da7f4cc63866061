package profile

import (
	"errors"
	"testing"
)

func rampProfile(t *testing.T) *Profile {
	t.Helper()
	p, err := New("p1", "Ramp", []Point{
		{Time: 60, Temperature: 150, Power: 50},
		{Time: 120, Temperature: 180, Power: 60},
		{Time: 180, Temperature: 220, Power: 70},
		{Time: 240, Temperature: 100, Power: 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresPoints(t *testing.T) {
	if _, err := New("p", "Empty", nil); !errors.Is(err, ErrNoPoints) {
		t.Fatalf("err = %v, want ErrNoPoints", err)
	}
}

func TestNewSortsPoints(t *testing.T) {
	p, err := New("p", "Unsorted", []Point{
		{Time: 120, Temperature: 180},
		{Time: 60, Temperature: 150},
	})
	if err != nil {
		t.Fatal(err)
	}
	points := p.Points()
	if points[0].Time != 60 || points[1].Time != 120 {
		t.Errorf("points not sorted: %v", points)
	}
	if p.Duration() != 120 {
		t.Errorf("Duration = %v, want 120", p.Duration())
	}
}

func TestTargetTemperature(t *testing.T) {
	p := rampProfile(t)

	tests := []struct {
		name string
		t    float64
		want float64
	}{
		{"implicit origin", 0, 0},
		{"first segment midpoint", 30, 75},
		{"exact point", 60, 150},
		{"between points", 90, 165},
		{"cooling segment", 210, 160},
		{"last point", 240, 100},
		{"beyond duration holds", 300, 100},
		{"fractional second", 1, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.TargetTemperature(tt.t); got != tt.want {
				t.Errorf("TargetTemperature(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestTargetTemperatureRounding(t *testing.T) {
	p, err := New("p", "Thirds", []Point{{Time: 3, Temperature: 10}})
	if err != nil {
		t.Fatal(err)
	}
	// 10/3 interpolated at t=1 is 3.333..., rounded to two decimals
	if got := p.TargetTemperature(1); got != 3.33 {
		t.Errorf("TargetTemperature(1) = %v, want 3.33", got)
	}
}

func TestPointsReturnsCopy(t *testing.T) {
	p := rampProfile(t)
	points := p.Points()
	points[0].Temperature = 999
	if p.Points()[0].Temperature == 999 {
		t.Error("Points must return a copy, not the backing slice")
	}
}

func TestCurve(t *testing.T) {
	p, err := New("p", "Line", []Point{{Time: 4, Temperature: 8}})
	if err != nil {
		t.Fatal(err)
	}
	curve := p.Curve(2)
	want := []Point{{Time: 0, Temperature: 0}, {Time: 2, Temperature: 4}, {Time: 4, Temperature: 8}}
	if len(curve) != len(want) {
		t.Fatalf("curve = %v, want %v", curve, want)
	}
	for i := range want {
		if curve[i].Time != want[i].Time || curve[i].Temperature != want[i].Temperature {
			t.Errorf("curve[%d] = %v, want %v", i, curve[i], want[i])
		}
	}

	// a non-positive step falls back to one-second sampling
	if got := len(p.Curve(0)); got != 5 {
		t.Errorf("Curve(0) samples = %d, want 5", got)
	}
}
