// Package profile holds the time/temperature/power curves a soldering
// run follows and the on-disk catalog they live in.
package profile

import (
	"errors"
	"math"
	"sort"
)

// ErrNoPoints is returned when a profile is constructed without data
// points. This is a configuration error, not a runtime condition.
var ErrNoPoints = errors.New("profile: at least one data point is required")

// Point is a single entry of a soldering curve.
type Point struct {
	// Time is seconds from the start of the run. Never negative.
	Time float64 `json:"time"`

	// Temperature is the setpoint at Time, in the controller's unit.
	Temperature float64 `json:"temperature"`

	// Power is the heater power in percent.
	Power float64 `json:"power"`
}

// Profile is an immutable soldering curve. Points are sorted ascending
// by time at construction; the sort is stable so a later write for a
// duplicated time wins.
type Profile struct {
	ID   string
	Name string

	points   []Point
	duration float64
}

// New builds a profile from the given points. The input slice is copied
// and sorted; the caller keeps ownership of its slice.
func New(id, name string, points []Point) (*Profile, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Time < cp[j].Time })

	return &Profile{
		ID:       id,
		Name:     name,
		points:   cp,
		duration: cp[len(cp)-1].Time,
	}, nil
}

// Points returns a copy of the sorted data points.
func (p *Profile) Points() []Point {
	cp := make([]Point, len(p.points))
	copy(cp, p.points)
	return cp
}

// Duration is the time of the last point in seconds.
func (p *Profile) Duration() float64 {
	return p.duration
}

// TargetTemperature returns the setpoint at second t, rounded to two
// decimals. Beyond the last point the final temperature is held, not
// extrapolated. Before the first point the curve starts at (0, 0).
func (p *Profile) TargetTemperature(t float64) float64 {
	if t > p.duration {
		return round2(p.points[len(p.points)-1].Temperature)
	}

	prev := Point{}
	for _, pt := range p.points {
		switch {
		case t == pt.Time:
			return round2(pt.Temperature)
		case t < pt.Time:
			gradient := (pt.Temperature - prev.Temperature) / (pt.Time - prev.Time)
			return round2(gradient*(t-prev.Time) + prev.Temperature)
		}
		prev = pt
	}
	// t <= duration and not bracketed can only mean t equals the last
	// point's time with float noise; hold the final temperature.
	return round2(p.points[len(p.points)-1].Temperature)
}

// Curve samples the whole profile at the given step for charting.
func (p *Profile) Curve(step float64) []Point {
	if step <= 0 {
		step = 1
	}
	var out []Point
	for t := 0.0; t <= p.duration; t += step {
		out = append(out, Point{Time: t, Temperature: p.TargetTemperature(t)})
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
