package overview

import (
	"fmt"
	"math"
)

type rgb struct{ r, g, b float64 }

// rdbu is the 11-class ColorBrewer RdBu scheme, red (negative) to blue.
var rdbu = []rgb{
	{103, 0, 31}, {178, 24, 43}, {214, 96, 77}, {244, 165, 130}, {253, 219, 199},
	{247, 247, 247},
	{209, 229, 240}, {146, 197, 222}, {67, 147, 195}, {33, 102, 172}, {5, 48, 97},
}

// greys is the 9-class ColorBrewer Greys scheme, white to black.
var greys = []rgb{
	{255, 255, 255}, {240, 240, 240}, {217, 217, 217}, {189, 189, 189}, {150, 150, 150},
	{115, 115, 115}, {82, 82, 82}, {37, 37, 37}, {0, 0, 0},
}

// interpolate samples a piecewise-linear scheme at t, clamped to [0, 1].
func interpolate(scheme []rgb, t float64) string {
	if math.IsNaN(t) {
		t = 0.5
	}
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(scheme)-1)
	i := int(pos)
	if i >= len(scheme)-1 {
		i = len(scheme) - 2
	}
	f := pos - float64(i)
	a, b := scheme[i], scheme[i+1]
	mix := func(x, y float64) int { return int(math.Round(x + (y-x)*f)) }
	return fmt.Sprintf("#%02x%02x%02x", mix(a.r, b.r), mix(a.g, b.g), mix(a.b, b.b))
}

// RdBu returns the diverging colour at t in [0, 1]; 0.5 is neutral.
func RdBu(t float64) string {
	return interpolate(rdbu, t)
}

// Greys returns the sequential grey at t in [0, 1], 0 being white.
func Greys(t float64) string {
	return interpolate(greys, t)
}
