package controller

import (
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
)

// Point is a position in engine world coordinates. Y is height.
type Point struct {
	X float64 `mapstructure:"x" json:"x"`
	Y float64 `mapstructure:"y" json:"y"`
	Z float64 `mapstructure:"z" json:"z"`
}

// PointFromMap reads a point from event metadata such as
// {"x": 1.5, "y": 0.9, "z": -2}. Missing coordinates are zero.
func PointFromMap(m map[string]any) (Point, error) {
	var p Point
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Point{}, err
	}
	if err := decoder.Decode(m); err != nil {
		return Point{}, fmt.Errorf("invalid point: %w", err)
	}
	return p, nil
}

// Distance is the planar distance between a and b over x and z.
func Distance(a, b Point) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// KeyForPoint buckets a position onto a 0.1 grid, e.g. "2.6 -3.4".
func KeyForPoint(x, z float64) string {
	return fmt.Sprintf("%.1f %.1f", x, z)
}
