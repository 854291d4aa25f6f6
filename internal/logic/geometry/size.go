package geometry

import (
	"math"

	"github.com/cjeanneret/camkit/internal/camera"
)

// aspectTolerance is how far two aspect ratios may differ and still match.
const aspectTolerance = 0.02

// AspectRatio returns width/height, or 0 for an empty size.
func AspectRatio(s camera.Size) float64 {
	if s.IsZero() {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// ChoosePreviewSize picks the stream size for a surface of the given size.
// Candidates with the aspect ratio closest to the target win; among them the
// smallest one covering the target is preferred, otherwise the largest.
// Both arguments must be expressed in the same (sensor) orientation.
func ChoosePreviewSize(candidates []camera.Size, target camera.Size) camera.Size {
	if len(candidates) == 0 {
		return target
	}
	if target.IsZero() {
		return largest(candidates)
	}

	want := AspectRatio(target)
	bestDiff := math.MaxFloat64
	for _, c := range candidates {
		if d := math.Abs(AspectRatio(c) - want); d < bestDiff {
			bestDiff = d
		}
	}

	var matching []camera.Size
	for _, c := range candidates {
		if math.Abs(AspectRatio(c)-want) <= bestDiff+aspectTolerance {
			matching = append(matching, c)
		}
	}

	var cover camera.Size
	for _, c := range matching {
		if c.Width >= target.Width && c.Height >= target.Height {
			if cover.IsZero() || c.Area() < cover.Area() {
				cover = c
			}
		}
	}
	if !cover.IsZero() {
		return cover
	}
	return largest(matching)
}

func largest(sizes []camera.Size) camera.Size {
	var best camera.Size
	for _, s := range sizes {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best
}
