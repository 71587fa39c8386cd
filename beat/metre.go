package beat

import (
	"fmt"
	"math"
)

// positionsFromPhase numbers n beats cyclically in 1..timeSignature, so that
// beat k has position ((k + phase) mod timeSignature) + 1.
func positionsFromPhase(n, timeSignature, phase int) []int {
	out := make([]int, n)
	for k := range out {
		out[k] = (k+phase)%timeSignature + 1
	}
	return out
}

// choosePhase picks the bar phase whose downbeats collect the highest mean
// accent. Ties go to the smallest phase.
func choosePhase(frames []int, accent []float64, timeSignature int) int {
	if timeSignature <= 1 || len(accent) == 0 {
		return 0
	}
	best, bestScore := 0, math.Inf(-1)
	for phase := 0; phase < timeSignature; phase++ {
		var sum float64
		var n int
		for k, f := range frames {
			if (k+phase)%timeSignature != 0 || f >= len(accent) {
				continue
			}
			sum += accent[f]
			n++
		}
		if n == 0 {
			continue
		}
		if s := sum / float64(n); s > bestScore {
			best, bestScore = phase, s
		}
	}
	return best
}

// MetreFromDownbeat numbers beats from a single annotated downbeat: the beat
// closest to firstDownbeat gets position 1, later beats count up and earlier
// beats count down cyclically from timeSignature.
func MetreFromDownbeat(beats []float64, timeSignature int, firstDownbeat float64) []int {
	if len(beats) == 0 || timeSignature < 1 {
		return nil
	}
	idx := 0
	for i, b := range beats {
		if math.Abs(b-firstDownbeat) < math.Abs(beats[idx]-firstDownbeat) {
			idx = i
		}
	}
	out := make([]int, len(beats))
	for i := range beats {
		k := (i - idx) % timeSignature
		if k < 0 {
			k += timeSignature
		}
		out[i] = k + 1
	}
	return out
}

// ExtractDownbeats returns the beats at metric position 1.
func ExtractDownbeats(beats []float64, positions []int) []float64 {
	var out []float64
	for i, p := range positions {
		if p == 1 && i < len(beats) {
			out = append(out, beats[i])
		}
	}
	return out
}

// CompareMetre returns a warning when two numberings of the same beats
// disagree, or "" when they match.
func CompareMetre(automatic, manual []int) string {
	if len(automatic) != len(manual) {
		return fmt.Sprintf("metre length mismatch: tracked %d beats, annotated %d", len(automatic), len(manual))
	}
	diff := 0
	for i := range automatic {
		if automatic[i] != manual[i] {
			diff++
		}
	}
	if diff == 0 {
		return ""
	}
	return fmt.Sprintf("tracked metre disagrees with annotated downbeat on %d of %d beats", diff, len(automatic))
}
