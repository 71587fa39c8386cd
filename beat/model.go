package beat

import (
	"math"

	"github.com/cwbudde/algo-approx"
)

// modelConfig configures one run of the beat decoder.
type modelConfig struct {
	minBPM            float64
	maxBPM            float64
	transitionLambda  float64
	observationLambda float64
	threshold         float64
	correct           bool
}

// intervals converts a tempo range into beat intervals in frames.
func intervals(fps, minBPM, maxBPM float64) []int {
	tauMin := max(int(math.Floor(60*fps/maxBPM)), 1)
	tauMax := max(int(math.Ceil(60*fps/minBPM)), tauMin)
	out := make([]int, 0, tauMax-tauMin+1)
	for tau := tauMin; tau <= tauMax; tau++ {
		out = append(out, tau)
	}
	return out
}

// transitions returns log transition weights trans[prev][next] between beat
// intervals, exp(-lambda*|next/prev - 1|) normalized per previous interval.
func transitions(taus []int, lambda float64) [][]float64 {
	n := len(taus)
	out := make([][]float64, n)
	for j := range out {
		out[j] = make([]float64, n)
		if lambda <= 0 {
			for i := range out[j] {
				out[j][i] = -math.Log(float64(n))
			}
			continue
		}
		var z float64
		for i := range out[j] {
			ratio := math.Abs(float64(taus[i])/float64(taus[j]) - 1)
			z += float64(approx.FastExp(float32(-lambda * ratio)))
		}
		logZ := math.Log(z)
		for i := range out[j] {
			ratio := math.Abs(float64(taus[i])/float64(taus[j]) - 1)
			out[j][i] = -lambda*ratio - logZ
		}
	}
	return out
}

// observation is the log ratio of a frame being a beat against it not being
// one. Larger lambdas make beats cheaper in weak frames.
func observation(a, lambda float64) float64 {
	const eps = 1e-7
	a = math.Min(math.Max(a, eps), 1-eps)
	nonBeat := 1 - a
	if lambda > 1 {
		nonBeat /= lambda - 1
	}
	return math.Log(a) - math.Log(nonBeat)
}

// activeRange returns the first and last frame at or above threshold.
func activeRange(act []float64, threshold float64) (int, int, bool) {
	if len(act) == 0 {
		return 0, 0, false
	}
	if threshold <= 0 {
		return 0, len(act) - 1, true
	}
	start, end := -1, -1
	for i, v := range act {
		if v >= threshold {
			if start < 0 {
				start = i
			}
			end = i
		}
	}
	return start, end, start >= 0
}

// decode finds the most likely beat frames: each beat adds its observation
// score, each inter-beat interval must lie in the tempo range and pays the
// transition weight from the previous interval. The first beat must fall
// within one maximal interval of the active range start, the last within one
// of its end.
func decode(act []float64, fps float64, mc modelConfig) []int {
	start, end, ok := activeRange(act, mc.threshold)
	if !ok {
		return nil
	}
	taus := intervals(fps, mc.minBPM, mc.maxBPM)
	trans := transitions(taus, mc.transitionLambda)
	tauMax := taus[len(taus)-1]
	length := end - start + 1
	nt := len(taus)

	score := make([]float64, length*nt)
	back := make([]int32, length*nt)
	negInf := math.Inf(-1)

	for t := 0; t < length; t++ {
		obs := observation(act[start+t], mc.observationLambda)
		canStart := t < tauMax
		for i, tau := range taus {
			best := negInf
			bestJ := int32(-1)
			if canStart {
				best = 0
			}
			if prev := t - tau; prev >= 0 {
				row := score[prev*nt : prev*nt+nt]
				for j, s := range row {
					if s == negInf {
						continue
					}
					if v := s + trans[j][i]; v > best {
						best = v
						bestJ = int32(j)
					}
				}
			}
			if best == negInf {
				score[t*nt+i] = negInf
				back[t*nt+i] = -1
				continue
			}
			score[t*nt+i] = best + obs
			back[t*nt+i] = bestJ
		}
	}

	bestT, bestI := -1, -1
	bestScore := negInf
	for t := max(length-tauMax, 0); t < length; t++ {
		for i := 0; i < nt; i++ {
			if s := score[t*nt+i]; s > bestScore {
				bestScore, bestT, bestI = s, t, i
			}
		}
	}
	if bestT < 0 {
		return nil
	}

	var frames []int
	t, i := bestT, bestI
	for {
		frames = append(frames, start+t)
		j := back[t*nt+i]
		if j < 0 {
			break
		}
		t -= taus[i]
		i = int(j)
	}
	for l, r := 0, len(frames)-1; l < r; l, r = l+1, r-1 {
		frames[l], frames[r] = frames[r], frames[l]
	}
	if mc.correct {
		frames = correctToPeaks(frames, act, max(taus[0]/4, 1))
	}
	return frames
}

// correctToPeaks moves each beat to the activation maximum within radius
// frames, keeping the sequence strictly increasing.
func correctToPeaks(frames []int, act []float64, radius int) []int {
	out := make([]int, 0, len(frames))
	for _, f := range frames {
		lo := max(f-radius, 0)
		hi := min(f+radius, len(act)-1)
		best := f
		for k := lo; k <= hi; k++ {
			if act[k] > act[best] {
				best = k
			}
		}
		if len(out) > 0 && best <= out[len(out)-1] {
			continue
		}
		out = append(out, best)
	}
	return out
}
