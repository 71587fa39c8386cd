package optimize

import (
	"math"
	"sort"

	"github.com/cwbudde/algo-onset/internal/fitcommon"
)

// objectiveFunc is minimized. A non-nil error aborts the search; the value
// returned alongside it is still recorded.
type objectiveFunc func(x []float64) (float64, error)

type simplexOptions struct {
	step    float64
	ftolAbs float64
	ftolRel float64
}

// Nelder-Mead coefficients.
const (
	nmReflect  = 1.0
	nmExpand   = 2.0
	nmContract = 0.5
	nmShrink   = 0.5
)

type vertex struct {
	x []float64
	f float64
}

// nelderMead minimizes f over the unit box starting at x0. It returns nil
// once the spread of the simplex values is within tolerance, or the first
// error reported by f.
func nelderMead(f objectiveFunc, x0 []float64, opt simplexOptions) error {
	n := len(x0)
	eval := func(x []float64) (vertex, error) {
		v, err := f(x)
		return vertex{x: x, f: v}, err
	}

	start := clipUnit(x0)
	first, err := eval(start)
	if err != nil {
		return err
	}
	simplex := []vertex{first}
	for i := 0; i < n; i++ {
		x := append([]float64(nil), start...)
		if x[i]+opt.step <= 1 {
			x[i] += opt.step
		} else {
			x[i] -= opt.step
		}
		v, err := eval(x)
		if err != nil {
			return err
		}
		simplex = append(simplex, v)
	}

	for {
		sort.SliceStable(simplex, func(i, j int) bool { return simplex[i].f < simplex[j].f })
		best, worst := simplex[0], simplex[n]
		if withinTolerance(best.f, worst.f, opt) {
			return nil
		}

		c := make([]float64, n)
		for _, v := range simplex[:n] {
			for i := range c {
				c[i] += v.x[i] / float64(n)
			}
		}

		xr := along(c, worst.x, -nmReflect)
		r, err := eval(xr)
		if err != nil {
			return err
		}
		switch {
		case r.f < best.f:
			e, err := eval(along(c, xr, nmExpand))
			if err != nil {
				return err
			}
			if e.f < r.f {
				simplex[n] = e
			} else {
				simplex[n] = r
			}
			continue
		case r.f < simplex[n-1].f:
			simplex[n] = r
			continue
		}

		var xc []float64
		if r.f < worst.f {
			xc = along(c, xr, nmContract)
		} else {
			xc = along(c, worst.x, nmContract)
		}
		cv, err := eval(xc)
		if err != nil {
			return err
		}
		if cv.f < math.Min(r.f, worst.f) {
			simplex[n] = cv
			continue
		}

		for i := 1; i <= n; i++ {
			v, err := eval(along(best.x, simplex[i].x, nmShrink))
			if err != nil {
				return err
			}
			simplex[i] = v
		}
	}
}

// along returns c + k*(p - c), clipped to the unit box.
func along(c, p []float64, k float64) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i] + k*(p[i]-c[i])
	}
	return clipUnit(out)
}

func clipUnit(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = fitcommon.Clamp(v, 0, 1)
	}
	return out
}

func withinTolerance(best, worst float64, opt simplexOptions) bool {
	d := math.Abs(worst - best)
	if opt.ftolAbs > 0 && d <= opt.ftolAbs {
		return true
	}
	return opt.ftolRel > 0 && d <= opt.ftolRel*math.Abs(best)
}
