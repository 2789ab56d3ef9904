package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/geom"
)

// MinPoints is the smallest point count SolveRigid accepts.
const MinPoints = 3

// ErrDegeneratePoints is returned when the source points are collinear or
// coincident, leaving the rotation undetermined.
var ErrDegeneratePoints = errors.New("calibration: degenerate point set")

// Solution is a solved rigid transform with its fit residual.
type Solution struct {
	Rotation    quat.Number
	Translation r3.Vec
	// RMSE is the root-mean-square distance between the transformed source
	// points and their targets, in metres.
	RMSE float64
}

// Record returns the solution as a calibrated record with a zero origin.
func (s Solution) Record() Record {
	return Record{Rotation: s.Rotation, Translation: s.Translation, Calibrated: true}
}

// SolveRigid finds the rotation R and translation t minimizing
// Σ|R·src[i] + t − dst[i]|² (Kabsch). The reflection case is corrected so R
// is always a proper rotation.
func SolveRigid(src, dst []r3.Vec) (Solution, error) {
	if len(src) != len(dst) {
		return Solution{}, fmt.Errorf("%w: %d source, %d target", ErrMismatchedPoints, len(src), len(dst))
	}
	if len(src) < MinPoints {
		return Solution{}, fmt.Errorf("%w: got %d, need %d", ErrTooFewPoints, len(src), MinPoints)
	}
	for i := range src {
		if !geom.FiniteVec(src[i]) || !geom.FiniteVec(dst[i]) {
			return Solution{}, fmt.Errorf("calibration: non-finite point at index %d", i)
		}
	}

	cs := centroid(src)
	cd := centroid(dst)

	// Cross-covariance H = Σ (src−cs)(dst−cd)ᵀ.
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := r3.Sub(src[i], cs)
		b := r3.Sub(dst[i], cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Solution{}, errors.New("calibration: SVD failed to converge")
	}
	sv := svd.Values(nil)
	if sv[0] == 0 || sv[1] < 1e-9*sv[0] {
		return Solution{}, ErrDegeneratePoints
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V·Uᵀ; flip the last column of V if that yields a reflection.
	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&v, u.T())
	}

	var m [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] = rot.At(r, c)
		}
	}
	q := geom.FromMatrix(m)

	// t = cd − R·cs
	t := r3.Sub(cd, geom.Rotate(q, cs))

	var sq float64
	for i := range src {
		d := r3.Sub(r3.Add(geom.Rotate(q, src[i]), t), dst[i])
		sq += r3.Dot(d, d)
	}

	return Solution{
		Rotation:    q,
		Translation: t,
		RMSE:        math.Sqrt(sq / float64(len(src))),
	}, nil
}

func centroid(pts []r3.Vec) r3.Vec {
	var c r3.Vec
	for _, p := range pts {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(pts)), c)
}
