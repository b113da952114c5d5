package fusion

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// DegenerateDeterminant is the smallest |det| accepted by Trilaterate2D
const DegenerateDeterminant = 1e-3

var (
	// ErrDegenerate marks near-collinear (or near-coplanar) anchor geometry
	ErrDegenerate = errors.New("degenerate anchor geometry")
	// ErrInsufficientAnchors marks fewer live anchors than the solver needs
	ErrInsufficientAnchors = errors.New("insufficient anchors")
)

// Trilaterate2D solves for the horizontal position at ranges r1..r3 from
// anchors a1..a3. The circle equations are differenced against a1, which
// leaves a 2x2 linear system solved in closed form.
func Trilaterate2D(a1, a2, a3 messages.Position, r1, r2, r3 float64) (float64, float64, error) {
	m11 := 2 * (a2.X - a1.X)
	m12 := 2 * (a2.Y - a1.Y)
	m21 := 2 * (a3.X - a1.X)
	m22 := 2 * (a3.Y - a1.Y)

	det := m11*m22 - m12*m21
	if math.Abs(det) < DegenerateDeterminant {
		return 0, 0, ErrDegenerate
	}

	n1 := sq(a1.X) + sq(a1.Y)
	b1 := sq(r1) - sq(r2) + sq(a2.X) + sq(a2.Y) - n1
	b2 := sq(r1) - sq(r3) + sq(a3.X) + sq(a3.Y) - n1

	x := (b1*m22 - m12*b2) / det
	y := (m11*b2 - b1*m21) / det
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, ErrDegenerate
	}
	return x, y, nil
}

// LeastSquares3D estimates a full 3D position from four or more anchors by
// linearizing the sphere equations against the first anchor and solving the
// overdetermined system with QR.
func LeastSquares3D(anchors []messages.Position, ranges []float64) (messages.Position, error) {
	n := len(anchors)
	if n < 4 || len(ranges) != n {
		return messages.Position{}, ErrInsufficientAnchors
	}

	ref := anchors[0]
	refNorm := sq(ref.X) + sq(ref.Y) + sq(ref.Z)

	a := mat.NewDense(n-1, 3, nil)
	b := mat.NewVecDense(n-1, nil)
	for i := 1; i < n; i++ {
		p := anchors[i]
		a.Set(i-1, 0, 2*(p.X-ref.X))
		a.Set(i-1, 1, 2*(p.Y-ref.Y))
		a.Set(i-1, 2, 2*(p.Z-ref.Z))
		b.SetVec(i-1, sq(ranges[0])-sq(ranges[i])+sq(p.X)+sq(p.Y)+sq(p.Z)-refNorm)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return messages.Position{}, ErrDegenerate
	}

	pos := messages.Position{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	if !pos.IsFinite() {
		return messages.Position{}, ErrDegenerate
	}
	return pos, nil
}

// rmse is the root mean square of the horizontal range residuals at p
func rmse(p messages.Position, anchors []messages.Position, ranges []float64) float64 {
	if len(anchors) == 0 {
		return 0
	}
	var sum float64
	for i, a := range anchors {
		sum += sq(p.DistanceXY(a) - ranges[i])
	}
	return math.Sqrt(sum / float64(len(anchors)))
}

func sq(v float64) float64 { return v * v }
