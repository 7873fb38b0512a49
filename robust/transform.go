package robust

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// homogeneousEpsilon is the smallest |w| accepted when dehomogenizing a point
const homogeneousEpsilon = 1e-12

// Identity returns the 3x3 identity packed row-major
func Identity() Parameters {
	return Parameters{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) Parameters {
	return Parameters{1, 0, tx, 0, 1, ty, 0, 0, 1}
}

// Scale creates a scaling transform
func Scale(sx, sy float64) Parameters {
	return Parameters{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// RotationDeg creates a rotation transform (angle in degrees, around origin)
func RotationDeg(degrees float64) Parameters {
	rad := degrees * math.Pi / 180.0
	cos, sin := math.Cos(rad), math.Sin(rad)
	return Parameters{cos, -sin, 0, sin, cos, 0, 0, 0, 1}
}

// ProjectPoint applies a 3x3 projective transform to a point.
// Returns false when the point maps to infinity.
func ProjectPoint(m Parameters, p Point) (Point, bool) {
	x := m[0]*p.X + m[1]*p.Y + m[2]
	y := m[3]*p.X + m[4]*p.Y + m[5]
	w := m[6]*p.X + m[7]*p.Y + m[8]
	if math.Abs(w) < homogeneousEpsilon {
		return Point{}, false
	}
	return Point{X: x / w, Y: y / w}, true
}

// MultiplyMatrices composes two 3x3 transforms: result = m1 * m2.
// Applying result is equivalent to applying m2 first, then m1.
func MultiplyMatrices(m1, m2 Parameters) Parameters {
	out := make(Parameters, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m1[r*3]*m2[c] + m1[r*3+1]*m2[3+c] + m1[r*3+2]*m2[6+c]
		}
	}
	return out
}

// Transpose returns the transpose of a 3x3 matrix
func Transpose(m Parameters) Parameters {
	return Parameters{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// InvertMatrix computes the inverse of a 3x3 matrix.
// Returns false if the matrix is singular or badly conditioned.
func InvertMatrix(m Parameters) (Parameters, bool) {
	a := mat.NewDense(3, 3, []float64(m.Clone()))
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, false
	}
	out := make(Parameters, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	return out, true
}

// normalizeScale divides a homogeneous matrix by its last element when that
// element is usable, otherwise by its Frobenius norm
func normalizeScale(m Parameters) Parameters {
	out := m.Clone()
	div := out[8]
	if math.Abs(div) < homogeneousEpsilon {
		div = mat.Norm(mat.NewVecDense(len(out), out), 2)
	}
	if div == 0 {
		return out
	}
	for i := range out {
		out[i] /= div
	}
	return out
}
