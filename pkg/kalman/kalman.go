// Package kalman implements the constant-velocity position filter used per tag.
//
// State is [x, y, vx, vy] in the site frame. Only x and y are observed.
package kalman

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Defaults used when a Config field is zero
const (
	DefaultQ  = 0.005
	DefaultR  = 0.5
	DefaultDt = 0.1
)

var ErrSingularInnovation = errors.New("innovation covariance is singular")

// Config holds the noise model and fixed time step
type Config struct {
	Q  float64 `json:"kalman_q"`  // Process variance
	R  float64 `json:"kalman_r"`  // Measurement variance
	Dt float64 `json:"kalman_dt"` // Seconds between predictions
}

func (c Config) withDefaults() Config {
	if c.Q <= 0 {
		c.Q = DefaultQ
	}
	if c.R <= 0 {
		c.R = DefaultR
	}
	if c.Dt <= 0 {
		c.Dt = DefaultDt
	}
	return c
}

// Filter is a linear Kalman filter over a constant-velocity model
type Filter struct {
	cfg Config

	x *mat.VecDense // 4
	p *mat.Dense    // 4x4

	f *mat.Dense // state transition
	q *mat.Dense // process noise
	h *mat.Dense // 2x4 observation
	r *mat.Dense // 2x2 measurement noise

}

// New creates a filter at (x, y) with zero velocity and identity covariance
func New(cfg Config, x, y float64) *Filter {
	cfg = cfg.withDefaults()
	dt := cfg.Dt

	f := &Filter{
		cfg: cfg,
		x:   mat.NewVecDense(4, []float64{x, y, 0, 0}),
		p:   identity(4),
		f: mat.NewDense(4, 4, []float64{
			1, 0, dt, 0,
			0, 1, 0, dt,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
	}

	f.q = identity(4)
	f.q.Scale(cfg.Q, f.q)
	f.r = identity(2)
	f.r.Scale(cfg.R, f.r)

	return f
}

// Predict advances the state by one time step: x = F x, P = F P F' + Q
func (f *Filter) Predict() {
	var x mat.VecDense
	x.MulVec(f.f, f.x)

	var fp, p mat.Dense
	fp.Mul(f.f, f.p)
	p.Mul(&fp, f.f.T())
	p.Add(&p, f.q)

	f.x = &x
	f.p = &p
}

// Update corrects the state with a position measurement. The covariance is
// updated in Joseph form, P = (I-KH) P (I-KH)' + K R K', which keeps it
// symmetric positive semi-definite under rounding.
func (f *Filter) Update(zx, zy float64) error {
	z := mat.NewVecDense(2, []float64{zx, zy})

	// Innovation y = z - H x
	var hx, y mat.VecDense
	hx.MulVec(f.h, f.x)
	y.SubVec(z, &hx)

	// S = H P H' + R
	var hp, s mat.Dense
	hp.Mul(f.h, f.p)
	s.Mul(&hp, f.h.T())
	s.Add(&s, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return ErrSingularInnovation
	}

	// K = P H' S^-1
	var pht, k mat.Dense
	pht.Mul(f.p, f.h.T())
	k.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&k, &y)
	x.AddVec(f.x, &ky)

	var kh, ikh mat.Dense
	kh.Mul(&k, f.h)
	ikh.Sub(identity(4), &kh)

	var left, joseph, kr, krk mat.Dense
	left.Mul(&ikh, f.p)
	joseph.Mul(&left, ikh.T())
	kr.Mul(&k, f.r)
	krk.Mul(&kr, k.T())
	joseph.Add(&joseph, &krk)

	if !finiteVec(&x) || !finiteDense(&joseph) {
		f.reset(zx, zy)
		return nil
	}

	f.x = &x
	f.p = &joseph
	return nil
}

// Step runs Predict then Update and returns the filtered position
func (f *Filter) Step(zx, zy float64) (float64, float64, error) {
	f.Predict()
	if err := f.Update(zx, zy); err != nil {
		return 0, 0, err
	}
	x, y := f.Position()
	return x, y, nil
}

// Position returns the filtered x, y
func (f *Filter) Position() (float64, float64) {
	return f.x.AtVec(0), f.x.AtVec(1)
}

// Velocity returns the filtered vx, vy in m/s
func (f *Filter) Velocity() (float64, float64) {
	return f.x.AtVec(2), f.x.AtVec(3)
}

func (f *Filter) reset(x, y float64) {
	f.x = mat.NewVecDense(4, []float64{x, y, 0, 0})
	f.p = identity(4)
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if x := m.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}
