// Package testutil provides shared test utilities and fixtures.
//
// This package centralises the numeric assertions used by the geometry,
// filter and calibration tests, and the HTTP helpers used by the debug
// surface tests.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AssertStatusCode checks that a response status code matches the expected value.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertVecNear fails the test when got and want differ by more than tol in
// euclidean distance.
func AssertVecNear(t *testing.T, got, want r3.Vec, tol float64) {
	t.Helper()
	if d := r3.Norm(r3.Sub(got, want)); d > tol || math.IsNaN(d) {
		t.Errorf("vector = %+v, want %+v (distance %g > %g)", got, want, d, tol)
	}
}

// AssertQuatNear fails the test when got and want differ component-wise by
// more than tol. q and -q are treated as different.
func AssertQuatNear(t *testing.T, got, want quat.Number, tol float64) {
	t.Helper()
	d := quat.Abs(quat.Sub(got, want))
	if d > tol || math.IsNaN(d) {
		t.Errorf("quaternion = %+v, want %+v (difference %g > %g)", got, want, d, tol)
	}
}

// AssertUnit fails the test when q is not of unit length within tol.
func AssertUnit(t *testing.T, q quat.Number, tol float64) {
	t.Helper()
	if n := quat.Abs(q); math.Abs(n-1) > tol {
		t.Errorf("|q| = %g, want 1", n)
	}
}
