package testutil

import (
	"math"
	"net/http"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestAssertionsPassOnMatch(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertNoError(t, nil)
	AssertVecNear(t, r3.Vec{X: 1, Y: 2}, r3.Vec{X: 1, Y: 2 + 1e-9}, 1e-6)
	AssertQuatNear(t, quat.Number{Real: 1}, quat.Number{Real: 1 - 1e-9}, 1e-6)

	h := math.Sqrt(0.5)
	AssertUnit(t, quat.Number{Real: h, Jmag: h}, 1e-12)
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/debug/loop")
	if req.Method != http.MethodPost {
		t.Errorf("Method = %q, want POST", req.Method)
	}
	if req.URL.Path != "/debug/loop" {
		t.Errorf("Path = %q, want /debug/loop", req.URL.Path)
	}
}
