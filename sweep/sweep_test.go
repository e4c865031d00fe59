package sweep_test

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/qdevil-lab/golabq/sweep"
)

func TestLinEndpointsExact(t *testing.T) {
	cases := []struct {
		start, stop float64
		n           int
	}{
		{0, 1, 2},
		{0, 1, 11},
		{-5, 5, 101},
		{1.7, -3.3, 7},
		{0.1, 0.3, 3}, // 0.1 + 2*0.1 != 0.3 in floats; endpoint must still be exact
	}
	for _, tc := range cases {
		pts := sweep.NewLin("v", tc.start, tc.stop, tc.n, 0).Setpoints()
		if len(pts) != tc.n {
			t.Errorf("expected %d points, got %d", tc.n, len(pts))
		}
		if pts[0] != tc.start {
			t.Errorf("first point %v != start %v", pts[0], tc.start)
		}
		if pts[len(pts)-1] != tc.stop {
			t.Errorf("last point %v != stop %v", pts[len(pts)-1], tc.stop)
		}
	}
}

func TestLinMonotone(t *testing.T) {
	for _, tc := range []struct {
		start, stop float64
	}{
		{0, 10},
		{10, 0},
	} {
		pts := sweep.NewLin("v", tc.start, tc.stop, 25, 0).Setpoints()
		sign := math.Signbit(tc.stop - tc.start)
		for i := 1; i < len(pts); i++ {
			if math.Signbit(pts[i]-pts[i-1]) != sign {
				t.Fatalf("points not monotone consistent with sign(stop-start) at index %d: %v -> %v", i, pts[i-1], pts[i])
			}
		}
	}
}

func TestLogSpacing(t *testing.T) {
	pts := sweep.NewLog("f", 0, 3, 4, 0).Setpoints()
	want := []float64{1, 10, 100, 1000}
	if diff := cmp.Diff(want, pts); diff != "" {
		t.Errorf("log setpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestArrayCopiesInput(t *testing.T) {
	src := []float64{1, 2, 3}
	s := sweep.NewArray("b", src, 0)
	src[0] = 99
	first := s.Setpoints()
	first[1] = -1
	second := s.Setpoints()
	want := []float64{1, 2, 3}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Errorf("array sweep not isolated from caller mutation (-want +got):\n%s", diff)
	}
}

func TestSweepMetadata(t *testing.T) {
	ran := false
	s := sweep.NewLin("gate2.v", 0, 1, 5, 20*time.Millisecond, func() error {
		ran = true
		return nil
	})
	if s.Param() != "gate2.v" {
		t.Errorf("param identity lost: %s", s.Param())
	}
	if s.Delay() != 20*time.Millisecond {
		t.Errorf("delay lost: %v", s.Delay())
	}
	if s.NumPoints() != 5 {
		t.Errorf("num points lost: %d", s.NumPoints())
	}
	for _, act := range s.PostActions() {
		if err := act(); err != nil {
			t.Fatal(err)
		}
	}
	if !ran {
		t.Error("post action was not surfaced")
	}
}
