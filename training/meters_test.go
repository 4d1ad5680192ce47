package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestAverageMeter(t *testing.T) {
	tests := []struct {
		name    string
		updates [][2]float64 // value, weight
	}{
		{"single", [][2]float64{{2.5, 1}}},
		{"weighted", [][2]float64{{1, 128}, {3, 64}, {0.5, 32}}},
		{"fractional_weights", [][2]float64{{10, 0.25}, {-4, 0.75}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var forward, backward AverageMeter
			var sum, count float64
			for i, u := range tt.updates {
				forward.Update(u[0], u[1])
				rev := tt.updates[len(tt.updates)-1-i]
				backward.Update(rev[0], rev[1])
				sum += u[0] * u[1]
				count += u[1]
			}

			expected := sum / count
			if math.Abs(forward.Avg-expected) > 1e-12 {
				t.Errorf("expected avg %f, got %f", expected, forward.Avg)
			}
			if math.Abs(backward.Avg-forward.Avg) > 1e-12 {
				t.Errorf("average should not depend on order: %f vs %f", forward.Avg, backward.Avg)
			}
			last := tt.updates[len(tt.updates)-1][0]
			if forward.Val != last {
				t.Errorf("expected val %f, got %f", last, forward.Val)
			}
		})
	}
}

func TestAverageMeterReset(t *testing.T) {
	var m AverageMeter
	m.UpdateOne(3)
	m.UpdateOne(5)
	if m.Avg != 4 || m.Count != 2 {
		t.Fatalf("unexpected meter %+v", m)
	}
	m.Reset()
	if m != (AverageMeter{}) {
		t.Errorf("expected zeroed meter after reset, got %+v", m)
	}
}

func TestVectorMeter(t *testing.T) {
	m := NewVectorMeter(3)

	if err := m.Update([]float64{1, 2, 3}, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := m.Update([]float64{3, 2, 1}, 3); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	expected := []float64{2.5, 2, 1.5}
	for i, v := range expected {
		if math.Abs(m.Avg[i]-v) > 1e-12 {
			t.Errorf("avg[%d]: expected %f, got %f", i, v, m.Avg[i])
		}
	}
	if m.Val[0] != 3 {
		t.Errorf("expected last value 3, got %f", m.Val[0])
	}

	err := m.Update([]float64{1, 2}, 1)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}

	m.SetLen(2)
	if m.Count != 0 || m.Len() != 2 {
		t.Errorf("SetLen should reset the meter, got count=%f len=%d", m.Count, m.Len())
	}
	if err := m.Update([]float64{1, 2}, 1); err != nil {
		t.Errorf("Update after SetLen failed: %v", err)
	}
}
