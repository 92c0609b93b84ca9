package fence

import (
	"sync"
	"testing"
)

func TestFenceSignalMonotonic(t *testing.T) {
	f := New(0)
	f.Signal(5)
	f.Signal(3)
	if got := f.Completed(); got != 5 {
		t.Errorf("Completed = %d, want 5", got)
	}
	if !f.IsComplete(5) || !f.IsComplete(1) {
		t.Error("IsComplete should be true for values <= 5")
	}
	if f.IsComplete(6) {
		t.Error("IsComplete(6) should be false")
	}
}

func TestFenceOnceTrueAlwaysTrue(t *testing.T) {
	f := New(0)
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			f.Signal(v)
		}(uint64(i))
	}

	seen := make([]bool, 101)
	for range 1000 {
		for v := 1; v <= 100; v++ {
			ok := f.IsComplete(uint64(v))
			if seen[v] && !ok {
				t.Fatalf("IsComplete(%d) went from true to false", v)
			}
			seen[v] = seen[v] || ok
		}
	}
	wg.Wait()
	if f.Completed() != 100 {
		t.Errorf("Completed = %d, want 100", f.Completed())
	}
}

func TestSequencerInOrder(t *testing.T) {
	f := New(0)
	s := NewSequencer(f)

	a, b, c := s.Next(), s.Next(), s.Next()
	if a != 1 || b != 2 || c != 3 {
		t.Fatalf("Next = %d, %d, %d, want 1, 2, 3", a, b, c)
	}

	s.Done(c)
	if f.Completed() != 0 {
		t.Errorf("Completed = %d after out-of-order Done(3), want 0", f.Completed())
	}
	s.Done(a)
	if f.Completed() != 1 {
		t.Errorf("Completed = %d after Done(1), want 1", f.Completed())
	}
	s.Done(b)
	if f.Completed() != 3 {
		t.Errorf("Completed = %d after Done(2), want 3", f.Completed())
	}
}

func TestSequencerStartsAfterInitial(t *testing.T) {
	f := New(10)
	s := NewSequencer(f)
	v := s.Next()
	if v != 11 {
		t.Fatalf("Next = %d, want 11", v)
	}
	s.Done(v)
	if !f.IsComplete(11) {
		t.Error("fence should be complete at 11")
	}
}

func TestSequencerConcurrent(t *testing.T) {
	f := New(0)
	s := NewSequencer(f)

	const n = 200
	values := make([]uint64, n)
	for i := range values {
		values[i] = s.Next()
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			s.Done(v)
		}(values[i])
	}
	wg.Wait()

	if f.Completed() != n {
		t.Errorf("Completed = %d, want %d", f.Completed(), n)
	}
}
