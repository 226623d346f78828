package salindex

import "testing"

func TestNext_Sequential(t *testing.T) {
	a := New(10, 12)
	live := map[int]bool{}
	isLive := func(i int) bool { return live[i] }

	for _, want := range []int{10, 11, 12} {
		got, err := a.Next(isLive)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
}

func TestNext_Wraps(t *testing.T) {
	a := New(10, 11)
	if _, err := a.Next(nil); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := a.Next(nil); err != nil {
		t.Fatalf("Next: %v", err)
	}
	got, err := a.Next(nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 10 {
		t.Errorf("Next() after wrap = %d, want 10", got)
	}
}

func TestNext_SkipsLive(t *testing.T) {
	a := New(1, 3)
	live := map[int]bool{1: true, 2: true}
	isLive := func(i int) bool { return live[i] }

	got, err := a.Next(isLive)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 3 {
		t.Errorf("Next() = %d, want 3 (only non-live index)", got)
	}
}

func TestNext_ExhaustedReturnsError(t *testing.T) {
	a := New(1, 2)
	isLive := func(i int) bool { return true }
	if _, err := a.Next(isLive); err == nil {
		t.Fatal("Next: want error when all indices live, got nil")
	}
}

func TestNew_InvalidRangeUsesDefaults(t *testing.T) {
	a := New(5, 5)
	if a.min != DefaultMin || a.max != DefaultMax {
		t.Errorf("New(5, 5) = {min: %d, max: %d}, want defaults", a.min, a.max)
	}
}
