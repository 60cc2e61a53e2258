package lehmer

import "testing"

func TestIntnInRange(t *testing.T) {
	r := New(42)
	for i := 0; i < 1000; i++ {
		v := r.Intn(7)
		if v < 0 || v >= 7 {
			t.Fatalf("Intn(7) out of range: %d", v)
		}
	}
}

func TestZeroSeedCoerced(t *testing.T) {
	r := New(0)
	if r.state == 0 {
		t.Fatal("zero seed must be coerced to non-zero")
	}
}

func TestDistinctSeedsDiverge(t *testing.T) {
	a := New(1)
	b := New(2)
	same := true
	for i := 0; i < 8; i++ {
		if a.Next() != b.Next() {
			same = false
		}
	}
	if same {
		t.Fatal("distinct seeds produced identical sequences")
	}
}
