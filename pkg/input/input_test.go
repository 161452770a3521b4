package input

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"
)

func TestDualize_SwapsCounterparts(t *testing.T) {
	v := []byte{Right, Left, Up, Down, Start, Select, A, B}
	Dualize(v, 0, len(v))
	want := []byte{Left, Right, Down, Up, Select, Start, B, A}
	if !bytes.Equal(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}
}

func TestDualize_SelfInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := make([]byte, 64)
	for i := range v {
		v[i] = byte(rng.Intn(256))
	}
	orig := append([]byte(nil), v...)
	Dualize(v, 10, 30)
	Dualize(v, 10, 30)
	if !bytes.Equal(v, orig) {
		t.Errorf("expected dualize twice to restore inputs, got %v", v)
	}
}

func TestDualize_OnlyTouchesSpan(t *testing.T) {
	v := []byte{Right, Right, Right, Right}
	Dualize(v, 1, 2)
	want := []byte{Right, Left, Left, Right}
	if !bytes.Equal(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}
}

func TestReverseSpan(t *testing.T) {
	v := []byte{0, 1, 2, 3, 4, 5}
	ReverseSpan(v, 1, 4)
	want := []byte{0, 4, 3, 2, 1, 5}
	if !bytes.Equal(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}
}

func TestChopSpan(t *testing.T) {
	v := []byte{0, 1, 2, 3, 4, 5}
	got := ChopSpan(v, 2, 3)
	want := []byte{0, 1, 5}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	// The input must be untouched.
	if !bytes.Equal(v, []byte{0, 1, 2, 3, 4, 5}) {
		t.Errorf("expected original unchanged, got %v", v)
	}
}

func TestShuffleSpan_PreservesMultiset(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	v := []byte{9, 1, 2, 3, 4, 5, 6, 9}
	ShuffleSpan(v, 1, 6, rng)

	if v[0] != 9 || v[7] != 9 {
		t.Errorf("expected bytes outside span untouched, got %v", v)
	}
	span := append([]byte(nil), v[1:7]...)
	sort.Slice(span, func(i, j int) bool { return span[i] < span[j] })
	want := []byte{1, 2, 3, 4, 5, 6}
	if !bytes.Equal(span, want) {
		t.Errorf("expected span contents preserved, got %v", span)
	}
}

func TestAblateSpan_AlwaysMasks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	AblateSpan(v, 1, 2, Right|A, 1.0, rng)
	want := []byte{0xFF, Right | A, Right | A, 0xFF}
	if !bytes.Equal(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}
}

func TestAblateSpan_NeverMasks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := []byte{0xFF, 0xFF}
	AblateSpan(v, 0, 2, 0, 0.0, rng)
	if !bytes.Equal(v, []byte{0xFF, 0xFF}) {
		t.Errorf("expected inputs untouched at probability 0, got %v", v)
	}
}

func TestRandomSpan_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		n := 1 + rng.Intn(200)
		start, length := RandomSpan(n, 2.0, rng)
		if length < 1 || length > n {
			t.Fatalf("n=%d: expected length in [1, %d], got %d", n, n, length)
		}
		if start < 0 || start+length > n {
			t.Fatalf("n=%d: span [%d, %d) out of range", n, start, start+length)
		}
	}
}

func TestRandomSpan_Empty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	start, length := RandomSpan(0, 2.0, rng)
	if start != 0 || length != 0 {
		t.Errorf("expected empty span for n=0, got start=%d length=%d", start, length)
	}
}

func TestRandomSpan_ExponentFavorsShortSpans(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, trials = 100, 5000
	sumBiased, sumFlat := 0, 0
	for i := 0; i < trials; i++ {
		_, l := RandomSpan(n, 4.0, rng)
		sumBiased += l
		_, l = RandomSpan(n, 1.0, rng)
		sumFlat += l
	}
	if sumBiased >= sumFlat {
		t.Errorf("expected exponent 4 to produce shorter spans than exponent 1, got avg %d vs %d",
			sumBiased/trials, sumFlat/trials)
	}
}
