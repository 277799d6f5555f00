package proxy

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistryAccounting(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zerolog.Nop())

	const n = 50

	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = nextSessionID()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Go(func() { r.Add(id, "example.com:443") })
	}
	wg.Wait()

	if r.Len() != n {
		t.Fatalf("len %d, want %d", r.Len(), n)
	}

	// Duplicate add is a no-op.
	r.Add(ids[0], "other.example:443")
	if r.Len() != n {
		t.Fatalf("duplicate add changed len to %d", r.Len())
	}

	for _, id := range ids {
		wg.Go(func() { r.Remove(id) })
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("len %d after removes, want 0", r.Len())
	}

	// Removing an unknown id is an anomaly, not an error.
	r.Remove(ids[0])
	if r.Len() != 0 {
		t.Fatalf("len %d, want 0", r.Len())
	}
}

func TestSessionIDsMonotonic(t *testing.T) {
	t.Parallel()

	a := nextSessionID()
	b := nextSessionID()
	if b <= a {
		t.Fatalf("ids not increasing: %d then %d", a, b)
	}
}
