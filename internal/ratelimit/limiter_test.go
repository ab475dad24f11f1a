package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_PerClassAndClient(t *testing.T) {
	t.Parallel()

	limiter := New(Config{
		Window: time.Minute,
		Limits: map[Class]int{ClassList: 2, ClassAdmin: 1},
	})
	now := time.Unix(1_700_000_000, 0).UTC()

	if r := limiter.Take(now, ClassList, "1.1.1.1"); !r.Allowed || r.Remaining != 1 {
		t.Fatalf("list #1 = %#v", r)
	}
	if r := limiter.Take(now, ClassList, "1.1.1.1"); !r.Allowed || r.Remaining != 0 {
		t.Fatalf("list #2 = %#v", r)
	}
	if r := limiter.Take(now, ClassList, "1.1.1.1"); r.Allowed {
		t.Fatalf("list #3 should be denied: %#v", r)
	}

	// Other clients and classes have their own budget.
	if r := limiter.Take(now, ClassList, "2.2.2.2"); !r.Allowed {
		t.Fatalf("other client denied: %#v", r)
	}
	if r := limiter.Take(now, ClassAdmin, "1.1.1.1"); !r.Allowed {
		t.Fatalf("admin #1 denied: %#v", r)
	}
	if r := limiter.Take(now, ClassAdmin, "1.1.1.1"); r.Allowed {
		t.Fatalf("admin #2 should be denied: %#v", r)
	}
}

func TestLimiter_UnlimitedClass(t *testing.T) {
	t.Parallel()

	limiter := New(Config{Limits: map[Class]int{ClassList: 1}})
	now := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 100; i++ {
		if r := limiter.Take(now, ClassRead, "c"); !r.Allowed {
			t.Fatalf("read #%d denied: %#v", i+1, r)
		}
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	t.Parallel()

	limiter := New(Config{Window: time.Minute, Limits: map[Class]int{ClassRead: 1}})
	now := time.Unix(1_700_000_000, 0).UTC()

	first := limiter.Take(now, ClassRead, "c")
	if !first.Allowed {
		t.Fatalf("first = %#v", first)
	}
	if r := limiter.Take(now, ClassRead, "c"); r.Allowed || r.ResetIn <= 0 {
		t.Fatalf("second = %#v, want denied with reset delay", r)
	}
	next := time.Unix(first.ResetAt, 0)
	if r := limiter.Take(next, ClassRead, "c"); !r.Allowed {
		t.Fatalf("after reset = %#v", r)
	}
}
